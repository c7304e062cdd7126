package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file and environment overrides.
const (
	DefaultListenAddr          = ":5002"
	DefaultFrontendURL         = "http://localhost:3000"
	DefaultSessionTimeoutHours = 24
	DefaultUnlockSource        = "Transparent Screen Lock"
	DefaultUnlockLog           = "Application"
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Unlock   UnlockConfig   `yaml:"transparent_unlock"`
	Users    UsersConfig    `yaml:"users"`
}

// ServerConfig controls the listener, environment mode, and frontend wiring.
type ServerConfig struct {
	ListenAddr  string    `yaml:"listen_addr"`
	Production  bool      `yaml:"production"`
	FrontendURL string    `yaml:"frontend_url"`
	CallbackURL string    `yaml:"callback_url"`
	CORSOrigins []string  `yaml:"cors_origins"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig selects between static certificate files and autocert. Empty
// means plain HTTP.
type TLSConfig struct {
	CertFile  string   `yaml:"cert_file"`
	KeyFile   string   `yaml:"key_file"`
	Domains   []string `yaml:"domains"`
	Email     string   `yaml:"email"`
	CachePath string   `yaml:"cache_path"`
}

// ProviderConfig holds the upstream identity provider credentials and URLs.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	IssuerURL    string `yaml:"issuer_url"`
}

// SessionConfig controls session token signing and lifetime.
type SessionConfig struct {
	Secret       string `yaml:"secret"`
	TimeoutHours int    `yaml:"timeout_hours"`
}

// UnlockConfig controls the transparent-unlock listener.
type UnlockConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SourceName string `yaml:"source_name"`
	LogName    string `yaml:"log_name"`
}

// UsersConfig locates the user directory database. An empty path selects the
// in-memory directory (users do not survive a restart).
type UsersConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  DefaultListenAddr,
			FrontendURL: DefaultFrontendURL,
		},
		Session: SessionConfig{
			TimeoutHours: DefaultSessionTimeoutHours,
		},
		Unlock: UnlockConfig{
			Enabled:    true,
			SourceName: DefaultUnlockSource,
			LogName:    DefaultUnlockLog,
		},
	}
}

// LoadConfig reads the YAML config file, merges environment overrides, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_LISTEN_ADDR":           func(v string) { cfg.Server.ListenAddr = v },
		"AUTHGW_PRODUCTION":            func(v string) { cfg.Server.Production = parseBool(v, cfg.Server.Production) },
		"AUTHGW_FRONTEND_URL":          func(v string) { cfg.Server.FrontendURL = v },
		"AUTHGW_CALLBACK_URL":          func(v string) { cfg.Server.CallbackURL = v },
		"AUTHGW_CORS_ORIGINS":          func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"AUTHGW_CLIENT_ID":             func(v string) { cfg.Provider.ClientID = v },
		"AUTHGW_CLIENT_SECRET":         func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGW_PROVIDER_BASE_URL":     func(v string) { cfg.Provider.BaseURL = v },
		"AUTHGW_PROVIDER_ISSUER_URL":   func(v string) { cfg.Provider.IssuerURL = v },
		"AUTHGW_SESSION_SECRET":        func(v string) { cfg.Session.Secret = v },
		"AUTHGW_SESSION_TIMEOUT_HOURS": func(v string) { cfg.Session.TimeoutHours = parseInt(v, cfg.Session.TimeoutHours) },
		"AUTHGW_UNLOCK_ENABLED":        func(v string) { cfg.Unlock.Enabled = parseBool(v, cfg.Unlock.Enabled) },
		"AUTHGW_UNLOCK_SOURCE":         func(v string) { cfg.Unlock.SourceName = v },
		"AUTHGW_UNLOCK_LOG":            func(v string) { cfg.Unlock.LogName = v },
		"AUTHGW_USERS_DB":              func(v string) { cfg.Users.DBPath = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the merged configuration.
func (c Config) Validate() error {
	missing := []string{}
	required := []struct{ name, value string }{
		{"provider.client_id", c.Provider.ClientID},
		{"provider.client_secret", c.Provider.ClientSecret},
		{"provider.base_url", c.Provider.BaseURL},
		{"provider.issuer_url", c.Provider.IssuerURL},
		{"server.callback_url", c.Server.CallbackURL},
		{"session.secret", c.Session.Secret},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	for _, u := range []struct{ name, value string }{
		{"provider.base_url", c.Provider.BaseURL},
		{"server.callback_url", c.Server.CallbackURL},
		{"server.frontend_url", c.Server.FrontendURL},
	} {
		if !strings.HasPrefix(u.value, "http://") && !strings.HasPrefix(u.value, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", u.name, u.value)
		}
	}

	if c.Session.TimeoutHours <= 0 {
		return errors.New("session.timeout_hours must be positive")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls.cert_file and server.tls.key_file must be set together")
	}
	return nil
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
