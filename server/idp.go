package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	josejwt "github.com/go-jose/go-jose/v3/jwt"
	"golang.org/x/oauth2"
)

// providerTimeout bounds every call to the identity provider. Authorization
// is an interactive, user-retriable operation, so failed calls are never
// retried automatically.
const providerTimeout = 10 * time.Second

// ErrUpstream marks identity-provider failures.
var ErrUpstream = errors.New("identity provider request failed")

// Provider is the upstream OIDC authority. Endpoints come from discovery
// when the issuer serves it; otherwise the conventional paths under the
// configured base URL are used.
type Provider struct {
	oauth       *oauth2.Config
	op          *oidc.Provider // nil when discovery was unavailable
	baseURL     string
	userInfoURL string
	jwksURL     string
	client      *http.Client
	logger      *slog.Logger
}

// NewProvider builds the upstream client, attempting OIDC discovery against
// the configured issuer first.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	base := strings.TrimSuffix(cfg.Provider.BaseURL, "/")
	p := &Provider{
		baseURL:     base,
		userInfoURL: base + "/userinfo",
		jwksURL:     base + "/token_keys",
		client:      &http.Client{Timeout: providerTimeout},
		logger:      logger,
	}

	endpoint := oauth2.Endpoint{
		AuthURL:  base + "/oauth/authorize",
		TokenURL: base + "/oauth/token",
	}

	discoveryCtx, cancel := context.WithTimeout(p.httpCtx(ctx), providerTimeout)
	defer cancel()
	if op, err := oidc.NewProvider(discoveryCtx, cfg.Provider.IssuerURL); err == nil {
		p.op = op
		endpoint = op.Endpoint()
		if u := op.UserInfoEndpoint(); u != "" {
			p.userInfoURL = u
		}
		var meta struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := op.Claims(&meta); err == nil && meta.JWKSURI != "" {
			p.jwksURL = meta.JWKSURI
		}
		logger.Info("provider discovery succeeded", "issuer", cfg.Provider.IssuerURL)
	} else {
		logger.Warn("provider discovery failed, using conventional endpoints",
			"issuer", cfg.Provider.IssuerURL, "error", err)
	}

	p.oauth = &oauth2.Config{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURL:  cfg.Server.CallbackURL,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	return p, nil
}

// AuthCodeURL builds the upstream authorization redirect carrying the PKCE
// challenge with method S256.
func (p *Provider) AuthCodeURL(state, challenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems the authorization code with its PKCE verifier at the
// token endpoint. Single attempt; a non-success response aborts the flow so
// no partial session is ever issued.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := p.oauth.Exchange(p.httpCtx(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %v", ErrUpstream, err)
	}
	return tok, nil
}

// FetchUserInfo retrieves the user's claims from the userinfo endpoint with
// the access token as bearer credential.
func (p *Provider) FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	if p.op != nil {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		info, err := p.op.UserInfo(p.httpCtx(ctx), src)
		if err != nil {
			return UserInfo{}, fmt.Errorf("%w: userinfo: %v", ErrUpstream, err)
		}
		var user UserInfo
		if err := info.Claims(&user); err != nil {
			return UserInfo{}, fmt.Errorf("decode userinfo claims: %w", err)
		}
		return user, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: userinfo: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("%w: userinfo returned %d", ErrUpstream, resp.StatusCode)
	}

	var user UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return UserInfo{}, fmt.Errorf("decode userinfo: %w", err)
	}
	return user, nil
}

// DecodeIDTokenClaims extracts identity claims from a raw ID token WITHOUT
// verifying its signature. Trust was established by the authenticated code
// exchange that delivered the token over TLS, not by the token's own
// signature; callers must only pass tokens received directly from the token
// endpoint. This is a deliberate trust transfer, not an oversight.
func DecodeIDTokenClaims(raw string) (UserInfo, error) {
	if raw == "" {
		return UserInfo{}, errors.New("empty id_token")
	}
	tok, err := josejwt.ParseSigned(raw)
	if err != nil {
		return UserInfo{}, fmt.Errorf("parse id_token: %w", err)
	}
	var user UserInfo
	if err := tok.UnsafeClaimsWithoutVerification(&user); err != nil {
		return UserInfo{}, fmt.Errorf("decode id_token claims: %w", err)
	}
	return user, nil
}

// Discovery proxies the provider's openid-configuration document.
func (p *Provider) Discovery(ctx context.Context) (map[string]any, error) {
	return p.fetchJSON(ctx, p.baseURL+"/.well-known/openid-configuration")
}

// JWKS proxies the provider's signing keys.
func (p *Provider) JWKS(ctx context.Context) (map[string]any, error) {
	return p.fetchJSON(ctx, p.jwksURL)
}

func (p *Provider) fetchJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, url, resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return doc, nil
}

// httpCtx pins the bounded-timeout client onto the context for oauth2 and
// go-oidc calls.
func (p *Provider) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
