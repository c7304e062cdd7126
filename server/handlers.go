package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// App wires the gateway's components together and owns the HTTP handlers.
type App struct {
	Config Config
	Logger *slog.Logger

	PKCE     *PKCEStore
	Codec    *SessionCodec
	Provider *Provider
	Users    UserDirectory
	Unlock   *Resolver

	unlockSource EventSource
	closers      []func() error
}

// NewApp constructs the application from configuration. The provider is
// resolved eagerly so misconfiguration surfaces at startup.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	provider, err := NewProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		PKCE:     NewPKCEStore(logger),
		Codec:    NewSessionCodec(cfg.Session.Secret, cfg.Session.TimeoutHours),
		Provider: provider,
	}

	if cfg.Users.DBPath != "" {
		dir, err := OpenSQLiteDirectory(cfg.Users.DBPath)
		if err != nil {
			return nil, fmt.Errorf("user directory: %w", err)
		}
		app.Users = dir
		app.closers = append(app.closers, dir.Close)
	} else {
		app.Users = NewMemoryDirectory()
	}

	if cfg.Unlock.Enabled {
		app.Unlock = NewResolver(cfg.Unlock.SourceName, platformSIDResolver(), logger)
		source, err := NewEventSource(cfg.Unlock.LogName)
		if err != nil {
			logger.Warn("transparent unlock unavailable", "error", err)
			app.Unlock = nil
		} else {
			app.unlockSource = source
			app.closers = append(app.closers, source.Close)
		}
	}

	return app, nil
}

// Start launches the background loops. They exit when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go a.PKCE.Run(ctx)
	if a.Unlock != nil && a.unlockSource != nil {
		go a.Unlock.Run(ctx, a.unlockSource)
	}
}

// Close releases resources held by the application.
func (a *App) Close() error {
	var errs []error
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveFrontendURL determines where to send the browser after the flow
// completes: Referer, then Origin, then an explicit redirect_uri query
// parameter, then the configured default.
func (a *App) resolveFrontendURL(r *http.Request) string {
	for _, candidate := range []string{
		r.Header.Get("Referer"),
		r.Header.Get("Origin"),
		r.URL.Query().Get("redirect_uri"),
	} {
		if candidate == "" {
			continue
		}
		if u, err := url.Parse(candidate); err == nil && u.Scheme != "" && u.Host != "" {
			return strings.TrimRight(candidate, "/")
		}
	}
	return strings.TrimRight(a.Config.Server.FrontendURL, "/")
}

// handleAuthorize starts sign-in. When the request comes from a local host
// and a transparent unlock identity is available, the provider round trip is
// skipped entirely. Otherwise the browser is redirected to the provider with
// a fresh PKCE challenge.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	frontendURL := a.resolveFrontendURL(r)

	if a.Unlock != nil && ClassifyHost(frontendURL).Local {
		if identity := a.Unlock.Current(); !identity.Empty() {
			a.completeTransparentLock(w, r, frontendURL, identity)
			return
		}
	}

	state, _, challenge := a.PKCE.Begin(frontendURL)
	a.Logger.Info("authorization started", "state", state, "frontend_url", frontendURL, "request_id", requestID(r.Context()))
	http.Redirect(w, r, a.Provider.AuthCodeURL(state, challenge), http.StatusFound)
}

// unlockUserInfo builds a profile from a transparent unlock identity. A bare
// username is qualified with a synthetic "@local" suffix so every subject is
// addressable as an email.
func unlockUserInfo(identity UnlockIdentity, now time.Time) UserInfo {
	email := identity.Email
	if email == "" {
		email = identity.Username + "@local"
	}
	local, _, _ := strings.Cut(email, "@")
	given, family, _ := strings.Cut(local, ".")
	return UserInfo{
		Subject:         email,
		Name:            strings.TrimSpace(capitalize(given) + " " + capitalize(family)),
		Email:           email,
		GivenName:       capitalize(given),
		FamilyName:      capitalize(family),
		AuthMethod:      AuthMethodTransparentLock,
		AuthenticatedAt: now.UTC().Format(time.RFC3339),
	}
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func (a *App) completeTransparentLock(w http.ResponseWriter, r *http.Request, frontendURL string, identity UnlockIdentity) {
	user := unlockUserInfo(identity, time.Now())
	a.Logger.Info("transparent unlock sign-in", "subject", user.Subject, "request_id", requestID(r.Context()))
	a.signIn(w, r, frontendURL, "", "", user)
}

// signIn persists the profile, issues a session token, sets the cookie, and
// redirects to the frontend. The directory decides the authoritative role.
func (a *App) signIn(w http.ResponseWriter, r *http.Request, frontendURL, accessToken, idToken string, user UserInfo) {
	ctx := r.Context()
	if err := a.Users.Save(ctx, user); err != nil {
		a.Logger.Error("save user", "subject", user.Subject, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "failed to persist user")
		return
	}
	stored, err := a.Users.Get(ctx, user.Subject)
	if err != nil {
		a.Logger.Error("load user", "subject", user.Subject, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	user.Role = stored.Role
	user.BemsID = firstNonEmpty(user.BemsID, stored.BemsID)

	token, err := a.Codec.Issue(accessToken, idToken, user)
	if err != nil {
		a.Logger.Error("issue session token", "subject", user.Subject, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	SetSessionCookie(w, token, frontendURL, a.Config.Server.Production, a.Codec.TTL())
	http.Redirect(w, r, frontendURL, http.StatusFound)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// handleCallback finishes the authorization-code flow.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeAPIError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	entry, ok := a.PKCE.Consume(state)
	if !ok {
		a.Logger.Warn("callback with unknown state", "state", state, "request_id", requestID(r.Context()))
		writeAPIError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}

	tok, err := a.Provider.Exchange(r.Context(), code, entry.CodeVerifier)
	if err != nil {
		a.Logger.Error("code exchange failed", "error", err, "request_id", requestID(r.Context()))
		writeAPIError(w, http.StatusBadRequest, "authorization code exchange failed")
		return
	}
	idToken, _ := tok.Extra("id_token").(string)

	user, err := a.Provider.FetchUserInfo(r.Context(), tok.AccessToken)
	if err != nil {
		a.Logger.Warn("userinfo fetch failed, falling back to id token claims", "error", err)
		user, err = DecodeIDTokenClaims(idToken)
		if err != nil {
			a.Logger.Error("id token decode failed", "error", err)
			writeAPIError(w, http.StatusBadRequest, "failed to resolve user identity")
			return
		}
	}
	user.AuthMethod = AuthMethodWSSO
	user.AuthenticatedAt = time.Now().UTC().Format(time.RFC3339)

	a.signIn(w, r, entry.FrontendURL, tok.AccessToken, idToken, user)
}

// handleSession reports the current session state. An invalid or expired
// token clears the cookie rather than returning an error.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	claims, err := a.Codec.Verify(cookie.Value)
	if err != nil {
		a.clearSession(w, r)
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          claims.UserInfo,
		"accessToken":   claims.AccessToken,
		"idToken":       claims.IDToken,
	})
}

func (a *App) clearSession(w http.ResponseWriter, r *http.Request) {
	frontendURL := r.Header.Get("Referer")
	if frontendURL == "" {
		frontendURL = a.Config.Server.FrontendURL
	}
	ClearSessionCookie(w, frontendURL, a.Config.Server.Production)
}

func (a *App) handleSignout(w http.ResponseWriter, r *http.Request) {
	a.clearSession(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"signed_out": true})
}

// currentUser extracts and verifies the session cookie.
func (a *App) currentUser(r *http.Request) (UserInfo, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return UserInfo{}, ErrSessionInvalid
	}
	claims, err := a.Codec.Verify(cookie.Value)
	if err != nil {
		return UserInfo{}, err
	}
	return claims.UserInfo, nil
}

// requireUser guards authenticated routes. Failed verification clears the
// cookie so the browser does not keep replaying a dead session.
func (a *App) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.currentUser(r)
		if err != nil {
			a.clearSession(w, r)
			writeAPIError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// requireAdmin guards the user management routes. Role is checked against
// the directory, not the token, so revocations take effect immediately.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFromContext(r.Context())
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		stored, err := a.Users.Get(r.Context(), user.Subject)
		if err != nil || stored.Role != RoleAdmin {
			writeAPIError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Users.ListAll(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *App) handleGetUser(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")
	user, err := a.Users.Get(r.Context(), subject)
	if errors.Is(err, ErrUserNotFound) {
		writeAPIError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *App) handleUsersByRole(w http.ResponseWriter, r *http.Request) {
	role := Role(chi.URLParam(r, "role"))
	if !role.Valid() {
		writeAPIError(w, http.StatusBadRequest, "unknown role")
		return
	}
	users, err := a.Users.ListByRole(r.Context(), role)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleUpdateUserRole changes a user's role. Demoting the last remaining
// admin is refused so the directory never ends up without one.
func (a *App) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")

	var body struct {
		Role Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Role.Valid() {
		writeAPIError(w, http.StatusBadRequest, "role must be admin or non_admin")
		return
	}

	target, err := a.Users.Get(r.Context(), subject)
	if errors.Is(err, ErrUserNotFound) {
		writeAPIError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	if target.Role == RoleAdmin && body.Role == RoleNonAdmin {
		admins, err := a.Users.ListByRole(r.Context(), RoleAdmin)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "failed to list admins")
			return
		}
		if len(admins) <= 1 {
			writeAPIError(w, http.StatusBadRequest, "cannot demote the last admin")
			return
		}
	}

	if err := a.Users.UpdateRole(r.Context(), subject, body.Role); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeAPIError(w, http.StatusNotFound, "user not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "failed to update role")
		return
	}
	target.Role = body.Role
	writeJSON(w, http.StatusOK, target)
}

func (a *App) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")
	if caller, ok := userFromContext(r.Context()); ok && caller.Subject == subject {
		writeAPIError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := a.Users.Delete(r.Context(), subject); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeAPIError(w, http.StatusNotFound, "user not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": subject})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	stored, err := a.Users.Get(r.Context(), user.Subject)
	if err == nil {
		user.Role = stored.Role
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *App) handleIsAdmin(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	stored, err := a.Users.Get(r.Context(), user.Subject)
	isAdmin := err == nil && stored.Role == RoleAdmin
	writeJSON(w, http.StatusOK, map[string]any{"is_admin": isAdmin})
}

func (a *App) handleUnlockCurrent(w http.ResponseWriter, r *http.Request) {
	if a.Unlock == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "transparent unlock is not available")
		return
	}
	identity := a.Unlock.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"email":    identity.Email,
		"username": identity.Username,
		"present":  !identity.Empty(),
	})
}

func (a *App) handleUnlockEvents(w http.ResponseWriter, r *http.Request) {
	if a.Unlock == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "transparent unlock is not available")
		return
	}
	writeJSON(w, http.StatusOK, a.Unlock.Events())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := a.Provider.Discovery(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to fetch discovery document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Provider.JWKS(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "failed to fetch signing keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
