package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// idpFixture is a fake identity provider serving the conventional token and
// userinfo endpoints. Discovery is intentionally absent so the provider
// client runs in fallback mode.
type idpFixture struct {
	*httptest.Server

	tokenForm      url.Values
	idToken        string
	userinfoStatus int
	userinfoUser   UserInfo
}

func newIDPFixture(t *testing.T) *idpFixture {
	t.Helper()
	f := &idpFixture{
		userinfoStatus: http.StatusOK,
		userinfoUser: UserInfo{
			Subject:    "jane.doe@example.com",
			Name:       "Jane Doe",
			Email:      "jane.doe@example.com",
			GivenName:  "Jane",
			FamilyName: "Doe",
			BemsID:     "1234567",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.tokenForm = r.PostForm
		if r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     f.idToken,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if f.userinfoStatus != http.StatusOK {
			http.Error(w, "unavailable", f.userinfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.userinfoUser)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// signIDToken produces a compact JWT carrying the given claims. The handler
// under test reads claims without signature verification, so any symmetric
// key works.
func signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return token
}

func newTestApp(t *testing.T, production bool, idp *idpFixture) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Production = production
	cfg.Server.CallbackURL = "http://localhost:5002/callback"
	cfg.Provider.ClientID = "test-client"
	cfg.Provider.ClientSecret = "test-secret"
	cfg.Provider.BaseURL = idp.URL
	cfg.Provider.IssuerURL = idp.URL
	cfg.Session.Secret = "test-session-secret"
	cfg.Unlock.Enabled = false

	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func sessionCookieFrom(t *testing.T, res *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range res.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func authedRequest(t *testing.T, app *App, method, target string, user UserInfo, body string) *http.Request {
	t.Helper()
	token, err := app.Codec.Issue("", "", user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	return req
}

func TestAuthorizeRedirectsToProvider(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, true, idp)

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize", nil)
	req.Header.Set("Referer", "https://portal.example.com/")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(loc.String(), idp.URL+"/oauth/authorize") {
		t.Fatalf("redirect = %q, want provider authorize endpoint", loc)
	}

	q := loc.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("client_id") != "test-client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}

	entry, ok := app.PKCE.Consume(q.Get("state"))
	if !ok {
		t.Fatal("state in redirect not registered in store")
	}
	if entry.FrontendURL != "https://portal.example.com" {
		t.Errorf("entry frontend = %q", entry.FrontendURL)
	}
	sum := sha256.Sum256([]byte(entry.CodeVerifier))
	if q.Get("code_challenge") != base64.RawURLEncoding.EncodeToString(sum[:]) {
		t.Error("code_challenge does not match stored verifier")
	}
}

func TestAuthorizeTransparentLock(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, false, idp)
	app.Unlock = NewResolver("Transparent Screen Lock", nil, testLogger())
	app.Unlock.Apply(UnlockEvent{Source: "Transparent Screen Lock", Description: "User Name: jdoe"})

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize", nil)
	req.Header.Set("Referer", "http://localhost:5173")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://localhost:5173" {
		t.Fatalf("redirect = %q, want frontend, not the provider", loc)
	}

	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil {
		t.Fatal("no session cookie set")
	}
	if cookie.Domain != "" || cookie.Secure || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attrs for local dev host: %+v", cookie)
	}

	// The cookie must hold a verifiable session for the synthesized user.
	sessReq := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	sessReq.AddCookie(&http.Cookie{Name: sessionCookieName, Value: cookie.Value})
	sessRec := httptest.NewRecorder()
	app.Router().ServeHTTP(sessRec, sessReq)

	var session struct {
		Authenticated bool     `json:"authenticated"`
		User          UserInfo `json:"user"`
	}
	if err := json.NewDecoder(sessRec.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !session.Authenticated {
		t.Fatal("session not authenticated")
	}
	if session.User.Email != "jdoe@local" || session.User.GivenName != "Jdoe" {
		t.Errorf("session user = %+v", session.User)
	}
	if session.User.AuthMethod != AuthMethodTransparentLock {
		t.Errorf("auth method = %q", session.User.AuthMethod)
	}
	if session.User.Role != RoleAdmin {
		t.Errorf("first signed-in user role = %q, want admin", session.User.Role)
	}
}

func TestAuthorizeTransparentLockSkippedForSharedHost(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, false, idp)
	app.Unlock = NewResolver("Transparent Screen Lock", nil, testLogger())
	app.Unlock.Apply(UnlockEvent{Source: "Transparent Screen Lock", Description: "User Name: jdoe"})

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize", nil)
	req.Header.Set("Referer", "https://portal.example.com")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, idp.URL) {
		t.Fatalf("shared host redirected to %q, want provider", loc)
	}
}

func TestCallbackUnknownState(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, false, idp)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state=never-issued", nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if cookie := sessionCookieFrom(t, rec.Result()); cookie != nil {
		t.Error("session cookie set on rejected callback")
	}
	users, err := app.Users.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("rejected callback wrote %d users to the directory", len(users))
	}
}

func TestCallbackSuccess(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, false, idp)

	state, verifier, _ := app.PKCE.Begin("http://localhost:3000")

	req := httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state="+state, nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "http://localhost:3000" {
		t.Errorf("redirect = %q", loc)
	}
	if got := idp.tokenForm.Get("code_verifier"); got != verifier {
		t.Errorf("provider received verifier %q, want %q", got, verifier)
	}

	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil {
		t.Fatal("no session cookie set")
	}
	claims, err := app.Codec.Verify(cookie.Value)
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	if claims.UserInfo.Subject != "jane.doe@example.com" {
		t.Errorf("subject = %q", claims.UserInfo.Subject)
	}
	if claims.UserInfo.AuthMethod != AuthMethodWSSO {
		t.Errorf("auth method = %q", claims.UserInfo.AuthMethod)
	}
	if claims.AccessToken != "at-1" {
		t.Errorf("access token = %q", claims.AccessToken)
	}

	stored, err := app.Users.Get(context.Background(), "jane.doe@example.com")
	if err != nil {
		t.Fatalf("directory get: %v", err)
	}
	if stored.Role != RoleAdmin {
		t.Errorf("first user role = %q, want admin", stored.Role)
	}

	// Replaying the same state must fail without touching the provider.
	replay := httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state="+state, nil)
	replayRec := httptest.NewRecorder()
	app.Router().ServeHTTP(replayRec, replay)
	if replayRec.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want 400", replayRec.Code)
	}
}

func TestCallbackFallsBackToIDTokenClaims(t *testing.T) {
	idp := newIDPFixture(t)
	idp.userinfoStatus = http.StatusInternalServerError
	idp.idToken = signIDToken(t, jwt.MapClaims{
		"sub":         "fallback@example.com",
		"email":       "fallback@example.com",
		"given_name":  "Fall",
		"family_name": "Back",
	})
	app := newTestApp(t, false, idp)

	state, _, _ := app.PKCE.Begin("http://localhost:3000")
	req := httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state="+state, nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil {
		t.Fatal("no session cookie set")
	}
	claims, err := app.Codec.Verify(cookie.Value)
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	if claims.UserInfo.Subject != "fallback@example.com" || claims.UserInfo.GivenName != "Fall" {
		t.Errorf("user from id token claims = %+v", claims.UserInfo)
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	idp := newIDPFixture(t)
	app := newTestApp(t, false, idp)

	state, _, _ := app.PKCE.Begin("http://localhost:3000")
	req := httptest.NewRequest(http.MethodGet, "/callback?code=bad-code&state="+state, nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if cookie := sessionCookieFrom(t, rec.Result()); cookie != nil {
		t.Error("session cookie set after failed exchange")
	}
}

func TestSessionWithoutCookie(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Authenticated {
		t.Error("authenticated without a cookie")
	}
}

func TestSessionWithGarbageCookieClears(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "not-a-jwt"})
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil {
		t.Fatal("invalid session did not clear the cookie")
	}
	if cookie.MaxAge != -1 || cookie.Value != "" {
		t.Errorf("clear cookie = %+v", cookie)
	}
}

func TestSignout(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))

	req := authedRequest(t, app, http.MethodPost, "/auth/signout", testUser(), "")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil || cookie.MaxAge != -1 {
		t.Fatalf("signout did not clear the cookie: %+v", cookie)
	}
}

// seedUsers stores an admin and a regular user and returns them with their
// directory-assigned roles.
func seedUsers(t *testing.T, app *App) (admin, regular UserInfo) {
	t.Helper()
	ctx := context.Background()
	admin = UserInfo{Subject: "admin@example.com", Email: "admin@example.com"}
	regular = UserInfo{Subject: "user@example.com", Email: "user@example.com"}
	if err := app.Users.Save(ctx, admin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := app.Users.Save(ctx, regular); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	admin.Role = RoleAdmin
	regular.Role = RoleNonAdmin
	return admin, regular
}

func TestAdminGuard(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	admin, regular := seedUsers(t, app)

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodGet, "/api/users", regular, ""))
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodGet, "/api/users", admin, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
	var users []UserInfo
	if err := json.NewDecoder(rec.Body).Decode(&users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("listed %d users, want 2", len(users))
	}
}

func TestAdminGuardChecksDirectoryNotToken(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	_, regular := seedUsers(t, app)

	// A token claiming admin must not bypass the directory's stored role.
	forged := regular
	forged.Role = RoleAdmin
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodGet, "/api/users", forged, ""))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 from directory role check", rec.Code)
	}
}

func TestUpdateUserRole(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	admin, regular := seedUsers(t, app)

	req := authedRequest(t, app, http.MethodPut, "/api/users/"+regular.Subject+"/role", admin, `{"role":"admin"}`)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	stored, err := app.Users.Get(context.Background(), regular.Subject)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Role != RoleAdmin {
		t.Errorf("role = %q, want admin", stored.Role)
	}

	req = authedRequest(t, app, http.MethodPut, "/api/users/"+regular.Subject+"/role", admin, `{"role":"superuser"}`)
	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown role status = %d, want 400", rec.Code)
	}

	req = authedRequest(t, app, http.MethodPut, "/api/users/ghost@example.com/role", admin, `{"role":"admin"}`)
	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing user status = %d, want 404", rec.Code)
	}
}

func TestDemoteLastAdminRefused(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	admin, _ := seedUsers(t, app)

	req := authedRequest(t, app, http.MethodPut, "/api/users/"+admin.Subject+"/role", admin, `{"role":"non_admin"}`)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	stored, err := app.Users.Get(context.Background(), admin.Subject)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Role != RoleAdmin {
		t.Errorf("sole admin demoted anyway, role = %q", stored.Role)
	}
}

func TestDeleteUser(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	admin, regular := seedUsers(t, app)

	// Self-deletion is refused.
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodDelete, "/api/users/"+admin.Subject, admin, ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self delete status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodDelete, "/api/users/"+regular.Subject, admin, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := app.Users.Get(context.Background(), regular.Subject); err == nil {
		t.Error("deleted user still present")
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodDelete, "/api/users/"+regular.Subject, admin, ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}
}

func TestMeAndIsAdmin(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	admin, regular := seedUsers(t, app)

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodGet, "/api/me", regular, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	var me UserInfo
	if err := json.NewDecoder(rec.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.Subject != regular.Subject || me.Role != RoleNonAdmin {
		t.Errorf("me = %+v", me)
	}

	for _, tc := range []struct {
		user UserInfo
		want bool
	}{
		{admin, true},
		{regular, false},
	} {
		rec := httptest.NewRecorder()
		app.Router().ServeHTTP(rec, authedRequest(t, app, http.MethodGet, "/api/me/is-admin", tc.user, ""))
		var body struct {
			IsAdmin bool `json:"is_admin"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.IsAdmin != tc.want {
			t.Errorf("is_admin for %s = %v, want %v", tc.user.Subject, body.IsAdmin, tc.want)
		}
	}
}

func TestUnlockEndpoints(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/currentLoginUser", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled current status = %d, want 503", rec.Code)
	}
	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled events status = %d, want 503", rec.Code)
	}

	app.Unlock = NewResolver("Transparent Screen Lock", nil, testLogger())
	app.Unlock.Apply(UnlockEvent{Source: "Transparent Screen Lock", Description: "User Name: jane.doe@example.com"})

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/currentLoginUser", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("current status = %d", rec.Code)
	}
	var current struct {
		Email   string `json:"email"`
		Present bool   `json:"present"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&current); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !current.Present || current.Email != "jane.doe@example.com" {
		t.Errorf("current = %+v", current)
	}

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	var events []UnlockEvent
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].UserEmail != "jane.doe@example.com" {
		t.Errorf("events = %+v", events)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionExpiryIsRejected(t *testing.T) {
	app := newTestApp(t, false, newIDPFixture(t))
	base := time.Now()
	app.Codec.now = func() time.Time { return base }

	req := authedRequest(t, app, http.MethodGet, "/api/me", testUser(), "")
	app.Codec.now = func() time.Time { return base.Add(app.Codec.TTL() + time.Minute) }

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	cookie := sessionCookieFrom(t, rec.Result())
	if cookie == nil || cookie.MaxAge != -1 {
		t.Error("expired session did not clear the cookie")
	}
}
