package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCookieAttributesFor(t *testing.T) {
	tests := []struct {
		name        string
		production  bool
		scopeDomain string
		want        CookieAttributes
	}{
		{"production shared", true, ".example.com", CookieAttributes{Secure: true, SameSite: http.SameSiteNoneMode, Domain: ".example.com"}},
		{"production local", true, "", CookieAttributes{Secure: true, SameSite: http.SameSiteNoneMode}},
		{"dev shared", false, ".example.com", CookieAttributes{Secure: false, SameSite: http.SameSiteLaxMode, Domain: ".example.com"}},
		{"dev local", false, "", CookieAttributes{Secure: false, SameSite: http.SameSiteLaxMode}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CookieAttributesFor(tt.production, tt.scopeDomain)
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	res := rec.Result()
	for _, c := range res.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestSetSessionCookieLocalDev(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, "tok", "http://localhost:3000", false, 24*time.Hour)

	c := sessionCookie(t, rec)
	if c.Value != "tok" {
		t.Errorf("value = %q", c.Value)
	}
	if c.Domain != "" {
		t.Errorf("local host got Domain %q, want none", c.Domain)
	}
	if c.Secure {
		t.Error("dev cookie marked Secure")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
	if !c.HttpOnly {
		t.Error("cookie not HttpOnly")
	}
	if c.MaxAge != int((24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d", c.MaxAge)
	}
}

func TestSetSessionCookieProductionShared(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, "tok", "https://portal.example.com", true, time.Hour)

	c := sessionCookie(t, rec)
	if c.Domain != "example.com" && c.Domain != ".example.com" {
		t.Errorf("Domain = %q, want example.com scope", c.Domain)
	}
	if !c.Secure {
		t.Error("production cookie not Secure")
	}
	if c.SameSite != http.SameSiteNoneMode {
		t.Errorf("SameSite = %v, want None", c.SameSite)
	}
}

func TestClearSessionCookieMatchesSet(t *testing.T) {
	for _, production := range []bool{false, true} {
		setRec := httptest.NewRecorder()
		SetSessionCookie(setRec, "tok", "https://portal.example.com", production, time.Hour)
		clearRec := httptest.NewRecorder()
		ClearSessionCookie(clearRec, "https://portal.example.com", production)

		set := sessionCookie(t, setRec)
		cleared := sessionCookie(t, clearRec)
		if cleared.Domain != set.Domain || cleared.Secure != set.Secure || cleared.SameSite != set.SameSite || cleared.Path != set.Path {
			t.Errorf("production=%v: clear attrs %+v do not match set attrs %+v", production, cleared, set)
		}
		if cleared.MaxAge != -1 {
			t.Errorf("clear MaxAge = %d, want -1", cleared.MaxAge)
		}
		if cleared.Value != "" {
			t.Errorf("clear value = %q, want empty", cleared.Value)
		}
	}
}
