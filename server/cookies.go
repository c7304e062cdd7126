package server

import (
	"net/http"
	"time"
)

const sessionCookieName = "auth_session"

// CookieAttributes are the transport and scoping attributes of the session
// cookie. Clearing a cookie must reuse the exact secure/sameSite/domain
// triple it was set with; browsers silently ignore a delete whose attributes
// do not match.
type CookieAttributes struct {
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// CookieAttributesFor derives cookie attributes from the environment mode
// and the classifier's scope domain. Production runs cross-origin over
// HTTPS, so SameSite=None with Secure. Browsers reject None without Secure,
// which leaves Lax as the only cross-port-same-host option on plain HTTP.
func CookieAttributesFor(production bool, scopeDomain string) CookieAttributes {
	attrs := CookieAttributes{
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
		Domain:   scopeDomain,
	}
	if production {
		attrs.Secure = true
		attrs.SameSite = http.SameSiteNoneMode
	}
	return attrs
}

// SetSessionCookie attaches the signed session token scoped for frontendURL.
// The scope domain is recomputed per request rather than cached so frontend
// URL changes across deployments are tolerated.
func SetSessionCookie(w http.ResponseWriter, token, frontendURL string, production bool, ttl time.Duration) {
	attrs := CookieAttributesFor(production, ClassifyHost(frontendURL).ScopeDomain)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   attrs.Domain,
		HttpOnly: true,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearSessionCookie deletes the session cookie using the same attribute
// derivation as SetSessionCookie.
func ClearSessionCookie(w http.ResponseWriter, frontendURL string, production bool) {
	attrs := CookieAttributesFor(production, ClassifyHost(frontendURL).ScopeDomain)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   attrs.Domain,
		HttpOnly: true,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
		MaxAge:   -1,
	})
}
