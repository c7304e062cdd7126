package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session verification failures. Expiry is distinguished from tampering so
// callers can log it differently, but both fail closed.
var (
	ErrSessionInvalid = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session token expired")
)

// SessionClaims is the signed session payload. The token is the session: the
// server keeps no corresponding record, so everything a request needs rides
// in the cookie.
type SessionClaims struct {
	AccessToken string   `json:"accessToken,omitempty"`
	IDToken     string   `json:"idToken,omitempty"`
	UserInfo    UserInfo `json:"userInfo"`
	jwt.RegisteredClaims
}

// SessionCodec issues and validates signed session tokens using a symmetric
// server-held secret.
type SessionCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionCodec constructs a codec with the configured signing secret and
// session lifetime in hours.
func NewSessionCodec(secret string, timeoutHours int) *SessionCodec {
	return &SessionCodec{
		secret: []byte(secret),
		ttl:    time.Duration(timeoutHours) * time.Hour,
		now:    time.Now,
	}
}

// TTL returns the configured session lifetime.
func (c *SessionCodec) TTL() time.Duration { return c.ttl }

// Issue signs a session token embedding the user verbatim, expiring at
// issue time plus the configured lifetime. The codec performs no enrichment.
func (c *SessionCodec) Issue(accessToken, idToken string, user UserInfo) (string, error) {
	now := c.now()
	claims := SessionClaims{
		AccessToken: accessToken,
		IDToken:     idToken,
		UserInfo:    user,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token. Only HS256 is accepted; a
// token declaring any other algorithm is rejected before signature checking.
// Malformed structure or a bad signature yields ErrSessionInvalid, expiry
// yields ErrSessionExpired. Failure never returns a partial identity.
func (c *SessionCodec) Verify(token string) (SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrSessionExpired
		}
		return SessionClaims{}, ErrSessionInvalid
	}
	if !parsed.Valid {
		return SessionClaims{}, ErrSessionInvalid
	}
	return claims, nil
}
