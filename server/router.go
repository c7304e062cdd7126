package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router assembles the full HTTP surface of the gateway.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server))

	r.Get("/auth/authorize", a.handleAuthorize)
	r.Get("/callback", a.handleCallback)
	r.Get("/auth/session", a.handleSession)
	r.Post("/auth/signout", a.handleSignout)
	r.Get("/auth/discovery", a.handleDiscovery)
	r.Get("/auth/jwks", a.handleJWKS)

	r.Group(func(r chi.Router) {
		r.Use(a.requireUser)
		r.Get("/api/me", a.handleMe)
		r.Get("/api/me/is-admin", a.handleIsAdmin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Get("/api/users", a.handleListUsers)
			r.Get("/api/users/role/{role}", a.handleUsersByRole)
			r.Get("/api/users/{id}", a.handleGetUser)
			r.Put("/api/users/{id}/role", a.handleUpdateUserRole)
			r.Delete("/api/users/{id}", a.handleDeleteUser)
		})
	})

	r.Get("/currentLoginUser", a.handleUnlockCurrent)
	r.Get("/events", a.handleUnlockEvents)
	r.Get("/health", a.handleHealth)

	return r
}
