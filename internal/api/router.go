package api

import (
	"net/http"

	"github.com/ashureev/sketch-duel/internal/identity"
	"github.com/ashureev/sketch-duel/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes collects the handlers mounted on the router. Nil handlers are skipped.
type Routes struct {
	Health     *HealthHandler
	Lobby      *LobbyHandler
	Challenges *ChallengeHandler
	Duels      *DuelHandler
	Realtime   http.Handler

	AllowedOrigins []string
	IsDev          bool
}

// NewRouter builds the HTTP router with global middleware.
func NewRouter(rt Routes) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(rt.AllowedOrigins))

	// Health stays outside identity so probes do not mint cookies.
	if rt.Health != nil {
		rt.Health.RegisterHealth(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(rt.IsDev))

		if rt.Lobby != nil {
			rt.Lobby.RegisterRoutes(r)
		}
		if rt.Challenges != nil {
			rt.Challenges.RegisterRoutes(r)
		}
		if rt.Duels != nil {
			rt.Duels.RegisterRoutes(r)
		}
		if rt.Realtime != nil {
			r.Get("/ws", rt.Realtime.ServeHTTP)
		}
	})

	return r
}
