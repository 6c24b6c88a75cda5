package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/ai"
	"github.com/omiderfanmanesh/Ogent/internal/auth"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

// RouterConfig holds everything the HTTP router needs. It is populated in
// main after all components are initialized and passed as a single struct to
// keep the constructor signature manageable.
type RouterConfig struct {
	Agents   *registry.Registry
	Commands *command.Registry
	Router   *router.Router
	Users    *auth.UserStore
	Tokens   *auth.TokenManager
	Logger   *zap.Logger

	// AI may be nil when no backend is configured; /analyze then answers 422.
	AI ai.Processor

	// Archive may be nil; /commands/{id} then serves in-memory records only.
	Archive ArchiveReader

	// Gateway is mounted at /ws. It authenticates the upgrade itself because
	// websocket clients cannot always set headers; the Authenticate
	// middleware is not applied to it.
	Gateway http.Handler
}

// NewRouter builds the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	tokenHandler := NewTokenHandler(cfg.Users, cfg.Tokens, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Commands, cfg.Router, cfg.AI, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Commands, cfg.Router, cfg.Archive, cfg.Logger)
	userHandler := NewUserHandler()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/token", tokenHandler.Issue)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Tokens))

			r.Get("/users/me", userHandler.GetMe)

			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Post("/agents/{id}/execute", agentHandler.Execute)
			r.Post("/agents/{id}/analyze", agentHandler.Analyze)

			r.Get("/commands", commandHandler.List)
			r.Get("/commands/{id}", commandHandler.GetByID)
			r.Post("/commands/{id}/cancel", commandHandler.Cancel)
		})
	})

	return r
}
