package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nkiryanov/chatscheduler/internal/handlers/middleware"
	"github.com/nkiryanov/chatscheduler/internal/handlers/render"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
)

type authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Credential, error)
}

type RouterConfig struct {
	// Allowed CORS origins, usually just the frontend
	AllowedOrigins []string

	// Served at /metrics if set
	Metrics http.Handler
}

func NewRouter(
	cfg RouterConfig,
	sessions authenticator,
	authHandler *AuthHandler,
	messageHandler *MessageHandler,
	l logger.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LoggerMiddleware(l))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Instrument)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	requireAuth := middleware.Auth(sessions)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/slack", authHandler.slackAuthorize)
			r.Get("/slack/callback", authHandler.slackCallback)

			r.With(requireAuth).Get("/user", authHandler.user)
			r.With(requireAuth).Get("/token-status", authHandler.tokenStatus)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Use(requireAuth)

			r.Get("/channels", messageHandler.channels)
			r.Post("/send", messageHandler.send)
			r.Post("/schedule", messageHandler.schedule)
			r.Get("/scheduled", messageHandler.list)
			r.Delete("/scheduled/{id}", messageHandler.cancel)
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	type HealthResponse struct {
		Status string `json:"status"`
	}

	render.JSON(w, HealthResponse{Status: "ok"})
}
