package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes groups the handlers mounted by NewRouter.
type Routes struct {
	Webhooks *WebhookHandler
	Health   *HealthHandler
	Events   *EventStreamHandler
	Logger   *slog.Logger
}

// NewRouter builds the relay's HTTP router.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(routes.Logger))
	r.Use(chiMiddleware.Recoverer)

	if routes.Health != nil {
		routes.Health.RegisterHealth(r)
	}
	if routes.Webhooks != nil {
		routes.Webhooks.RegisterRoutes(r)
	}
	if routes.Events != nil {
		r.Get("/ws/events", routes.Events.ServeHTTP)
	}
	return r
}
