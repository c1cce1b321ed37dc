package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Pinger checks storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// PlatformLister lists the active providers.
type PlatformLister interface {
	Platforms() []string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db        Pinger
	stats     StatsSource
	platforms PlatformLister
	timeout   time.Duration
}

// NewHealthHandler creates a new health handler. platforms may be nil.
func NewHealthHandler(db Pinger, stats StatsSource, platforms PlatformLister) *HealthHandler {
	return &HealthHandler{db: db, stats: stats, platforms: platforms, timeout: 5 * time.Second}
}

// Health returns the health status of the relay and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if statusCode == http.StatusOK && h.stats != nil {
		if stats, err := h.stats.Stats(ctx); err != nil {
			slog.Warn("Queue stats unavailable", "error", err)
			checks["queue"] = "unavailable"
		} else {
			checks["queue"] = "ok"
			status["queue"] = stats
		}
	}

	if h.platforms != nil {
		platforms := h.platforms.Platforms()
		sort.Strings(platforms)
		status["platforms"] = platforms
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
