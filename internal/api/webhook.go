package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/events"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// ProviderLookup resolves the provider serving a platform.
type ProviderLookup interface {
	Get(platform string) (provider.Provider, error)
}

// WebhookHandler receives platform callbacks and queues their messages.
type WebhookHandler struct {
	providers ProviderLookup
	sessions  *session.Manager
	queue     *queue.Queue
	hub       *events.Hub
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. hub may be nil.
func NewWebhookHandler(providers ProviderLookup, sessions *session.Manager, q *queue.Queue, hub *events.Hub, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		providers: providers,
		sessions:  sessions,
		queue:     q,
		hub:       hub,
		logger:    logger.With("component", "webhook"),
	}
}

// RegisterRoutes mounts the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/{platform}", h.Verify)
	r.Post("/webhooks/{platform}", h.Receive)
}

// Verify answers a platform's URL handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	p, err := h.providers.Get(platform)
	if err != nil {
		h.writeError(w, platform, err)
		return
	}

	echo, err := p.VerifyURL(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, platform, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, echo)
}

// Receive verifies a delivery, records each message in its session and
// enqueues it for the delivery worker.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	p, err := h.providers.Get(platform)
	if err != nil {
		h.writeError(w, platform, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inbound, err := p.ParseWebhook(r.Context(), r.URL.Query(), body)
	if err != nil {
		h.writeError(w, platform, err)
		return
	}

	for _, msg := range inbound.Messages {
		if err := h.accept(r.Context(), msg); err != nil {
			h.logger.Error("Failed to queue incoming message", "platform", platform, "message_id", msg.MessageID, "error", err)
			// A non-2xx status makes the platform redeliver.
			Error(w, http.StatusInternalServerError, "failed to queue message")
			return
		}
	}

	contentType := inbound.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, inbound.Response)
}

func (h *WebhookHandler) accept(ctx context.Context, msg domain.ChatMessage) error {
	sess, err := h.sessions.GetOrCreateSession(ctx, msg.SenderID, msg.Platform)
	if err != nil {
		return err
	}
	item, err := h.queue.Enqueue(ctx, msg, sess.ID, msg.SenderID, domain.DirectionIncoming)
	if err != nil {
		return err
	}
	if h.hub != nil {
		h.hub.Publish(events.Event{
			Type:     events.MessageReceived,
			Platform: msg.Platform,
			UserID:   msg.SenderID,
			QueueID:  item.ID,
			Detail:   map[string]any{"messageType": msg.Type},
		})
	}
	return nil
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, platform string, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownPlatform):
		Error(w, http.StatusNotFound, "unknown platform")
	case errors.Is(err, provider.ErrVerification):
		Error(w, http.StatusForbidden, "verification failed")
	case errors.Is(err, provider.ErrUnsupported):
		Error(w, http.StatusMethodNotAllowed, "not supported by platform")
	default:
		h.logger.Warn("Webhook rejected", "platform", platform, "error", err)
		Error(w, http.StatusBadRequest, "invalid webhook payload")
	}
}
