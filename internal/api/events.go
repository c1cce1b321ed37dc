package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/events"
	"github.com/coder/websocket"
)

const eventWriteTimeout = 5 * time.Second

// EventStreamHandler streams relay events over a WebSocket.
type EventStreamHandler struct {
	hub           *events.Hub
	allowedOrigin string
	allowedHost   string
	isDev         bool
}

// NewEventStreamHandler creates a new event stream handler. Outside
// development only allowedOrigin, same-host pages and clients that send no
// Origin header may connect.
func NewEventStreamHandler(hub *events.Hub, allowedOrigin string, isDev bool) *EventStreamHandler {
	h := &EventStreamHandler{hub: hub, allowedOrigin: strings.TrimSuffix(allowedOrigin, "/"), isDev: isDev}
	if u, err := url.Parse(h.allowedOrigin); err == nil {
		h.allowedHost = u.Host
	}
	return h
}

// ServeHTTP upgrades the connection and forwards events until either side
// goes away. ?type= may be repeated to filter event types.
func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	opts := &websocket.AcceptOptions{InsecureSkipVerify: h.isDev}
	if h.allowedHost != "" {
		opts.OriginPatterns = []string{h.allowedHost}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	var types []events.Type
	for _, t := range r.URL.Query()["type"] {
		types = append(types, events.Type(t))
	}

	// Events only flow to the client; CloseRead handles control frames and
	// cancels ctx when the client disconnects.
	ctx := ws.CloseRead(r.Context())
	stream := h.hub.Subscribe(ctx, types...)
	slog.Info("Event stream opened", "ip", r.RemoteAddr, "types", types)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event stream closed by client")
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, evt); err != nil {
				slog.Debug("Event stream write error", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *EventStreamHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.allowedOrigin != "" && strings.EqualFold(origin, h.allowedOrigin) {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
