// Package events fans relay activity out to live observers such as the
// /ws/events stream.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Type names a kind of relay event.
type Type string

// Event types.
const (
	MessageReceived     Type = "message.received"
	MessageMerged       Type = "message.merged"
	MessageSent         Type = "message.sent"
	MessageFailed       Type = "message.failed"
	MessageDeadLettered Type = "message.dead_lettered"
	ConfigChanged       Type = "config.changed"
)

// Event is one published occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Platform  string         `json:"platform,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	QueueID   string         `json:"queueId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	types map[Type]bool
}

// Hub is a non-blocking publish/subscribe broker. Slow subscribers lose
// events instead of stalling publishers.
type Hub struct {
	mu         sync.RWMutex
	subs       map[chan Event]subscriber
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	logger     *slog.Logger
}

// NewHub creates a Hub. bufferSize <= 0 uses the default.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[chan Event]subscriber),
		bufferSize: bufferSize,
		logger:     logger.With("component", "events"),
	}
}

// Publish stamps evt and delivers it to every interested subscriber.
func (h *Hub) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch, sub := range h.subs {
		if len(sub.types) > 0 && !sub.types[evt.Type] {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Subscriber buffer full, dropping event", "type", evt.Type, "event_id", evt.ID)
		}
	}
}

// Subscribe returns a channel of events of the given types (all types when
// none are given). The channel is closed when ctx ends or the hub closes.
func (h *Hub) Subscribe(ctx context.Context, types ...Type) <-chan Event {
	ch := make(chan Event, h.bufferSize)
	sub := subscriber{}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.subs[ch] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(ch)
	}()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
