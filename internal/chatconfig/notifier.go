package chatconfig

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ChangeHandler receives config change events.
type ChangeHandler func(domain.ConfigChangeEvent)

type subscription struct {
	platform string
	handler  ChangeHandler
}

// Notifier fans config change events out to subscribers synchronously.
type Notifier struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
	logger *slog.Logger
}

// NewNotifier creates an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{subs: make(map[uint64]subscription), logger: logger}
}

// Subscribe registers handler for events of platform, or of every platform
// when platform is empty. The returned func removes the subscription.
func (n *Notifier) Subscribe(platform string, handler ChangeHandler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{platform: strings.ToLower(platform), handler: handler}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Notify delivers evt to matching subscribers in subscription order.
// A panicking handler is logged and does not stop delivery to the others.
func (n *Notifier) Notify(evt domain.ConfigChangeEvent) {
	n.mu.RLock()
	ids := make([]uint64, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]ChangeHandler, 0, len(ids))
	platform := strings.ToLower(evt.Platform)
	for _, id := range ids {
		sub := n.subs[id]
		if sub.platform == "" || sub.platform == platform {
			targets = append(targets, sub.handler)
		}
	}
	n.mu.RUnlock()

	for _, handler := range targets {
		n.deliver(handler, evt)
	}
}

func (n *Notifier) deliver(handler ChangeHandler, evt domain.ConfigChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Config change handler panicked",
				"platform", evt.Platform, "change_type", evt.ChangeType, "panic", r)
		}
	}()
	handler(evt)
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
