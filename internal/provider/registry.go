package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/chatrelay/internal/domain"
	"golang.org/x/time/rate"
)

// ConfigSource supplies provider configs and change notifications.
type ConfigSource interface {
	GetConfig(ctx context.Context, platform string) (*domain.ProviderConfig, error)
	GetAllConfigs(ctx context.Context) ([]domain.ProviderConfig, error)
	OnConfigChanged(platform string, handler func(domain.ConfigChangeEvent)) func()
}

type entry struct {
	provider      Provider
	limiter       *rate.Limiter
	maxRetryCount int
}

// Registry keeps one provider per enabled platform and rebuilds it when
// the platform's config changes.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[string]*entry

	unsubscribe func()
}

// NewRegistry creates an empty Registry.
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		deps:      deps,
		logger:    deps.Logger.With("component", "provider-registry"),
		factories: make(map[string]Factory),
		entries:   make(map[string]*entry),
	}
}

// RegisterFactory associates a factory with a platform id.
func (r *Registry) RegisterFactory(platform string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(platform)] = factory
}

// Put installs a ready provider directly.
func (r *Registry) Put(p Provider, cfg domain.ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(p.Platform())] = newEntry(p, cfg)
}

func newEntry(p Provider, cfg domain.ProviderConfig) *entry {
	e := &entry{provider: p, maxRetryCount: cfg.MaxRetryCount}
	if interval := cfg.MessageInterval(); interval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return e
}

// Attach builds providers for every enabled config in src and keeps them
// in sync with later config changes.
func (r *Registry) Attach(ctx context.Context, src ConfigSource) error {
	configs, err := src.GetAllConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load provider configs: %w", err)
	}
	for _, cfg := range configs {
		r.apply(cfg.Platform, &cfg)
	}

	r.unsubscribe = src.OnConfigChanged("", func(evt domain.ConfigChangeEvent) {
		if evt.ChangeType == domain.ConfigDeleted {
			r.apply(evt.Platform, nil)
			return
		}
		cfg, err := src.GetConfig(context.Background(), evt.Platform)
		if err != nil {
			r.logger.Error("Failed to load changed config", "platform", evt.Platform, "error", err)
			return
		}
		r.apply(evt.Platform, cfg)
	})
	return nil
}

// apply rebuilds or removes the provider for platform. A nil or disabled
// config removes it.
func (r *Registry) apply(platform string, cfg *domain.ProviderConfig) {
	platform = strings.ToLower(platform)

	if cfg == nil || !cfg.IsEnabled {
		r.mu.Lock()
		_, existed := r.entries[platform]
		delete(r.entries, platform)
		r.mu.Unlock()
		if existed {
			r.logger.Info("Provider removed", "platform", platform)
		}
		return
	}

	r.mu.RLock()
	factory, ok := r.factories[platform]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("No provider implementation for platform", "platform", platform)
		return
	}

	p, err := factory(*cfg, r.deps)
	if err != nil {
		r.logger.Error("Failed to build provider", "platform", platform, "error", err)
		return
	}

	r.mu.Lock()
	r.entries[platform] = newEntry(p, *cfg)
	r.mu.Unlock()
	r.logger.Info("Provider ready", "platform", platform, "message_interval", cfg.MessageInterval())
}

// Get returns the provider for platform.
func (r *Registry) Get(platform string) (Provider, error) {
	e, err := r.lookup(platform)
	if err != nil {
		return nil, err
	}
	return e.provider, nil
}

// Platforms returns the ids of the active providers.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for platform := range r.entries {
		out = append(out, platform)
	}
	return out
}

// Send waits for the platform's message interval and sends msg.
func (r *Registry) Send(ctx context.Context, msg domain.ChatMessage, targetUserID string) (SendResult, error) {
	e, err := r.lookup(msg.Platform)
	if err != nil {
		return SendResult{ErrorCode: "UNKNOWN_PLATFORM", ErrorMessage: err.Error()}, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return SendResult{ErrorCode: "CANCELLED", ErrorMessage: err.Error(), ShouldRetry: true}, err
		}
	}
	return e.provider.Send(ctx, msg, targetUserID)
}

// RetryLimit returns the configured maxRetryCount for platform.
func (r *Registry) RetryLimit(platform string) (int, bool) {
	e, err := r.lookup(platform)
	if err != nil {
		return 0, false
	}
	return e.maxRetryCount, true
}

// Close stops following config changes.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Registry) lookup(platform string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return e, nil
}
