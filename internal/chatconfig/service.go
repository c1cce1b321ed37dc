// Package chatconfig stores provider configuration encrypted at rest,
// validates it and notifies subscribers when it changes.
package chatconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
)

// Service is the config store used by the rest of the relay. Reads return
// decrypted configData; writes persist it encrypted.
type Service struct {
	store     store.ConfigStore
	enc       *Encryptor
	validator *Validator
	notifier  *Notifier
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]domain.ProviderConfig
	known map[string]string
}

// NewService creates a Service.
func NewService(s store.ConfigStore, enc *Encryptor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chatconfig")
	return &Service{
		store:     s,
		enc:       enc,
		validator: NewValidator(),
		notifier:  NewNotifier(logger),
		logger:    logger,
		cache:     make(map[string]domain.ProviderConfig),
		known:     make(map[string]string),
	}
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// Load primes the cache from the store without notifying subscribers.
func (s *Service) Load(ctx context.Context) error {
	rows, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load configs: %w", err)
	}

	cache := make(map[string]domain.ProviderConfig, len(rows))
	known := make(map[string]string, len(rows))
	for _, row := range rows {
		plain, err := s.decrypted(row)
		if err != nil {
			return err
		}
		cache[row.Platform] = plain
		known[row.Platform] = fingerprint(row)
	}

	s.mu.Lock()
	s.cache, s.known = cache, known
	s.mu.Unlock()
	s.logger.Info("Provider configs loaded", "count", len(rows))
	return nil
}

// SaveConfig upserts cfg with its configData encrypted and notifies
// subscribers with Created or Updated.
func (s *Service) SaveConfig(ctx context.Context, cfg domain.ProviderConfig) error {
	cfg.Platform = normalizePlatform(cfg.Platform)
	if cfg.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	cfg.DisplayName = strings.TrimSpace(cfg.DisplayName)

	encrypted, err := s.enc.Encrypt(cfg.ConfigData)
	if err != nil {
		return fmt.Errorf("encrypt config data: %w", err)
	}
	plain, err := s.enc.Decrypt(cfg.ConfigData)
	if err != nil {
		return fmt.Errorf("decrypt config data: %w", err)
	}

	row := cfg
	row.ConfigData = encrypted
	created, err := s.store.UpsertProviderConfig(ctx, row)
	if err != nil {
		return fmt.Errorf("save config %s: %w", cfg.Platform, err)
	}

	cfg.ConfigData = plain
	s.mu.Lock()
	s.cache[cfg.Platform] = cfg
	s.known[cfg.Platform] = fingerprint(row)
	s.mu.Unlock()

	change := domain.ConfigUpdated
	if created {
		change = domain.ConfigCreated
	}
	s.logger.Info("Provider config saved", "platform", cfg.Platform, "change_type", change)
	s.notify(cfg.Platform, change)
	return nil
}

// GetConfig returns the decrypted config for platform, or nil.
func (s *Service) GetConfig(ctx context.Context, platform string) (*domain.ProviderConfig, error) {
	platform = normalizePlatform(platform)

	s.mu.RLock()
	cached, ok := s.cache[platform]
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	row, err := s.store.GetProviderConfig(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", platform, err)
	}
	if row == nil {
		return nil, nil
	}
	plain, err := s.decrypted(*row)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[platform] = plain
	s.known[platform] = fingerprint(*row)
	s.mu.Unlock()
	return &plain, nil
}

// GetAllConfigs returns every decrypted config ordered by platform.
func (s *Service) GetAllConfigs(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	out := make([]domain.ProviderConfig, 0, len(rows))
	for _, row := range rows {
		plain, err := s.decrypted(row)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}

// DeleteConfig removes the config for platform and notifies Deleted when
// it existed.
func (s *Service) DeleteConfig(ctx context.Context, platform string) (bool, error) {
	platform = normalizePlatform(platform)
	deleted, err := s.store.DeleteProviderConfig(ctx, platform)
	if err != nil {
		return false, fmt.Errorf("delete config %s: %w", platform, err)
	}

	s.mu.Lock()
	delete(s.cache, platform)
	delete(s.known, platform)
	s.mu.Unlock()

	if deleted {
		s.logger.Info("Provider config deleted", "platform", platform)
		s.notify(platform, domain.ConfigDeleted)
	}
	return deleted, nil
}

// ReloadConfig re-reads platform, or every platform when empty, from the
// store and notifies Updated for each config reloaded.
func (s *Service) ReloadConfig(ctx context.Context, platform string) error {
	platform = normalizePlatform(platform)

	var rows []domain.ProviderConfig
	if platform == "" {
		all, err := s.store.ListProviderConfigs(ctx)
		if err != nil {
			return fmt.Errorf("reload configs: %w", err)
		}
		rows = all
	} else {
		row, err := s.store.GetProviderConfig(ctx, platform)
		if err != nil {
			return fmt.Errorf("reload config %s: %w", platform, err)
		}
		if row == nil {
			return fmt.Errorf("reload config %s: %w", platform, store.ErrNotFound)
		}
		rows = []domain.ProviderConfig{*row}
	}

	reloaded := make([]domain.ProviderConfig, 0, len(rows))
	for _, row := range rows {
		plain, err := s.decrypted(row)
		if err != nil {
			return err
		}
		reloaded = append(reloaded, plain)
	}

	s.mu.Lock()
	if platform == "" {
		s.cache = make(map[string]domain.ProviderConfig, len(rows))
		s.known = make(map[string]string, len(rows))
	}
	for i, row := range rows {
		s.cache[row.Platform] = reloaded[i]
		s.known[row.Platform] = fingerprint(row)
	}
	s.mu.Unlock()

	for _, cfg := range reloaded {
		s.notify(cfg.Platform, domain.ConfigUpdated)
	}
	s.logger.Info("Provider configs reloaded", "platform", platform, "count", len(reloaded))
	return nil
}

// ValidateConfig validates cfg, decrypting configData first if needed.
func (s *Service) ValidateConfig(cfg domain.ProviderConfig) domain.ValidationResult {
	if IsEncrypted(cfg.ConfigData) {
		if plain, err := s.enc.Decrypt(cfg.ConfigData); err == nil {
			cfg.ConfigData = plain
		}
	}
	return s.validator.Validate(cfg)
}

// ValidateAll validates every stored config.
func (s *Service) ValidateAll(ctx context.Context) ([]domain.ValidationResult, error) {
	configs, err := s.GetAllConfigs(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]domain.ValidationResult, 0, len(configs))
	for _, cfg := range configs {
		results = append(results, s.validator.Validate(cfg))
	}
	return results, nil
}

// OnConfigChanged subscribes handler to changes of platform, or of every
// platform when platform is empty.
func (s *Service) OnConfigChanged(platform string, handler func(domain.ConfigChangeEvent)) func() {
	return s.notifier.Subscribe(normalizePlatform(platform), handler)
}

func (s *Service) notify(platform string, change domain.ConfigChangeType) {
	s.notifier.Notify(domain.ConfigChangeEvent{
		Platform:   platform,
		ChangeType: change,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Service) decrypted(row domain.ProviderConfig) (domain.ProviderConfig, error) {
	plain, err := s.enc.Decrypt(row.ConfigData)
	if err != nil {
		return row, fmt.Errorf("decrypt config %s: %w", row.Platform, err)
	}
	row.ConfigData = plain
	return row, nil
}

// fingerprint hashes the stored form of a config, ignoring timestamps.
func fingerprint(row domain.ProviderConfig) string {
	h := sha256.New()
	for _, part := range []string{
		row.Platform,
		row.DisplayName,
		strconv.FormatBool(row.IsEnabled),
		row.ConfigData,
		row.WebhookURL,
		strconv.Itoa(row.MessageIntervalMs),
		strconv.Itoa(row.MaxRetryCount),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
