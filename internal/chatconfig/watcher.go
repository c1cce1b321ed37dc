package chatconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// SyncFromStore compares the store with what this process last saw and
// notifies subscribers of changes made elsewhere, such as by relayctl.
func (s *Service) SyncFromStore(ctx context.Context) (int, error) {
	rows, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list configs: %w", err)
	}

	type change struct {
		platform string
		kind     domain.ConfigChangeType
	}
	var changes []change
	seen := make(map[string]bool, len(rows))

	s.mu.Lock()
	for _, row := range rows {
		seen[row.Platform] = true
		hash := fingerprint(row)
		prev, ok := s.known[row.Platform]
		if ok && prev == hash {
			continue
		}
		plain, err := s.enc.Decrypt(row.ConfigData)
		if err != nil {
			s.logger.Warn("Skipping undecryptable config", "platform", row.Platform, "error", err)
			continue
		}
		row.ConfigData = plain
		s.cache[row.Platform] = row
		s.known[row.Platform] = hash
		if ok {
			changes = append(changes, change{row.Platform, domain.ConfigUpdated})
		} else {
			changes = append(changes, change{row.Platform, domain.ConfigCreated})
		}
	}
	for platform := range s.known {
		if !seen[platform] {
			delete(s.known, platform)
			delete(s.cache, platform)
			changes = append(changes, change{platform, domain.ConfigDeleted})
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.logger.Info("External config change detected", "platform", c.platform, "change_type", c.kind)
		s.notify(c.platform, c.kind)
	}
	return len(changes), nil
}

// StartReloadWatcher polls the store every interval until ctx is done.
func (s *Service) StartReloadWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Config reload watcher started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				if _, err := s.SyncFromStore(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("Config reload check failed", "error", err)
				}
			case <-ctx.Done():
				s.logger.Info("Config reload watcher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
