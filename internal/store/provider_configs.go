package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

const providerConfigColumns = `platform, display_name, is_enabled, config_data, webhook_url,
	message_interval_ms, max_retry_count, created_at, updated_at`

// UpsertProviderConfig creates or replaces the config for cfg.Platform.
func (s *SQLiteStore) UpsertProviderConfig(ctx context.Context, cfg domain.ProviderConfig) (bool, error) {
	if cfg.Platform == "" {
		return false, fmt.Errorf("platform is required")
	}

	var created bool
	err := withBusyRetry(ctx, "upsert provider config", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert provider config: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM chat_provider_configs WHERE platform = ?`, cfg.Platform).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return fmt.Errorf("check provider config: %w", err)
		default:
			created = false
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_provider_configs (platform, display_name, is_enabled, config_data, webhook_url,
			message_interval_ms, max_retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			display_name = excluded.display_name,
			is_enabled = excluded.is_enabled,
			config_data = excluded.config_data,
			webhook_url = excluded.webhook_url,
			message_interval_ms = excluded.message_interval_ms,
			max_retry_count = excluded.max_retry_count,
			updated_at = excluded.updated_at`,
			cfg.Platform, cfg.DisplayName, boolToInt(cfg.IsEnabled), cfg.ConfigData, cfg.WebhookURL,
			cfg.MessageIntervalMs, cfg.MaxRetryCount, toMillis(now), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("upsert provider config: %w", err)
		}
		return tx.Commit()
	})
	return created, err
}

// GetProviderConfig returns the config for a platform, or nil.
func (s *SQLiteStore) GetProviderConfig(ctx context.Context, platform string) (*domain.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerConfigColumns+` FROM chat_provider_configs WHERE platform = ?`, platform)
	cfg, err := scanProviderConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider config row: %w", err)
	}
	return cfg, nil
}

// ListProviderConfigs returns every config ordered by platform.
func (s *SQLiteStore) ListProviderConfigs(ctx context.Context) ([]domain.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerConfigColumns+` FROM chat_provider_configs ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("query provider configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderConfig(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan provider config row: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// DeleteProviderConfig removes a config and reports whether it existed.
func (s *SQLiteStore) DeleteProviderConfig(ctx context.Context, platform string) (bool, error) {
	var affected int64
	err := withBusyRetry(ctx, "delete provider config", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_provider_configs WHERE platform = ?`, platform)
		if err != nil {
			return fmt.Errorf("delete provider config: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected > 0, err
}

func scanProviderConfig(scan func(dest ...any) error) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	var enabled int
	var createdAt, updatedAt int64
	if err := scan(
		&cfg.Platform, &cfg.DisplayName, &enabled, &cfg.ConfigData, &cfg.WebhookURL,
		&cfg.MessageIntervalMs, &cfg.MaxRetryCount, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	cfg.IsEnabled = enabled != 0
	cfg.CreatedAt = fromMillis(createdAt)
	cfg.UpdatedAt = fromMillis(updatedAt)
	return &cfg, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
