package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

const queueColumns = `seq, id, session_id, user_id, platform, direction, status, queue_kind, message_json,
	retry_count, scheduled_at, lease_owner, lease_expires_at, last_error, created_at, updated_at, completed_at`

// eligibleClause matches Pending items that are due and Processing items
// whose lease has lapsed.
const eligibleClause = `(
	(status = 'Pending' AND (scheduled_at IS NULL OR scheduled_at <= ?))
	OR
	(status = 'Processing' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)`

// InsertQueueItem appends an item to the queue.
func (s *SQLiteStore) InsertQueueItem(ctx context.Context, item *domain.QueuedMessage) error {
	raw, err := json.Marshal(item.Message)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	return withBusyRetry(ctx, "insert queue item", func() error {
		result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_queue (id, session_id, user_id, platform, direction, status, queue_kind,
			message_json, retry_count, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.SessionID, item.UserID, item.Platform, string(item.Direction),
			string(item.Status), string(item.Kind), string(raw), item.RetryCount,
			nullableMillis(item.ScheduledAt), toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("queue item seq: %w", err)
		}
		item.Seq = seq
		return nil
	})
}

// GetQueueItem returns an item by id, or nil.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM chat_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// LeaseQueueItems selects candidates in seq order, then claims each one with
// a conditional update so a concurrent leaser can never win the same row.
func (s *SQLiteStore) LeaseQueueItems(ctx context.Context, filter LeaseFilter, owner string, limit int, now time.Time, ttl time.Duration) ([]*domain.QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}

	nowMs := toMillis(now)
	expiresMs := toMillis(now.Add(ttl))

	where := []string{eligibleClause}
	args := []any{nowMs, nowMs}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	args = append(args, limit)

	var leased []*domain.QueuedMessage
	err := withBusyRetry(ctx, "lease queue items", func() error {
		leased = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("start lease transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
		SELECT id FROM chat_queue
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq ASC
		LIMIT ?`, args...)
		if err != nil {
			return fmt.Errorf("select lease candidates: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan lease candidate: %w", err)
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate lease candidates: %w", err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close lease candidates: %w", err)
		}

		for _, id := range candidates {
			row := tx.QueryRowContext(ctx, `
			UPDATE chat_queue
			SET status = 'Processing', lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND `+eligibleClause+`
			RETURNING `+queueColumns,
				owner, expiresMs, nowMs, id, nowMs, nowMs)
			item, err := scanQueueItem(row.Scan)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("lease queue item %s: %w", id, err)
			}
			leased = append(leased, item)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// CompleteQueueItem moves a Processing item held by owner to Completed.
func (s *SQLiteStore) CompleteQueueItem(ctx context.Context, id, owner string, now time.Time) error {
	return s.transition(ctx, "complete queue item", `
		UPDATE chat_queue
		SET status = 'Completed', lease_owner = '', lease_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'Processing' AND lease_owner = ?`,
		toMillis(now), toMillis(now), id, owner)
}

// RescheduleQueueItem counts a failed attempt. The new count is compared
// against maxRetries in the same statement so concurrent callers cannot
// skip the dead-letter transition.
func (s *SQLiteStore) RescheduleQueueItem(ctx context.Context, id, owner string, maxRetries int, reason string, next, now time.Time) (*domain.QueuedMessage, error) {
	var item *domain.QueuedMessage
	err := withBusyRetry(ctx, "reschedule queue item", func() error {
		row := s.db.QueryRowContext(ctx, `
		UPDATE chat_queue
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= ? THEN 'DeadLetter' ELSE 'Pending' END,
			queue_kind = CASE WHEN retry_count + 1 >= ? THEN queue_kind ELSE 'Retry' END,
			scheduled_at = CASE WHEN retry_count + 1 >= ? THEN scheduled_at ELSE ? END,
			lease_owner = '',
			lease_expires_at = NULL,
			last_error = ?,
			updated_at = ?
		WHERE id = ? AND status = 'Processing' AND lease_owner = ?
		RETURNING `+queueColumns,
			maxRetries, maxRetries, maxRetries, toMillis(next), reason, toMillis(now), id, owner)
		var err error
		item, err = scanQueueItem(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reschedule queue item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeadLetterQueueItem quarantines a Processing item held by owner immediately.
func (s *SQLiteStore) DeadLetterQueueItem(ctx context.Context, id, owner, reason string, now time.Time) error {
	return s.transition(ctx, "dead-letter queue item", `
		UPDATE chat_queue
		SET status = 'DeadLetter', lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'Processing' AND lease_owner = ?`,
		reason, toMillis(now), id, owner)
}

// ReleaseQueueItem returns a Processing item held by owner to Pending.
func (s *SQLiteStore) ReleaseQueueItem(ctx context.Context, id, owner string, now time.Time) error {
	return s.transition(ctx, "release queue item", `
		UPDATE chat_queue
		SET status = 'Pending', lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'Processing' AND lease_owner = ?`,
		toMillis(now), id, owner)
}

func (s *SQLiteStore) transition(ctx context.Context, name, query string, args ...any) error {
	return withBusyRetry(ctx, name, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s rows affected: %w", name, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// QueueStats counts items by status.
func (s *SQLiteStore) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM chat_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		switch domain.QueueStatus(status) {
		case domain.QueuePending:
			stats.Pending = count
		case domain.QueueProcessing:
			stats.Processing = count
		case domain.QueueCompleted:
			stats.Completed = count
		case domain.QueueDeadLetter:
			stats.DeadLetter = count
		}
	}
	return stats, rows.Err()
}

// ListDeadLetters pages through dead-lettered items, newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, offset, limit int) ([]*domain.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM chat_queue
		WHERE status = 'DeadLetter'
		ORDER BY updated_at DESC, seq DESC
		LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueuedMessage
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeadLetterStats summarises dead-lettered items.
func (s *SQLiteStore) DeadLetterStats(ctx context.Context) (domain.DeadLetterStats, error) {
	stats := domain.DeadLetterStats{ByPlatform: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, COUNT(*), MIN(updated_at), MAX(updated_at)
		FROM chat_queue WHERE status = 'DeadLetter'
		GROUP BY platform`)
	if err != nil {
		return stats, fmt.Errorf("query dead letter stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var platform string
		var count int
		var oldest, newest int64
		if err := rows.Scan(&platform, &count, &oldest, &newest); err != nil {
			return stats, fmt.Errorf("scan dead letter stats: %w", err)
		}
		stats.ByPlatform[platform] = count
		stats.Total += count
		if o := fromMillis(oldest); stats.Oldest == nil || o.Before(*stats.Oldest) {
			stats.Oldest = &o
		}
		if n := fromMillis(newest); stats.Newest == nil || n.After(*stats.Newest) {
			stats.Newest = &n
		}
	}
	return stats, rows.Err()
}

// ReviveDeadLetters resets dead-lettered items to Pending.
func (s *SQLiteStore) ReviveDeadLetters(ctx context.Context, id string, now time.Time) (int64, error) {
	query := `
		UPDATE chat_queue
		SET status = 'Pending', queue_kind = 'Normal', retry_count = 0, scheduled_at = NULL,
			last_error = '', updated_at = ?
		WHERE status = 'DeadLetter'`
	args := []any{toMillis(now)}
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}

	var affected int64
	err := withBusyRetry(ctx, "revive dead letters", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("revive dead letters: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func scanQueueItem(scan func(dest ...any) error) (*domain.QueuedMessage, error) {
	var item domain.QueuedMessage
	var direction, status, kind, raw string
	var scheduledAt, leaseExpiresAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scan(
		&item.Seq, &item.ID, &item.SessionID, &item.UserID, &item.Platform,
		&direction, &status, &kind, &raw,
		&item.RetryCount, &scheduledAt, &item.LeaseOwner, &leaseExpiresAt, &item.LastError,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &item.Message); err != nil {
		return nil, fmt.Errorf("unmarshal queued message: %w", err)
	}

	item.Direction = domain.Direction(direction)
	item.Status = domain.QueueStatus(status)
	item.Kind = domain.QueueKind(kind)
	item.ScheduledAt = timePtr(scheduledAt)
	item.LeaseExpiresAt = timePtr(leaseExpiresAt)
	item.CompletedAt = timePtr(completedAt)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}
