package queue

import (
	"context"
	"fmt"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ListDeadLetters pages through quarantined items, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, offset, limit int) ([]*domain.QueuedMessage, error) {
	items, err := q.store.ListDeadLetters(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return items, nil
}

// DeadLetterStats summarises quarantined items.
func (q *Queue) DeadLetterStats(ctx context.Context) (domain.DeadLetterStats, error) {
	stats, err := q.store.DeadLetterStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("dead letter stats: %w", err)
	}
	return stats, nil
}

// Reprocess returns one dead-lettered item to the queue with a fresh retry
// budget. It reports whether the item was found in the dead-letter state.
func (q *Queue) Reprocess(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("id is required")
	}
	n, err := q.store.ReviveDeadLetters(ctx, id, q.now())
	if err != nil {
		return false, fmt.Errorf("reprocess dead letter %s: %w", id, err)
	}
	if n > 0 {
		q.logger.Info("Dead letter reprocessed", "id", id)
	}
	return n > 0, nil
}

// ReprocessAll returns every dead-lettered item to the queue.
func (q *Queue) ReprocessAll(ctx context.Context) (int64, error) {
	n, err := q.store.ReviveDeadLetters(ctx, "", q.now())
	if err != nil {
		return 0, fmt.Errorf("reprocess dead letters: %w", err)
	}
	q.logger.Info("Dead letters reprocessed", "count", n)
	return n, nil
}
