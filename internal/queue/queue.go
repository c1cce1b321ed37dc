// Package queue implements the durable delivery queue and the burst merger
// that sits in front of reply generation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/google/uuid"
)

// ErrNotLeased is returned when a transition targets an item that is not
// currently Processing under this queue's lease owner.
var ErrNotLeased = errors.New("queue item is not processing")

// Options configures a Queue.
type Options struct {
	// MaxRetryCount is the number of failed attempts after which an item is
	// dead-lettered.
	MaxRetryCount int
	// RetryBaseDelay is the first backoff step used by Fail.
	RetryBaseDelay time.Duration
	// LeaseTTL bounds how long a dequeued item stays exclusively owned.
	LeaseTTL time.Duration
	// Owner identifies this process in lease records.
	Owner string
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetryCount:  3,
		RetryBaseDelay: 30 * time.Second,
		LeaseTTL:       5 * time.Minute,
	}
}

// RetryLimitFunc returns a per-platform retry limit, if one is configured.
type RetryLimitFunc func(platform string) (int, bool)

// Queue is a durable FIFO with leases, retries and a dead-letter state.
type Queue struct {
	store      store.QueueStore
	opts       Options
	retryLimit RetryLimitFunc
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Queue backed by s.
func New(s store.QueueStore, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.MaxRetryCount < 0 {
		opts.MaxRetryCount = defaults.MaxRetryCount
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaults.LeaseTTL
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Queue{
		store:  s,
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "queue"),
	}
}

// SetRetryLimitFunc installs a per-platform override for MaxRetryCount.
func (q *Queue) SetRetryLimitFunc(fn RetryLimitFunc) {
	q.retryLimit = fn
}

// Enqueue appends msg to the tail of its channel.
func (q *Queue) Enqueue(ctx context.Context, msg domain.ChatMessage, sessionID, userID string, direction domain.Direction) (*domain.QueuedMessage, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = q.now()
	}
	now := q.now()
	item := &domain.QueuedMessage{
		ID:        uuid.NewString(),
		Message:   msg,
		SessionID: sessionID,
		UserID:    userID,
		Platform:  msg.Platform,
		Direction: direction,
		Status:    domain.QueuePending,
		Kind:      domain.QueueNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	q.logger.Debug("Message enqueued", "id", item.ID, "platform", item.Platform, "direction", direction)
	return item, nil
}

// Dequeue leases the oldest eligible item, or returns nil when none is due.
func (q *Queue) Dequeue(ctx context.Context) (*domain.QueuedMessage, error) {
	items, err := q.lease(ctx, store.LeaseFilter{}, 1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// DequeueChannel leases up to limit eligible items of one channel in order.
func (q *Queue) DequeueChannel(ctx context.Context, direction domain.Direction, platform, userID string, limit int) ([]*domain.QueuedMessage, error) {
	return q.lease(ctx, store.LeaseFilter{Direction: direction, Platform: platform, UserID: userID}, limit)
}

func (q *Queue) lease(ctx context.Context, filter store.LeaseFilter, limit int) ([]*domain.QueuedMessage, error) {
	items, err := q.store.LeaseQueueItems(ctx, filter, q.opts.Owner, limit, q.now(), q.opts.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return items, nil
}

// Complete marks a leased item as delivered.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.mapNotLeased(q.store.CompleteQueueItem(ctx, id, q.opts.Owner, q.now()), "complete", id)
}

// Retry counts a failed attempt and makes the item eligible again after
// delay, or dead-letters it once the retry budget is spent.
func (q *Queue) Retry(ctx context.Context, id string, delay time.Duration) (*domain.QueuedMessage, error) {
	return q.reschedule(ctx, id, "retry requested", func(int) time.Duration { return delay })
}

// Fail records reason and reschedules with exponential backoff. It shares
// Retry's count and dead-letter rules.
func (q *Queue) Fail(ctx context.Context, id, reason string) (*domain.QueuedMessage, error) {
	return q.reschedule(ctx, id, reason, func(retryCount int) time.Duration {
		return BackoffDelay(q.opts.RetryBaseDelay, retryCount)
	})
}

func (q *Queue) reschedule(ctx context.Context, id, reason string, delayFor func(retryCount int) time.Duration) (*domain.QueuedMessage, error) {
	current, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load queue item: %w", err)
	}
	if current == nil || current.Status != domain.QueueProcessing || current.LeaseOwner != q.opts.Owner {
		return nil, fmt.Errorf("%w: %s", ErrNotLeased, id)
	}

	now := q.now()
	next := now.Add(delayFor(current.RetryCount))
	limit := q.limitFor(current.Platform)

	item, err := q.store.RescheduleQueueItem(ctx, id, q.opts.Owner, limit, reason, next, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reschedule queue item: %w", err)
	}

	if item.Status == domain.QueueDeadLetter {
		q.logger.Warn("Message moved to dead letter",
			"id", id, "platform", item.Platform, "retry_count", item.RetryCount, "reason", reason)
	} else {
		q.logger.Info("Message scheduled for retry",
			"id", id, "platform", item.Platform, "retry_count", item.RetryCount, "next_attempt", next, "reason", reason)
	}
	return item, nil
}

// DeadLetter quarantines a leased item without spending its retry budget.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	if err := q.mapNotLeased(q.store.DeadLetterQueueItem(ctx, id, q.opts.Owner, reason, q.now()), "dead-letter", id); err != nil {
		return err
	}
	q.logger.Warn("Message moved to dead letter", "id", id, "reason", reason)
	return nil
}

// Release hands a leased item back to Pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.mapNotLeased(q.store.ReleaseQueueItem(ctx, id, q.opts.Owner, q.now()), "release", id)
}

// Length returns the number of Pending items.
func (q *Queue) Length(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	return stats.Pending, err
}

// DeadLetterCount returns the number of dead-lettered items.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	return stats.DeadLetter, err
}

// Stats counts items by status.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Get returns an item by id, or nil.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	return q.store.GetQueueItem(ctx, id)
}

func (q *Queue) limitFor(platform string) int {
	if q.retryLimit != nil {
		if limit, ok := q.retryLimit(platform); ok && limit >= 0 {
			return limit
		}
	}
	return q.opts.MaxRetryCount
}

func (q *Queue) mapNotLeased(err error, op, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotLeased)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

// BackoffDelay returns base * 2^retryCount, capped to avoid overflow.
func BackoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		retryCount = 20
	}
	return base * time.Duration(1<<retryCount)
}
