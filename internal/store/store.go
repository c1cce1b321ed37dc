// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

var (
	// ErrNotFound is returned when a record required by an update does not exist
	// or is not in the expected state.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// LeaseFilter narrows which queue items a lease may pick up.
// Empty fields match everything.
type LeaseFilter struct {
	Direction domain.Direction
	Platform  string
	UserID    string
}

// SessionStore persists chat sessions and their bounded history.
type SessionStore interface {
	// CreateSession inserts a new session. It returns ErrConflict when an
	// open session already exists for the same user and platform.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// FindOpenSession returns the non-closed session for the pair, or nil.
	FindOpenSession(ctx context.Context, userID, platform string) (*domain.ChatSession, error)

	// GetSession returns a session by id, or nil.
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)

	// SaveSession persists state, metadata and history, keeping at most
	// historyLimit history rows (0 keeps all).
	SaveSession(ctx context.Context, session *domain.ChatSession, historyLimit int) error

	// CloseSession marks a session Closed. It reports whether a row changed.
	CloseSession(ctx context.Context, id string, now time.Time) (bool, error)

	// CloseIdleSessions closes open sessions with no activity since before
	// and returns their ids.
	CloseIdleSessions(ctx context.Context, before, now time.Time) ([]string, error)
}

// QueueStore persists queue items and performs lease transitions atomically.
type QueueStore interface {
	// InsertQueueItem appends an item to the queue.
	InsertQueueItem(ctx context.Context, item *domain.QueuedMessage) error

	// GetQueueItem returns an item by id, or nil.
	GetQueueItem(ctx context.Context, id string) (*domain.QueuedMessage, error)

	// LeaseQueueItems moves up to limit eligible items to Processing for owner,
	// oldest first.
	LeaseQueueItems(ctx context.Context, filter LeaseFilter, owner string, limit int, now time.Time, ttl time.Duration) ([]*domain.QueuedMessage, error)

	// Transitions below apply only while the item is Processing and leased
	// by owner; otherwise they return ErrNotFound.

	// CompleteQueueItem moves a Processing item to Completed.
	CompleteQueueItem(ctx context.Context, id, owner string, now time.Time) error

	// RescheduleQueueItem increments the retry count of a Processing item and
	// either schedules it for next or dead-letters it when the new count
	// reaches maxRetries. It returns the resulting item.
	RescheduleQueueItem(ctx context.Context, id, owner string, maxRetries int, reason string, next, now time.Time) (*domain.QueuedMessage, error)

	// DeadLetterQueueItem quarantines a Processing item immediately.
	DeadLetterQueueItem(ctx context.Context, id, owner, reason string, now time.Time) error

	// ReleaseQueueItem returns a Processing item to Pending without counting
	// an attempt.
	ReleaseQueueItem(ctx context.Context, id, owner string, now time.Time) error

	// QueueStats counts items by status.
	QueueStats(ctx context.Context) (domain.QueueStats, error)

	// ListDeadLetters pages through dead-lettered items, newest first.
	ListDeadLetters(ctx context.Context, offset, limit int) ([]*domain.QueuedMessage, error)

	// DeadLetterStats summarises dead-lettered items.
	DeadLetterStats(ctx context.Context) (domain.DeadLetterStats, error)

	// ReviveDeadLetters resets dead-lettered items to Pending with a fresh
	// retry budget. An empty id revives all of them.
	ReviveDeadLetters(ctx context.Context, id string, now time.Time) (int64, error)
}

// ConfigStore persists provider configuration records keyed by platform.
type ConfigStore interface {
	// UpsertProviderConfig creates or replaces a config and reports whether
	// it was created.
	UpsertProviderConfig(ctx context.Context, cfg domain.ProviderConfig) (bool, error)

	// GetProviderConfig returns the config for a platform, or nil.
	GetProviderConfig(ctx context.Context, platform string) (*domain.ProviderConfig, error)

	// ListProviderConfigs returns every config ordered by platform.
	ListProviderConfigs(ctx context.Context) ([]domain.ProviderConfig, error)

	// DeleteProviderConfig removes a config and reports whether it existed.
	DeleteProviderConfig(ctx context.Context, platform string) (bool, error)
}

// Repository is the full durable store used by the relay.
type Repository interface {
	SessionStore
	QueueStore
	ConfigStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
