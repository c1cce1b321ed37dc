// Package session maps (user, platform) pairs to durable chat sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/google/uuid"
)

const createAttempts = 3

// ErrClosed is returned when an update targets a session that has been closed.
var ErrClosed = errors.New("session is closed")

// Options configures a Manager.
type Options struct {
	MaxHistoryCount int
	EnableCache     bool
	CacheTTL        time.Duration
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		MaxHistoryCount: 100,
		EnableCache:     true,
		CacheTTL:        10 * time.Minute,
	}
}

type cacheEntry struct {
	session *domain.ChatSession
	expires time.Time
}

// Manager creates, loads and persists chat sessions. Cached sessions are
// stored and returned as copies.
type Manager struct {
	store  store.SessionStore
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[string]cacheEntry
	byPair map[string]string
}

// NewManager creates a Manager backed by s.
func NewManager(s store.SessionStore, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		opts:   opts,
		logger: logger.With("component", "session"),
		byID:   make(map[string]cacheEntry),
		byPair: make(map[string]string),
	}
}

func pairKey(userID, platform string) string {
	return platform + ":" + userID
}

// GetOrCreateSession returns the open session for the pair, creating one
// if none exists. Concurrent callers for the same pair get the same session.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, platform string) (*domain.ChatSession, error) {
	if userID == "" || platform == "" {
		return nil, fmt.Errorf("user id and platform are required")
	}

	if cached := m.cachedByPair(userID, platform); cached != nil {
		return cached, nil
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		existing, err := m.store.FindOpenSession(ctx, userID, platform)
		if err != nil {
			return nil, fmt.Errorf("find open session: %w", err)
		}
		if existing != nil {
			existing.MaxHistory = m.opts.MaxHistoryCount
			m.remember(existing)
			return existing.Clone(), nil
		}

		now := time.Now()
		created := &domain.ChatSession{
			ID:             uuid.NewString(),
			UserID:         userID,
			Platform:       platform,
			State:          domain.SessionActive,
			CreatedAt:      now,
			LastActivityAt: now,
			MaxHistory:     m.opts.MaxHistoryCount,
		}
		err = m.store.CreateSession(ctx, created)
		if errors.Is(err, store.ErrConflict) {
			m.logger.Debug("Session created concurrently, reloading", "user_id", userID, "platform", platform)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}

		m.logger.Info("Session created", "session_id", created.ID, "user_id", userID, "platform", platform)
		m.remember(created)
		return created.Clone(), nil
	}
	return nil, fmt.Errorf("create session for %s/%s: %w", platform, userID, store.ErrConflict)
}

// GetSession returns the session with id, or nil for unknown or malformed ids.
func (m *Manager) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	if cached := m.cachedByID(id); cached != nil {
		return cached, nil
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	session.MaxHistory = m.opts.MaxHistoryCount
	if session.IsOpen() {
		m.remember(session)
	}
	return session.Clone(), nil
}

// UpdateSession persists state and history changes. It returns ErrClosed
// when the stored session was closed or removed after session was read.
func (m *Manager) UpdateSession(ctx context.Context, session *domain.ChatSession) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if err := m.store.SaveSession(ctx, session, m.opts.MaxHistoryCount); err != nil {
		m.forget(session.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("update session %s: %w", session.ID, ErrClosed)
		}
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	if session.IsOpen() {
		m.remember(session)
	} else {
		m.forget(session.ID)
	}
	return nil
}

// UpdateState loads a session, sets its state and persists it.
func (m *Manager) UpdateState(ctx context.Context, id string, state domain.SessionState) error {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("update state %s: %w", id, store.ErrNotFound)
	}
	session.UpdateState(state)
	return m.UpdateSession(ctx, session)
}

// CloseSession marks a session Closed. Closing an unknown or already closed
// session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.forget(id)
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	closed, err := m.store.CloseSession(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if closed {
		m.logger.Info("Session closed", "session_id", id)
	}
	return nil
}

// CleanupExpiredSessions closes open sessions idle for longer than idle.
func (m *Manager) CleanupExpiredSessions(ctx context.Context, idle time.Duration) (int, error) {
	now := time.Now()
	ids, err := m.store.CloseIdleSessions(ctx, now.Add(-idle), now)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	for _, id := range ids {
		m.forget(id)
	}
	if len(ids) > 0 {
		m.logger.Info("Expired sessions closed", "count", len(ids), "idle_timeout", idle)
	}
	return len(ids), nil
}

// StartCleanupWorker periodically closes idle sessions until ctx is done.
func (m *Manager) StartCleanupWorker(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session cleanup worker started", "interval", interval, "idle_timeout", idle)
		for {
			select {
			case <-ticker.C:
				if _, err := m.CleanupExpiredSessions(ctx, idle); err != nil && ctx.Err() == nil {
					m.logger.Error("Session cleanup failed", "error", err)
				}
			case <-ctx.Done():
				m.logger.Info("Session cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) cachedByPair(userID, platform string) *domain.ChatSession {
	if !m.opts.EnableCache {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[pairKey(userID, platform)]
	if !ok {
		return nil
	}
	return m.lookupLocked(id)
}

func (m *Manager) cachedByID(id string) *domain.ChatSession {
	if !m.opts.EnableCache {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id)
}

func (m *Manager) lookupLocked(id string) *domain.ChatSession {
	entry, ok := m.byID[id]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expires) {
		delete(m.byID, id)
		delete(m.byPair, pairKey(entry.session.UserID, entry.session.Platform))
		return nil
	}
	return entry.session.Clone()
}

func (m *Manager) remember(session *domain.ChatSession) {
	if !m.opts.EnableCache {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[session.ID] = cacheEntry{session: session.Clone(), expires: time.Now().Add(m.opts.CacheTTL)}
	m.byPair[pairKey(session.UserID, session.Platform)] = session.ID
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	key := pairKey(entry.session.UserID, entry.session.Platform)
	if m.byPair[key] == id {
		delete(m.byPair, key)
	}
}
