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
	"github.com/ashureev/chatrelay/internal/shared"
)

const sessionColumns = `id, user_id, platform, state, metadata_json, last_activity_at, created_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateSession inserts a new session with any history it already carries.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	return withBusyRetry(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, platform, state, metadata_json, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.UserID, session.Platform, string(session.State), metadata,
			toMillis(session.LastActivityAt), toMillis(session.CreatedAt), toMillis(now),
		)
		if err != nil {
			if shared.IsSQLiteUniqueError(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert session: %w", err)
		}

		if err := insertHistory(ctx, tx, session, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// FindOpenSession returns the non-closed session for the pair, or nil.
func (s *SQLiteStore) FindOpenSession(ctx context.Context, userID, platform string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_id = ? AND platform = ? AND state <> ?`,
		userID, platform, string(domain.SessionClosed))
	return s.scanSessionWithHistory(ctx, row)
}

// GetSession returns a session by id, or nil.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	return s.scanSessionWithHistory(ctx, row)
}

// SaveSession persists session state and appends history rows it has not
// seen yet, trimming the stored history to the newest historyLimit rows.
// A Closed session is never updated; saving one returns ErrNotFound.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.ChatSession, historyLimit int) error {
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	return withBusyRetry(ctx, "save session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now()
		result, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET state = ?, metadata_json = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ? AND state <> ?`,
			string(session.State), metadata, toMillis(session.LastActivityAt), toMillis(now), session.ID,
			string(domain.SessionClosed),
		)
		if err != nil {
			if shared.IsSQLiteUniqueError(err) {
				return ErrConflict
			}
			return fmt.Errorf("update session: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("session rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		if err := insertHistory(ctx, tx, session, now); err != nil {
			return err
		}

		if historyLimit > 0 {
			_, err = tx.ExecContext(ctx, `
			DELETE FROM chat_session_messages
			WHERE session_id = ? AND seq NOT IN (
				SELECT seq FROM chat_session_messages
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)`, session.ID, session.ID, historyLimit)
			if err != nil {
				return fmt.Errorf("trim session history: %w", err)
			}
		}
		return tx.Commit()
	})
}

// CloseSession marks a session Closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, now time.Time) (bool, error) {
	var affected int64
	err := withBusyRetry(ctx, "close session", func() error {
		result, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET state = ?, updated_at = ?
		WHERE id = ? AND state <> ?`,
			string(domain.SessionClosed), toMillis(now), id, string(domain.SessionClosed))
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CloseIdleSessions closes open sessions idle since before.
func (s *SQLiteStore) CloseIdleSessions(ctx context.Context, before, now time.Time) ([]string, error) {
	var ids []string
	err := withBusyRetry(ctx, "close idle sessions", func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, `
		UPDATE chat_sessions SET state = ?, updated_at = ?
		WHERE state <> ? AND last_activity_at < ?
		RETURNING id`,
			string(domain.SessionClosed), toMillis(now), string(domain.SessionClosed), toMillis(before))
		if err != nil {
			return fmt.Errorf("close idle sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan closed session id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) scanSessionWithHistory(ctx context.Context, row *sql.Row) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var state string
	var metadata sql.NullString
	var lastActivity, createdAt int64

	err := row.Scan(&session.ID, &session.UserID, &session.Platform, &state, &metadata, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.State = domain.SessionState(state)
	session.LastActivityAt = fromMillis(lastActivity)
	session.CreatedAt = fromMillis(createdAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}

	history, err := loadHistory(ctx, s.db, session.ID)
	if err != nil {
		return nil, err
	}
	session.History = history
	return &session, nil
}

func loadHistory(ctx context.Context, q queryer, sessionID string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT role, message_json FROM chat_session_messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var history []domain.HistoryEntry
	for rows.Next() {
		var role, raw string
		if err := rows.Scan(&role, &raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal history message: %w", err)
		}
		history = append(history, domain.HistoryEntry{Message: msg, Role: role})
	}
	return history, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, session *domain.ChatSession, now time.Time) error {
	for _, entry := range session.History {
		if strings.TrimSpace(entry.Message.MessageID) == "" {
			return fmt.Errorf("history message in session %s has no id", session.ID)
		}
		raw, err := json.Marshal(entry.Message)
		if err != nil {
			return fmt.Errorf("marshal history message: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_session_messages (session_id, message_id, role, message_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
			session.ID, entry.Message.MessageID, entry.Role, string(raw), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert history message: %w", err)
		}
	}
	return nil
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}
