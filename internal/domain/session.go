package domain

import (
	"maps"
	"time"
)

// SessionState is the lifecycle state of a chat session.
type SessionState string

// Session states. Only Closed releases the (user, platform) slot.
const (
	SessionActive     SessionState = "Active"
	SessionProcessing SessionState = "Processing"
	SessionWaiting    SessionState = "Waiting"
	SessionClosed     SessionState = "Closed"
)

// HistoryEntry is one message in a session's history.
type HistoryEntry struct {
	Message ChatMessage
	Role    string
}

// ChatSession holds the conversational state for one user on one platform.
type ChatSession struct {
	ID             string
	UserID         string
	Platform       string
	State          SessionState
	History        []HistoryEntry
	Metadata       map[string]any
	CreatedAt      time.Time
	LastActivityAt time.Time

	// MaxHistory bounds History. Zero means unbounded.
	MaxHistory int
}

// AddMessage appends msg to the history, evicting the oldest entries when
// the bound is exceeded, and bumps LastActivityAt.
func (s *ChatSession) AddMessage(msg ChatMessage, role string) {
	s.History = append(s.History, HistoryEntry{Message: msg, Role: role})
	if s.MaxHistory > 0 && len(s.History) > s.MaxHistory {
		overflow := len(s.History) - s.MaxHistory
		trimmed := make([]HistoryEntry, s.MaxHistory)
		copy(trimmed, s.History[overflow:])
		s.History = trimmed
	}
	s.LastActivityAt = time.Now()
}

// UpdateState sets the session state and bumps LastActivityAt.
func (s *ChatSession) UpdateState(state SessionState) {
	s.State = state
	s.LastActivityAt = time.Now()
}

// RecentMessages returns the last n history entries.
func (s *ChatSession) RecentMessages(n int) []HistoryEntry {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// IsOpen reports whether the session still owns its (user, platform) slot.
func (s *ChatSession) IsOpen() bool {
	return s.State != SessionClosed
}

// Clone returns a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]HistoryEntry, len(s.History))
	for i, entry := range s.History {
		out.History[i] = HistoryEntry{Message: entry.Message.Clone(), Role: entry.Role}
	}
	if s.Metadata != nil {
		out.Metadata = maps.Clone(s.Metadata)
	}
	return &out
}
