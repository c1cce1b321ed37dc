package domain

import "time"

// Direction tells whether a queued message came from or goes to a platform.
type Direction string

// Queue directions.
const (
	DirectionIncoming Direction = "Incoming"
	DirectionOutgoing Direction = "Outgoing"
)

// QueueStatus is the delivery state of a queued message.
type QueueStatus string

// Queue statuses. Completed and DeadLetter are terminal.
const (
	QueuePending    QueueStatus = "Pending"
	QueueProcessing QueueStatus = "Processing"
	QueueCompleted  QueueStatus = "Completed"
	QueueDeadLetter QueueStatus = "DeadLetter"
)

// QueueKind separates first attempts from retries.
type QueueKind string

// Queue kinds.
const (
	QueueNormal QueueKind = "Normal"
	QueueRetry  QueueKind = "Retry"
)

// QueuedMessage is a durable unit of delivery work.
type QueuedMessage struct {
	ID             string
	Seq            int64
	Message        ChatMessage
	SessionID      string
	UserID         string
	Platform       string
	Direction      Direction
	Status         QueueStatus
	Kind           QueueKind
	RetryCount     int
	ScheduledAt    *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// QueueStats summarises queue contents by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"deadLetter"`
}

// DeadLetterStats describes the quarantined messages.
type DeadLetterStats struct {
	Total      int            `json:"total"`
	Oldest     *time.Time     `json:"oldest,omitempty"`
	Newest     *time.Time     `json:"newest,omitempty"`
	ByPlatform map[string]int `json:"byPlatform"`
}
