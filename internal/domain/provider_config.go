package domain

import "time"

// ProviderConfig is the stored configuration of one chat platform.
// ConfigData is an opaque JSON document that may hold credentials.
type ProviderConfig struct {
	Platform          string    `json:"platform" validate:"required"`
	DisplayName       string    `json:"displayName" validate:"required"`
	IsEnabled         bool      `json:"isEnabled"`
	ConfigData        string    `json:"configData"`
	WebhookURL        string    `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	MessageIntervalMs int       `json:"messageInterval" validate:"min=0"`
	MaxRetryCount     int       `json:"maxRetryCount" validate:"min=0,max=10"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// MessageInterval returns the minimum spacing between sends.
func (c ProviderConfig) MessageInterval() time.Duration {
	return time.Duration(c.MessageIntervalMs) * time.Millisecond
}

// ConfigChangeType describes how a provider config changed.
type ConfigChangeType string

// Config change types.
const (
	ConfigCreated ConfigChangeType = "Created"
	ConfigUpdated ConfigChangeType = "Updated"
	ConfigDeleted ConfigChangeType = "Deleted"
)

// ConfigChangeEvent is delivered to subscribers when a config changes.
type ConfigChangeEvent struct {
	Platform   string           `json:"platform"`
	ChangeType ConfigChangeType `json:"changeType"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ValidationResult is the structured outcome of config validation.
type ValidationResult struct {
	Platform      string   `json:"platform"`
	IsValid       bool     `json:"isValid"`
	MissingFields []string `json:"missingFields"`
	Errors        []string `json:"errors"`
}
