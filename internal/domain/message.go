// Package domain defines the core types shared by the relay's services.
package domain

import (
	"maps"
	"time"
)

// MessageType classifies the payload of a chat message.
type MessageType string

// Supported message types.
const (
	MessageText     MessageType = "Text"
	MessageImage    MessageType = "Image"
	MessageFile     MessageType = "File"
	MessageAudio    MessageType = "Audio"
	MessageVideo    MessageType = "Video"
	MessageRichText MessageType = "RichText"
	MessageCard     MessageType = "Card"
	MessageUnknown  MessageType = "Unknown"
)

// ChatMessage is a platform-neutral chat message.
type ChatMessage struct {
	MessageID  string         `json:"messageId"`
	SenderID   string         `json:"senderId"`
	ReceiverID string         `json:"receiverId,omitempty"`
	Content    string         `json:"content"`
	Type       MessageType    `json:"messageType"`
	Platform   string         `json:"platform"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no metadata map with m.
func (m ChatMessage) Clone() ChatMessage {
	if m.Metadata != nil {
		m.Metadata = maps.Clone(m.Metadata)
	}
	return m
}

// Role values recorded in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
