// Package reply produces outgoing replies for incoming chat messages.
package reply

import (
	"context"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/google/uuid"
)

// Generator turns one (possibly merged) user message into replies.
type Generator interface {
	Reply(ctx context.Context, session *domain.ChatSession, msg domain.ChatMessage) ([]domain.ChatMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, session *domain.ChatSession, msg domain.ChatMessage) ([]domain.ChatMessage, error)

// Reply calls f.
func (f GeneratorFunc) Reply(ctx context.Context, session *domain.ChatSession, msg domain.ChatMessage) ([]domain.ChatMessage, error) {
	return f(ctx, session, msg)
}

// Static answers every message with a fixed template. "{content}" in the
// template is replaced with the incoming text.
type Static struct {
	Template string
}

// NewStatic returns a Static generator. An empty template echoes the input.
func NewStatic(template string) *Static {
	if template == "" {
		template = "{content}"
	}
	return &Static{Template: template}
}

// Reply implements Generator.
func (s *Static) Reply(_ context.Context, session *domain.ChatSession, msg domain.ChatMessage) ([]domain.ChatMessage, error) {
	text := strings.ReplaceAll(s.Template, "{content}", msg.Content)
	return []domain.ChatMessage{Outgoing(session, msg, text, domain.MessageText)}, nil
}

// Outgoing builds a reply addressed to the sender of in.
func Outgoing(session *domain.ChatSession, in domain.ChatMessage, content string, msgType domain.MessageType) domain.ChatMessage {
	receiver := in.SenderID
	if session != nil && session.UserID != "" {
		receiver = session.UserID
	}
	if msgType == "" {
		msgType = domain.MessageText
	}
	return domain.ChatMessage{
		MessageID:  uuid.NewString(),
		SenderID:   in.ReceiverID,
		ReceiverID: receiver,
		Content:    content,
		Type:       msgType,
		Platform:   in.Platform,
		Timestamp:  time.Now().UTC(),
	}
}
