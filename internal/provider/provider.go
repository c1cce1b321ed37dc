// Package provider defines the platform client contract and the registry
// that keeps one client per configured platform.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

var (
	// ErrUnknownPlatform is returned for platforms without an enabled provider.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrUnsupported is returned when a provider lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrVerification is returned when a webhook signature or envelope is rejected.
	ErrVerification = errors.New("webhook verification failed")
)

// Inbound is the decoded result of one webhook delivery.
type Inbound struct {
	// Messages are the user messages carried by the delivery. Events and
	// handshakes carry none.
	Messages []domain.ChatMessage
	// Response is written back to the platform verbatim.
	Response    string
	ContentType string
}

// SendResult describes the outcome of a send attempt.
type SendResult struct {
	Success      bool
	MessageID    string
	ErrorCode    string
	ErrorMessage string
	// ShouldRetry is set on failures that may succeed later.
	ShouldRetry bool
}

// Provider is a client for one messaging platform.
type Provider interface {
	// Platform returns the platform id, e.g. "wechat".
	Platform() string

	// VerifyURL answers the GET handshake used to register a webhook URL.
	VerifyURL(ctx context.Context, query url.Values) (string, error)

	// ParseWebhook verifies and decodes a POSTed webhook delivery.
	ParseWebhook(ctx context.Context, query url.Values, body []byte) (*Inbound, error)

	// Send delivers msg to targetUserID.
	Send(ctx context.Context, msg domain.ChatMessage, targetUserID string) (SendResult, error)
}

// Deps carries shared dependencies handed to provider factories.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Factory builds a provider from a decrypted config.
type Factory func(cfg domain.ProviderConfig, deps Deps) (Provider, error)

// DegradeToText rewrites messages of types a platform cannot send into a
// text message of the form "[Type] content".
func DegradeToText(msg domain.ChatMessage, supported ...domain.MessageType) domain.ChatMessage {
	for _, t := range supported {
		if msg.Type == t {
			return msg
		}
	}
	if msg.Type == domain.MessageText {
		return msg
	}
	msg.Content = fmt.Sprintf("[%s] %s", msg.Type, msg.Content)
	msg.Type = domain.MessageText
	return msg
}
