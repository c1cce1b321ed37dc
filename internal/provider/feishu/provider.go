// Package feishu implements the Feishu (Lark) bot provider.
package feishu

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Platform is the platform id served by this provider.
const Platform = "feishu"

const (
	defaultAPIBaseURL   = "https://open.feishu.cn/open-apis"
	eventMessageReceive = "im.message.receive_v1"
	typeURLVerification = "url_verification"
)

// Token errors: invalid, malformed or expired tenant access token.
var tokenErrCodes = map[int]bool{99991661: true, 99991663: true, 99991668: true}

// Retryable codes: token errors, rate limiting and internal errors.
var retryableErrCodes = map[int]bool{
	99991661: true, 99991663: true, 99991668: true,
	99991400: true, 230020: true, 1000004: true,
}

// Options is the configData document for Feishu.
type Options struct {
	AppID             string `json:"AppId"`
	AppSecret         string `json:"AppSecret"`
	VerificationToken string `json:"VerificationToken"`
	EncryptKey        string `json:"EncryptKey"`
	APIBaseURL        string `json:"ApiBaseUrl"`
	TokenCacheSeconds int    `json:"TokenCacheSeconds"`
	MaxAttempts       int    `json:"MaxAttempts"`
	RetryDelayMs      int    `json:"RetryDelayMs"`
}

func (o *Options) applyDefaults() {
	if o.APIBaseURL == "" {
		o.APIBaseURL = defaultAPIBaseURL
	}
	o.APIBaseURL = strings.TrimRight(o.APIBaseURL, "/")
	if o.TokenCacheSeconds <= 0 {
		o.TokenCacheSeconds = 7000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelayMs <= 0 {
		o.RetryDelayMs = 1000
	}
}

type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s", e.code, e.msg)
}

// Provider talks to the Feishu open platform.
type Provider struct {
	opts   Options
	tokens *provider.TokenCache
	client *http.Client
	logger *slog.Logger
}

// New builds a Provider from a decrypted config. It satisfies provider.Factory.
func New(cfg domain.ProviderConfig, deps provider.Deps) (provider.Provider, error) {
	var opts Options
	if strings.TrimSpace(cfg.ConfigData) != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigData), &opts); err != nil {
			return nil, fmt.Errorf("parse feishu config: %w", err)
		}
	}
	return NewWithOptions(opts, deps)
}

// NewWithOptions builds a Provider from explicit options.
func NewWithOptions(opts Options, deps provider.Deps) (*Provider, error) {
	if opts.AppID == "" || opts.AppSecret == "" {
		return nil, errors.New("feishu AppId and AppSecret are required")
	}
	opts.applyDefaults()

	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	p := &Provider{
		opts:   opts,
		client: deps.HTTPClient,
		logger: deps.Logger.With("component", "provider", "platform", Platform),
	}
	p.tokens = provider.NewTokenCache(p.fetchToken, time.Duration(opts.TokenCacheSeconds)*time.Second)
	return p, nil
}

// Platform returns "feishu".
func (p *Provider) Platform() string { return Platform }

// VerifyURL is not used by Feishu; the handshake arrives as a POST.
func (p *Provider) VerifyURL(context.Context, url.Values) (string, error) {
	return "", provider.ErrUnsupported
}

// ParseWebhook handles url_verification challenges and message events.
func (p *Provider) ParseWebhook(ctx context.Context, _ url.Values, body []byte) (*provider.Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("parse feishu event: %w", err)
	}

	if evt.Encrypt != "" {
		if p.opts.EncryptKey == "" {
			p.logger.Warn("Encrypted event received without EncryptKey")
			return nil, provider.ErrVerification
		}
		plain, err := decryptEvent(p.opts.EncryptKey, evt.Encrypt)
		if err != nil {
			p.logger.Warn("Event could not be decrypted", "error", err)
			return nil, provider.ErrVerification
		}
		evt = webhookEvent{}
		if err := json.Unmarshal(plain, &evt); err != nil {
			return nil, fmt.Errorf("parse decrypted feishu event: %w", err)
		}
	}

	token := evt.Token
	if evt.Header != nil {
		token = evt.Header.Token
	}
	if p.opts.VerificationToken != "" && token != p.opts.VerificationToken {
		p.logger.Warn("Event verification token mismatch")
		return nil, provider.ErrVerification
	}

	if evt.Type == typeURLVerification {
		resp, err := json.Marshal(map[string]string{"challenge": evt.Challenge})
		if err != nil {
			return nil, err
		}
		return &provider.Inbound{Response: string(resp), ContentType: "application/json"}, nil
	}

	ack := &provider.Inbound{Response: `{"code":0}`, ContentType: "application/json"}
	if evt.Header == nil || evt.Header.EventType != eventMessageReceive || evt.Event == nil || evt.Event.Message == nil {
		if evt.Header != nil {
			p.logger.Debug("Ignoring event", "event_type", evt.Header.EventType)
		}
		return ack, nil
	}
	ack.Messages = []domain.ChatMessage{toChatMessage(evt.Event)}
	return ack, nil
}

func toChatMessage(evt *eventContent) domain.ChatMessage {
	m := evt.Message
	content := gjson.Parse(m.Content)

	msgType, text := domain.MessageUnknown, m.Content
	switch m.MessageType {
	case "text":
		msgType, text = domain.MessageText, stripMentions(content.Get("text").String(), m.Mentions)
	case "post":
		msgType, text = domain.MessageRichText, m.Content
	case "image":
		msgType, text = domain.MessageImage, content.Get("image_key").String()
	case "file":
		msgType, text = domain.MessageFile, content.Get("file_key").String()
	case "audio":
		msgType, text = domain.MessageAudio, content.Get("file_key").String()
	case "media":
		msgType, text = domain.MessageVideo, content.Get("file_key").String()
	case "interactive":
		msgType = domain.MessageCard
	}

	ts := time.Now().UTC()
	if ms, err := strconv.ParseInt(m.CreateTime, 10, 64); err == nil {
		ts = time.UnixMilli(ms).UTC()
	}
	id := m.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	var senderID string
	if evt.Sender != nil {
		senderID = evt.Sender.SenderID.OpenID
	}

	return domain.ChatMessage{
		MessageID: id,
		SenderID:  senderID,
		Content:   text,
		Type:      msgType,
		Platform:  Platform,
		Timestamp: ts,
		Metadata: map[string]any{
			"chat_id":      m.ChatID,
			"chat_type":    m.ChatType,
			"message_type": m.MessageType,
		},
	}
}

// stripMentions removes @_user_N placeholders from text.
func stripMentions(text string, mentions []mention) string {
	for _, m := range mentions {
		if m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
	}
	return strings.TrimSpace(text)
}

// decryptEvent opens an encrypted event body: AES-256-CBC keyed by
// SHA-256(encryptKey), the IV being the first block of the ciphertext.
func decryptEvent(encryptKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext has invalid length")
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return plain[:len(plain)-pad], nil
}

// Send delivers msg to the user identified by an open_id. Failures are
// reported in the result; the error is only set when ctx ends the send.
func (p *Provider) Send(ctx context.Context, msg domain.ChatMessage, targetUserID string) (provider.SendResult, error) {
	msg = provider.DegradeToText(msg, domain.MessageText, domain.MessageImage)
	req, err := buildSendRequest(msg, targetUserID)
	if err != nil {
		return provider.SendResult{ErrorCode: "ENCODE", ErrorMessage: err.Error()}, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return provider.SendResult{ErrorCode: "ENCODE", ErrorMessage: err.Error()}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(p.opts.RetryDelayMs) * time.Millisecond

	sent, err := backoff.Retry(ctx, func() (string, error) {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return "", err
		}
		var resp sendResponse
		endpoint := p.opts.APIBaseURL + "/im/v1/messages?receive_id_type=open_id"
		if err := p.postJSON(ctx, endpoint, token, payload, &resp); err != nil {
			return "", err
		}
		if resp.Code == 0 {
			return resp.Data.MessageID, nil
		}
		apiErr := &apiError{code: resp.Code, msg: resp.Msg}
		if tokenErrCodes[resp.Code] {
			p.tokens.Invalidate()
		}
		if retryableErrCodes[resp.Code] {
			return "", apiErr
		}
		return "", backoff.Permanent(apiErr)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)), //nolint:gosec // positive by applyDefaults
	)

	if err == nil {
		p.logger.Debug("Message sent", "to", targetUserID, "message_id", sent)
		return provider.SendResult{Success: true, MessageID: sent}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return provider.SendResult{ErrorCode: "CANCELLED", ErrorMessage: ctxErr.Error(), ShouldRetry: true}, ctxErr
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		p.logger.Warn("Send failed", "to", targetUserID, "code", apiErr.code, "msg", apiErr.msg)
		return provider.SendResult{
			ErrorCode:    strconv.Itoa(apiErr.code),
			ErrorMessage: apiErr.msg,
			ShouldRetry:  retryableErrCodes[apiErr.code],
		}, nil
	}
	p.logger.Warn("Send failed", "to", targetUserID, "error", err)
	return provider.SendResult{ErrorCode: "TRANSPORT", ErrorMessage: err.Error(), ShouldRetry: true}, nil
}

func buildSendRequest(msg domain.ChatMessage, target string) (sendRequest, error) {
	msgType, content := "text", map[string]string{"text": msg.Content}
	if msg.Type == domain.MessageImage {
		msgType, content = "image", map[string]string{"image_key": msg.Content}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return sendRequest{}, err
	}
	return sendRequest{ReceiveID: target, MsgType: msgType, Content: string(encoded)}, nil
}

func (p *Provider) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload, err := json.Marshal(tokenRequest{AppID: p.opts.AppID, AppSecret: p.opts.AppSecret})
	if err != nil {
		return "", 0, err
	}
	var resp tokenResponse
	if err := p.postJSON(ctx, p.opts.APIBaseURL+"/auth/v3/tenant_access_token/internal", "", payload, &resp); err != nil {
		return "", 0, err
	}
	if resp.Code != 0 || resp.TenantAccessToken == "" {
		return "", 0, &apiError{code: resp.Code, msg: resp.Msg}
	}
	p.logger.Info("Tenant access token refreshed", "expire", resp.Expire)
	return resp.TenantAccessToken, time.Duration(resp.Expire) * time.Second, nil
}

func (p *Provider) postJSON(ctx context.Context, endpoint, token string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("feishu request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read feishu response: %w", err)
	}
	// Feishu reports business errors with non-2xx statuses and a JSON body.
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode feishu response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
