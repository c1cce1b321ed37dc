// Package wechat implements the WeChat Official Account provider.
package wechat

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/platformcrypto"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Platform is the platform id served by this provider.
const Platform = "wechat"

const defaultAPIBaseURL = "https://api.weixin.qq.com"

// Error codes that mean the access token is stale.
var tokenErrCodes = map[int]bool{40001: true, 40014: true, 42001: true}

// Error codes worth retrying.
var retryableErrCodes = map[int]bool{-1: true, 40001: true, 40014: true, 42001: true, 45015: true}

// Options is the configData document for WeChat.
type Options struct {
	AppID             string `json:"AppId"`
	AppSecret         string `json:"AppSecret"`
	Token             string `json:"Token"`
	EncodingAESKey    string `json:"EncodingAesKey"`
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
	return fmt.Sprintf("wechat api error %d: %s", e.code, e.msg)
}

// Provider talks to the WeChat Official Account API.
type Provider struct {
	opts   Options
	crypto *platformcrypto.Crypto
	tokens *provider.TokenCache
	client *http.Client
	logger *slog.Logger
}

// New builds a Provider from a decrypted config. It satisfies provider.Factory.
func New(cfg domain.ProviderConfig, deps provider.Deps) (provider.Provider, error) {
	var opts Options
	if strings.TrimSpace(cfg.ConfigData) != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigData), &opts); err != nil {
			return nil, fmt.Errorf("parse wechat config: %w", err)
		}
	}
	return NewWithOptions(opts, deps)
}

// NewWithOptions builds a Provider from explicit options.
func NewWithOptions(opts Options, deps provider.Deps) (*Provider, error) {
	if opts.AppID == "" || opts.AppSecret == "" {
		return nil, errors.New("wechat AppId and AppSecret are required")
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
	if opts.EncodingAESKey != "" {
		c, err := platformcrypto.New(opts.Token, opts.EncodingAESKey, opts.AppID)
		if err != nil {
			return nil, fmt.Errorf("wechat crypto: %w", err)
		}
		p.crypto = c
	}
	p.tokens = provider.NewTokenCache(p.fetchToken, time.Duration(opts.TokenCacheSeconds)*time.Second)
	return p, nil
}

// Platform returns "wechat".
func (p *Provider) Platform() string { return Platform }

// VerifyURL answers the server URL handshake by echoing echostr, decrypting
// it first in encrypted mode.
func (p *Provider) VerifyURL(_ context.Context, query url.Values) (string, error) {
	echo := query.Get("echostr")
	timestamp, nonce := query.Get("timestamp"), query.Get("nonce")

	if msgSig := query.Get("msg_signature"); msgSig != "" && p.crypto != nil {
		if !p.crypto.VerifySignature(msgSig, timestamp, nonce, echo) {
			p.logger.Warn("Webhook handshake signature mismatch", "mode", "encrypted")
			return "", provider.ErrVerification
		}
		plain, ok := p.crypto.Decrypt(echo)
		if !ok {
			p.logger.Warn("Webhook handshake echostr could not be decrypted")
			return "", provider.ErrVerification
		}
		return plain, nil
	}

	if !p.verifyPlain(query) {
		p.logger.Warn("Webhook handshake signature mismatch", "mode", "plain")
		return "", provider.ErrVerification
	}
	return echo, nil
}

// ParseWebhook verifies a delivery and converts it into chat messages.
// Event pushes are acknowledged without producing messages.
func (p *Provider) ParseWebhook(ctx context.Context, query url.Values, body []byte) (*provider.Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timestamp, nonce := query.Get("timestamp"), query.Get("nonce")
	if msgSig := query.Get("msg_signature"); msgSig != "" {
		if p.crypto == nil {
			p.logger.Warn("Encrypted delivery received without EncodingAesKey")
			return nil, provider.ErrVerification
		}
		var env envelope
		if err := xml.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
			p.logger.Warn("Encrypted delivery has no Encrypt field")
			return nil, provider.ErrVerification
		}
		if !p.crypto.VerifySignature(msgSig, timestamp, nonce, env.Encrypt) {
			p.logger.Warn("Delivery signature mismatch", "mode", "encrypted")
			return nil, provider.ErrVerification
		}
		plain, ok := p.crypto.Decrypt(env.Encrypt)
		if !ok {
			p.logger.Warn("Delivery could not be decrypted")
			return nil, provider.ErrVerification
		}
		body = []byte(plain)
	} else if !p.verifyPlain(query) {
		p.logger.Warn("Delivery signature mismatch", "mode", "plain")
		return nil, provider.ErrVerification
	}

	var in inboundMessage
	if err := xml.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse wechat message: %w", err)
	}

	ack := &provider.Inbound{Response: "success", ContentType: "text/plain; charset=utf-8"}
	if in.MsgType == msgEvent {
		p.logger.Debug("Ignoring event push", "event", in.Event)
		return ack, nil
	}
	ack.Messages = []domain.ChatMessage{toChatMessage(in)}
	return ack, nil
}

func (p *Provider) verifyPlain(query url.Values) bool {
	if p.opts.Token == "" {
		return false
	}
	sig := query.Get("signature")
	if sig == "" {
		return false
	}
	expected := platformcrypto.CalculateSignature(p.opts.Token, query.Get("timestamp"), query.Get("nonce"), "")
	return strings.EqualFold(sig, expected)
}

func toChatMessage(in inboundMessage) domain.ChatMessage {
	msgType, content := domain.MessageUnknown, in.Content
	switch in.MsgType {
	case msgText:
		msgType = domain.MessageText
	case msgImage:
		msgType, content = domain.MessageImage, firstNonEmpty(in.PicURL, in.MediaID)
	case msgVoice:
		msgType, content = domain.MessageAudio, firstNonEmpty(in.Recognition, in.MediaID)
	case msgVideo, msgShortVideo:
		msgType, content = domain.MessageVideo, in.MediaID
	case msgLocation:
		msgType, content = domain.MessageText, fmt.Sprintf("Location: %s (%s, %s)", in.Label, in.LocationX, in.LocationY)
	case msgLink:
		msgType, content = domain.MessageText, fmt.Sprintf("%s: %s", in.Title, in.URL)
	}

	id := in.MsgDataID
	if in.MsgID != 0 {
		id = strconv.FormatInt(in.MsgID, 10)
	}
	if id == "" {
		id = uuid.NewString()
	}

	return domain.ChatMessage{
		MessageID:  id,
		SenderID:   in.FromUserName,
		ReceiverID: in.ToUserName,
		Content:    content,
		Type:       msgType,
		Platform:   Platform,
		Timestamp:  time.Unix(in.CreateTime, 0).UTC(),
		Metadata: map[string]any{
			"msg_type":    in.MsgType,
			"media_id":    in.MediaID,
			"pic_url":     in.PicURL,
			"recognition": in.Recognition,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// EncryptReply wraps a passive reply XML document in the encrypted envelope.
func (p *Provider) EncryptReply(replyXML string) (string, error) {
	if p.crypto == nil {
		return "", provider.ErrUnsupported
	}
	enc, err := p.crypto.Encrypt(replyXML)
	if err != nil {
		return "", err
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	out, err := xml.Marshal(encryptedReply{
		Encrypt:      cdata{enc},
		MsgSignature: cdata{p.crypto.Signature(timestamp, nonce, enc)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	})
	if err != nil {
		return "", fmt.Errorf("marshal encrypted reply: %w", err)
	}
	return string(out), nil
}

func randomNonce() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return n.String(), nil
}

// Send delivers msg through the customer service message API. Failures are
// reported in the result; the error is only set when ctx ends the send.
func (p *Provider) Send(ctx context.Context, msg domain.ChatMessage, targetUserID string) (provider.SendResult, error) {
	msg = provider.DegradeToText(msg, domain.MessageText, domain.MessageImage, domain.MessageAudio)
	payload, err := json.Marshal(buildCustomMessage(msg, targetUserID))
	if err != nil {
		return provider.SendResult{ErrorCode: "ENCODE", ErrorMessage: err.Error()}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(p.opts.RetryDelayMs) * time.Millisecond

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return struct{}{}, err
		}
		var resp apiResponse
		endpoint := p.opts.APIBaseURL + "/cgi-bin/message/custom/send?access_token=" + url.QueryEscape(token)
		if err := p.postJSON(ctx, endpoint, payload, &resp); err != nil {
			return struct{}{}, err
		}
		if resp.ErrCode == 0 {
			return struct{}{}, nil
		}
		apiErr := &apiError{code: resp.ErrCode, msg: resp.ErrMsg}
		if tokenErrCodes[resp.ErrCode] {
			p.tokens.Invalidate()
		}
		if retryableErrCodes[resp.ErrCode] {
			return struct{}{}, apiErr
		}
		return struct{}{}, backoff.Permanent(apiErr)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)), //nolint:gosec // positive by applyDefaults
	)

	if err == nil {
		p.logger.Debug("Message sent", "to", targetUserID, "type", msg.Type)
		return provider.SendResult{Success: true, MessageID: msg.MessageID}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return provider.SendResult{ErrorCode: "CANCELLED", ErrorMessage: ctxErr.Error(), ShouldRetry: true}, ctxErr
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		p.logger.Warn("Send failed", "to", targetUserID, "errcode", apiErr.code, "errmsg", apiErr.msg)
		return provider.SendResult{
			ErrorCode:    strconv.Itoa(apiErr.code),
			ErrorMessage: apiErr.msg,
			ShouldRetry:  retryableErrCodes[apiErr.code],
		}, nil
	}
	p.logger.Warn("Send failed", "to", targetUserID, "error", err)
	return provider.SendResult{ErrorCode: "TRANSPORT", ErrorMessage: err.Error(), ShouldRetry: true}, nil
}

func buildCustomMessage(msg domain.ChatMessage, target string) customMessage {
	out := customMessage{ToUser: target}
	switch msg.Type {
	case domain.MessageImage:
		out.MsgType = msgImage
		out.Image = &mediaContent{MediaID: msg.Content}
	case domain.MessageAudio:
		out.MsgType = msgVoice
		out.Voice = &mediaContent{MediaID: msg.Content}
	default:
		out.MsgType = msgText
		out.Text = &textContent{Content: msg.Content}
	}
	return out
}

func (p *Provider) fetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", p.opts.AppID)
	q.Set("secret", p.opts.AppSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.APIBaseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	var resp tokenResponse
	if err := p.do(req, &resp); err != nil {
		return "", 0, err
	}
	if resp.ErrCode != 0 || resp.AccessToken == "" {
		return "", 0, &apiError{code: resp.ErrCode, msg: resp.ErrMsg}
	}
	p.logger.Info("Access token refreshed", "expires_in", resp.ExpiresIn)
	return resp.AccessToken, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (p *Provider) postJSON(ctx context.Context, endpoint string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *Provider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("wechat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read wechat response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wechat http status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode wechat response: %w", err)
	}
	return nil
}
