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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/provider"
)

func newTestProvider(t *testing.T, opts Options) *Provider {
	t.Helper()
	if opts.AppID == "" {
		opts.AppID = "cli_app"
	}
	if opts.AppSecret == "" {
		opts.AppSecret = "secret"
	}
	opts.RetryDelayMs = 1
	p, err := NewWithOptions(opts, provider.Deps{})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return p
}

func encryptEvent(t *testing.T, key string, plain []byte) string {
	t.Helper()
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

const messageEvent = `{
  "schema": "2.0",
  "header": {"event_id": "e1", "event_type": "im.message.receive_v1", "token": "vtoken", "app_id": "cli_app"},
  "event": {
    "sender": {"sender_id": {"open_id": "ou_123"}, "sender_type": "user"},
    "message": {
      "message_id": "om_1",
      "create_time": "1700000000123",
      "chat_id": "oc_1",
      "chat_type": "p2p",
      "message_type": "text",
      "content": "{\"text\":\"@_user_1 hello bot\"}",
      "mentions": [{"key": "@_user_1", "name": "bot"}]
    }
  }
}`

func TestParseWebhook_URLVerification(t *testing.T) {
	p := newTestProvider(t, Options{VerificationToken: "vtoken"})

	in, err := p.ParseWebhook(context.Background(), nil, []byte(`{"type":"url_verification","token":"vtoken","challenge":"abc"}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(in.Response), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp["challenge"] != "abc" {
		t.Errorf("Expected challenge echo, got %q", in.Response)
	}
	if len(in.Messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(in.Messages))
	}
}

func TestParseWebhook_TokenMismatch(t *testing.T) {
	p := newTestProvider(t, Options{VerificationToken: "other"})
	_, err := p.ParseWebhook(context.Background(), nil, []byte(messageEvent))
	if !errors.Is(err, provider.ErrVerification) {
		t.Errorf("Expected ErrVerification, got %v", err)
	}
}

func TestParseWebhook_TextMessage(t *testing.T) {
	p := newTestProvider(t, Options{VerificationToken: "vtoken"})

	in, err := p.ParseWebhook(context.Background(), nil, []byte(messageEvent))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(in.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(in.Messages))
	}
	msg := in.Messages[0]
	if msg.Content != "hello bot" {
		t.Errorf("Expected mention stripped, got %q", msg.Content)
	}
	if msg.SenderID != "ou_123" || msg.MessageID != "om_1" || msg.Type != domain.MessageText {
		t.Errorf("Unexpected message %+v", msg)
	}
	if msg.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("Unexpected timestamp %v", msg.Timestamp)
	}
}

func TestParseWebhook_EncryptedEvent(t *testing.T) {
	p := newTestProvider(t, Options{VerificationToken: "vtoken", EncryptKey: "kudryavka"})

	body, _ := json.Marshal(map[string]string{"encrypt": encryptEvent(t, "kudryavka", []byte(messageEvent))})
	in, err := p.ParseWebhook(context.Background(), nil, body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(in.Messages) != 1 || in.Messages[0].Content != "hello bot" {
		t.Errorf("Unexpected messages %+v", in.Messages)
	}

	wrongKey := newTestProvider(t, Options{EncryptKey: "other"})
	if _, err := wrongKey.ParseWebhook(context.Background(), nil, body); err == nil {
		t.Error("Expected failure with the wrong key")
	}
}

func TestParseWebhook_OtherEventsAreAcknowledged(t *testing.T) {
	p := newTestProvider(t, Options{})
	in, err := p.ParseWebhook(context.Background(), nil, []byte(`{"schema":"2.0","header":{"event_type":"im.chat.member.bot.added_v1"},"event":{}}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(in.Messages) != 0 || in.Response == "" {
		t.Errorf("Expected bare ack, got %+v", in)
	}
}

func TestVerifyURL_Unsupported(t *testing.T) {
	p := newTestProvider(t, Options{})
	if _, err := p.VerifyURL(context.Background(), nil); !errors.Is(err, provider.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
}

func TestToChatMessage_Types(t *testing.T) {
	tests := []struct {
		msgType string
		content string
		want    domain.MessageType
		text    string
	}{
		{"image", `{"image_key":"img_1"}`, domain.MessageImage, "img_1"},
		{"file", `{"file_key":"file_1","file_name":"a.pdf"}`, domain.MessageFile, "file_1"},
		{"audio", `{"file_key":"aud_1"}`, domain.MessageAudio, "aud_1"},
		{"sticker", `{}`, domain.MessageUnknown, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			msg := toChatMessage(&eventContent{Message: &message{MessageType: tt.msgType, Content: tt.content}})
			if msg.Type != tt.want || msg.Content != tt.text {
				t.Errorf("Expected %s %q, got %s %q", tt.want, tt.text, msg.Type, msg.Content)
			}
		})
	}
}

type fakeAPI struct {
	tokenCalls atomic.Int32
	sendCalls  atomic.Int32
	codes      []int
	lastAuth   atomic.Value
	lastBody   atomic.Value
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "t-abc", "expire": 7200})
	})
	mux.HandleFunc("/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.sendCalls.Add(1))
		f.lastAuth.Store(r.Header.Get("Authorization"))
		var body sendRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)

		code := 0
		if n <= len(f.codes) {
			code = f.codes[n-1]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": "m", "data": map[string]string{"message_id": "om_sent"}})
	})
	return mux
}

func TestSend_Text(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestProvider(t, Options{APIBaseURL: srv.URL})
	res, err := p.Send(context.Background(), domain.ChatMessage{Content: "hi", Type: domain.MessageText}, "ou_123")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.MessageID != "om_sent" {
		t.Fatalf("Unexpected result %+v", res)
	}
	if auth, _ := api.lastAuth.Load().(string); auth != "Bearer t-abc" {
		t.Errorf("Unexpected Authorization header %q", auth)
	}
	body, _ := api.lastBody.Load().(sendRequest)
	if body.ReceiveID != "ou_123" || body.MsgType != "text" || body.Content != `{"text":"hi"}` {
		t.Errorf("Unexpected body %+v", body)
	}
}

func TestSend_TokenExpiredThenSucceeds(t *testing.T) {
	api := &fakeAPI{codes: []int{99991663}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestProvider(t, Options{APIBaseURL: srv.URL})
	res, err := p.Send(context.Background(), domain.ChatMessage{Content: "hi", Type: domain.MessageText}, "ou_123")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}
	if api.tokenCalls.Load() != 2 {
		t.Errorf("Expected token refetch, got %d fetches", api.tokenCalls.Load())
	}
}

func TestSend_PermanentFailure(t *testing.T) {
	api := &fakeAPI{codes: []int{230002}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestProvider(t, Options{APIBaseURL: srv.URL})
	res, err := p.Send(context.Background(), domain.ChatMessage{Content: "hi", Type: domain.MessageText}, "ou_123")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.ShouldRetry || res.ErrorCode != "230002" {
		t.Errorf("Expected permanent failure, got %+v", res)
	}
	if api.sendCalls.Load() != 1 {
		t.Errorf("Expected one attempt, got %d", api.sendCalls.Load())
	}
}

func TestSend_CancelledContext(t *testing.T) {
	p := newTestProvider(t, Options{APIBaseURL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Send(ctx, domain.ChatMessage{Content: "hi", Type: domain.MessageText}, "ou_123")
	if err == nil {
		t.Fatal("Expected context error")
	}
	if !res.ShouldRetry {
		t.Errorf("Expected cancelled send to be retryable, got %+v", res)
	}
}
