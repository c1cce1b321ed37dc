package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/events"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/coder/websocket"
)

type fakeProvider struct{}

func (fakeProvider) Platform() string { return "wechat" }

func (fakeProvider) VerifyURL(_ context.Context, q url.Values) (string, error) {
	if q.Get("signature") != "good" {
		return "", provider.ErrVerification
	}
	return q.Get("echostr"), nil
}

func (fakeProvider) ParseWebhook(_ context.Context, q url.Values, body []byte) (*provider.Inbound, error) {
	if q.Get("signature") != "good" {
		return nil, provider.ErrVerification
	}
	if len(body) == 0 {
		return &provider.Inbound{Response: "success"}, nil
	}
	return &provider.Inbound{
		Messages: []domain.ChatMessage{{
			MessageID: "m1", SenderID: "user-1", Platform: "wechat",
			Type: domain.MessageText, Content: string(body), Timestamp: time.Now(),
		}},
		Response: "success",
	}, nil
}

func (fakeProvider) Send(context.Context, domain.ChatMessage, string) (provider.SendResult, error) {
	return provider.SendResult{Success: true}, nil
}

type fakeLookup struct{}

func (fakeLookup) Get(platform string) (provider.Provider, error) {
	if platform != "wechat" {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownPlatform, platform)
	}
	return fakeProvider{}, nil
}

func (fakeLookup) Platforms() []string { return []string{"wechat"} }

type testServer struct {
	handler http.Handler
	queue   *queue.Queue
	hub     *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q := queue.New(s, queue.DefaultOptions(), nil)
	sessions := session.NewManager(s, session.DefaultOptions(), nil)
	hub := events.NewHub(16, nil)
	t.Cleanup(hub.Close)

	return &testServer{
		handler: NewRouter(Routes{
			Webhooks: NewWebhookHandler(fakeLookup{}, sessions, q, hub, nil),
			Health:   NewHealthHandler(s, q, fakeLookup{}),
			Events:   NewEventStreamHandler(hub, "", true),
		}),
		queue: q,
		hub:   hub,
	}
}

func TestWebhook_Verify(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{"echo", "/webhooks/wechat?signature=good&echostr=abc123", http.StatusOK, "abc123"},
		{"bad signature", "/webhooks/wechat?signature=bad&echostr=abc123", http.StatusForbidden, ""},
		{"unknown platform", "/webhooks/slack?signature=good", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, w.Code)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}

func TestWebhook_ReceiveQueuesMessage(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/wechat?signature=good", strings.NewReader("hello relay"))
	srv.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "success" {
		t.Errorf("Expected platform ack, got %q", w.Body.String())
	}

	item, err := srv.queue.Dequeue(context.Background())
	if err != nil || item == nil {
		t.Fatalf("Expected queued message: %v %v", item, err)
	}
	if item.Direction != domain.DirectionIncoming || item.Message.Content != "hello relay" {
		t.Errorf("Unexpected item %+v", item)
	}
	if item.SessionID == "" || item.UserID != "user-1" {
		t.Errorf("Expected session and user on item, got %q %q", item.SessionID, item.UserID)
	}
}

func TestWebhook_ReceiveRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/wechat?signature=bad", strings.NewReader("x")))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}

	length, err := srv.queue.Length(context.Background())
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if length != 0 {
		t.Errorf("Expected nothing queued, got %d", length)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var got struct {
		Status    string            `json:"status"`
		Checks    map[string]string `json:"checks"`
		Queue     domain.QueueStats `json:"queue"`
		Platforms []string          `json:"platforms"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "healthy" || got.Checks["database"] != "ok" || got.Checks["queue"] != "ok" {
		t.Errorf("Unexpected health %+v", got)
	}
	if len(got.Platforms) != 1 || got.Platforms[0] != "wechat" {
		t.Errorf("Unexpected platforms %v", got.Platforms)
	}
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)
	hs := httptest.NewServer(srv.handler)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws/events?type=message.sent", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; publish until it lands.
	go func() {
		for ctx.Err() == nil {
			srv.hub.Publish(events.Event{Type: events.MessageReceived})
			srv.hub.Publish(events.Event{Type: events.MessageSent, QueueID: "q-1"})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != events.MessageSent || evt.QueueID != "q-1" {
		t.Errorf("Unexpected event %+v", evt)
	}
}

func TestEventStream_OriginCheck(t *testing.T) {
	hub := events.NewHub(4, nil)
	t.Cleanup(hub.Close)
	hs := httptest.NewServer(NewEventStreamHandler(hub, "https://ops.example.com", false))
	defer hs.Close()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"allowed origin", "https://ops.example.com", true},
		{"no origin header", "", true},
		{"foreign origin", "https://evil.example", false},
		{"allowed host on other scheme", "http://ops.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
			if tt.ok {
				if err != nil {
					t.Fatalf("Dial: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("Expected the handshake to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403, got %+v", resp)
			}
		})
	}
}
