package reply

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type replyServer interface {
	Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type fakeReplyServer struct {
	fn       func(req *structpb.Struct) (*structpb.Struct, error)
	received chan *structpb.Struct
}

func (s *fakeReplyServer) Generate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.received <- req
	return s.fn(req)
}

var replyServiceDesc = grpc.ServiceDesc{
	ServiceName: "chatrelay.reply.v1.ReplyService",
	HandlerType: (*replyServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Generate",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(replyServer).Generate(ctx, in)
		},
	}},
}

func startServer(t *testing.T, impl *fakeReplyServer) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&replyServiceDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{Address: "passthrough:///bufnet", RequestTimeout: 5 * time.Second}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewGrpcClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testSession() *domain.ChatSession {
	s := &domain.ChatSession{ID: "s1", UserID: "u1", Platform: "wechat", MaxHistory: 10}
	s.AddMessage(domain.ChatMessage{MessageID: "old", Content: "earlier question"}, domain.RoleUser)
	s.AddMessage(domain.ChatMessage{MessageID: "old-r", Content: "earlier answer"}, domain.RoleAssistant)
	return s
}

func TestGrpcClient_Reply(t *testing.T) {
	impl := &fakeReplyServer{
		received: make(chan *structpb.Struct, 1),
		fn: func(req *structpb.Struct) (*structpb.Struct, error) {
			content := req.GetFields()["message"].GetStructValue().GetFields()["content"].GetStringValue()
			return structpb.NewStruct(map[string]any{
				"messages": []any{
					map[string]any{"content": "echo: " + content, "type": "Text"},
					map[string]any{"content": ""},
				},
			})
		},
	}
	client := startServer(t, impl)

	in := domain.ChatMessage{MessageID: "m1", SenderID: "u1", ReceiverID: "bot", Content: "hello", Type: domain.MessageText, Platform: "wechat", Timestamp: time.Now()}
	out, err := client.Reply(context.Background(), testSession(), in)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected 1 reply (empty content dropped), got %d", len(out))
	}
	if out[0].Content != "echo: hello" || out[0].ReceiverID != "u1" || out[0].Platform != "wechat" {
		t.Errorf("Unexpected reply %+v", out[0])
	}

	req := <-impl.received
	if got := req.GetFields()["session_id"].GetStringValue(); got != "s1" {
		t.Errorf("Expected session_id s1, got %q", got)
	}
	if n := len(req.GetFields()["history"].GetListValue().GetValues()); n != 2 {
		t.Errorf("Expected 2 history entries, got %d", n)
	}
}

func TestGrpcClient_BackendError(t *testing.T) {
	impl := &fakeReplyServer{
		received: make(chan *structpb.Struct, 1),
		fn: func(*structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{"error": "model overloaded"})
		},
	}
	client := startServer(t, impl)

	_, err := client.Reply(context.Background(), nil, domain.ChatMessage{SenderID: "u1", Content: "hi"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("Expected backend error, got %v", err)
	}
}

func TestNewGrpcClient_FailsFastWhenUnreachable(t *testing.T) {
	_, err := NewGrpcClient(GrpcClientConfig{Address: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, nil)
	if err == nil {
		t.Fatal("Expected readiness error")
	}
}

func TestStatic_Reply(t *testing.T) {
	gen := NewStatic("You said: {content}")
	out, err := gen.Reply(context.Background(), &domain.ChatSession{UserID: "u9"}, domain.ChatMessage{SenderID: "u9", Content: "ping", Platform: "feishu"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(out) != 1 || out[0].Content != "You said: ping" {
		t.Fatalf("Unexpected replies %+v", out)
	}
	if out[0].ReceiverID != "u9" || out[0].Platform != "feishu" || out[0].MessageID == "" {
		t.Errorf("Unexpected addressing %+v", out[0])
	}

	echo := NewStatic("")
	out, _ = echo.Reply(context.Background(), nil, domain.ChatMessage{SenderID: "x", Content: "same"})
	if out[0].Content != "same" || out[0].ReceiverID != "x" {
		t.Errorf("Expected echo to sender, got %+v", out[0])
	}
}
