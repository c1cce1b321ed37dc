package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full gRPC method name of the reply backend.
const GenerateMethod = "/chatrelay.reply.v1.ReplyService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errBackend                  = errors.New("reply backend returned error")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	HistoryLimit     int
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		HistoryLimit:     20,
	}
}

// GrpcClient asks a remote reply service for answers. Requests and
// responses travel as google.protobuf.Struct documents.
type GrpcClient struct {
	conn   *grpc.ClientConn
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// NewGrpcClient dials the reply service and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reply service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to reply service", "address", cfg.Address)
	return &GrpcClient{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Reply implements Generator.
func (c *GrpcClient) Reply(ctx context.Context, session *domain.ChatSession, msg domain.ChatMessage) ([]domain.ChatMessage, error) {
	req, err := buildRequest(session, msg, c.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("build reply request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, GenerateMethod, req, resp); err != nil {
		c.logger.Error("Generate failed", "error", err, "user_id", msg.SenderID)
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	return parseResponse(session, msg, resp)
}

func buildRequest(session *domain.ChatSession, msg domain.ChatMessage, historyLimit int) (*structpb.Struct, error) {
	var history []any
	req := map[string]any{
		"platform": msg.Platform,
		"user_id":  msg.SenderID,
		"message": map[string]any{
			"message_id": msg.MessageID,
			"content":    msg.Content,
			"type":       string(msg.Type),
			"timestamp":  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if session != nil {
		req["session_id"] = session.ID
		for _, h := range session.RecentMessages(historyLimit) {
			history = append(history, map[string]any{
				"role":    h.Role,
				"content": h.Message.Content,
			})
		}
	}
	req["history"] = history
	return structpb.NewStruct(req)
}

func parseResponse(session *domain.ChatSession, in domain.ChatMessage, resp *structpb.Struct) ([]domain.ChatMessage, error) {
	fields := resp.GetFields()
	if errMsg := fields["error"].GetStringValue(); errMsg != "" {
		return nil, fmt.Errorf("%w: %s", errBackend, errMsg)
	}

	var out []domain.ChatMessage
	for _, v := range fields["messages"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		content := m["content"].GetStringValue()
		if content == "" {
			continue
		}
		out = append(out, Outgoing(session, in, content, domain.MessageType(m["type"].GetStringValue())))
	}
	return out, nil
}
