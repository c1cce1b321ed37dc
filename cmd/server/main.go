// Chat relay server: receives platform webhooks, queues messages durably
// and delivers generated replies back to each platform.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/chatconfig"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/delivery"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/events"
	"github.com/ashureev/chatrelay/internal/logging"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/ashureev/chatrelay/internal/provider/feishu"
	"github.com/ashureev/chatrelay/internal/provider/wechat"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/reply"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/telemetry"
	"github.com/joho/godotenv"
)

const serviceName = "chatrelay"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Log)
	slog.SetDefault(logger)
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Provider configs.
	if cfg.Providers.EncryptionKey == "" {
		slog.Warn("CONFIG_ENCRYPTION_KEY not set, using development key for stored credentials")
	}
	encryptor, err := chatconfig.NewEncryptor(cfg.EncryptionKey())
	if err != nil {
		return err
	}
	configs := chatconfig.NewService(repo, encryptor, logger)
	if err := configs.Load(ctx); err != nil {
		return err
	}
	reportInvalidConfigs(ctx, configs)

	hub := events.NewHub(256, logger)
	defer hub.Close()
	unsubscribe := configs.OnConfigChanged("", func(evt domain.ConfigChangeEvent) {
		hub.Publish(events.Event{
			Type:     events.ConfigChanged,
			Platform: evt.Platform,
			Detail:   map[string]any{"changeType": evt.ChangeType},
		})
	})
	defer unsubscribe()

	registry := provider.NewRegistry(provider.Deps{Logger: logger})
	registry.RegisterFactory(wechat.Platform, wechat.New)
	registry.RegisterFactory(feishu.Platform, feishu.New)
	if err := registry.Attach(ctx, configs); err != nil {
		return err
	}
	defer registry.Close()
	slog.Info("Providers ready", "platforms", registry.Platforms())

	// Queue, sessions and replies.
	q := queue.New(repo, queue.Options{
		MaxRetryCount:  cfg.Queue.MaxRetryCount,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		LeaseTTL:       cfg.Queue.LeaseTTL,
	}, logger)
	q.SetRetryLimitFunc(registry.RetryLimit)

	sessions := session.NewManager(repo, session.Options{
		MaxHistoryCount: cfg.Session.MaxHistoryCount,
		EnableCache:     cfg.Session.EnableCache,
		CacheTTL:        cfg.Session.CacheTTL,
	}, logger)

	var generator reply.Generator = reply.NewStatic(cfg.Reply.StaticTemplate)
	if cfg.Reply.Address != "" {
		slog.Info("Connecting to reply service via gRPC", "address", cfg.Reply.Address)
		client, err := reply.NewGrpcClient(reply.GrpcClientConfig{
			Address:        cfg.Reply.Address,
			RequestTimeout: cfg.Reply.Timeout,
			HistoryLimit:   cfg.Reply.HistoryLimit,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to reply service, using static replies", "error", err)
		} else {
			defer client.Close()
			generator = client
		}
	} else {
		slog.Info("REPLY_ADDR not set, using static replies")
	}

	worker := delivery.NewWorker(q, queue.NewMerger(cfg.Queue.MergeThreshold, cfg.Queue.MergeWindow),
		sessions, generator, registry, hub, delivery.Options{
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
			ErrorDelay:   cfg.Worker.ErrorDelay,
			BatchSize:    cfg.Worker.BatchSize,
		}, logger)

	// Background workers.
	sessions.StartCleanupWorker(ctx, cfg.Session.CleanupInterval, cfg.Session.IdleTimeout)
	configs.StartReloadWatcher(ctx, cfg.Providers.ReloadInterval)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	router := api.NewRouter(api.Routes{
		Webhooks: api.NewWebhookHandler(registry, sessions, q, hub, logger),
		Health:   api.NewHealthHandler(repo, q, registry),
		Events:   api.NewEventStreamHandler(hub, cfg.EventsAllowedOrigin, cfg.IsDevelopment()),
		Logger:   logger,
	})

	// No WriteTimeout: /ws/events connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("Delivery worker did not stop in time")
	}
	return nil
}

func reportInvalidConfigs(ctx context.Context, configs *chatconfig.Service) {
	results, err := configs.ValidateAll(ctx)
	if err != nil {
		slog.Warn("Failed to validate provider configs", "error", err)
		return
	}
	for _, res := range results {
		if !res.IsValid {
			slog.Warn("Provider config is invalid",
				"platform", res.Platform,
				"missing_fields", res.MissingFields,
				"errors", res.Errors,
			)
		}
	}
}
