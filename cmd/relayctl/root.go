package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ashureev/chatrelay/internal/chatconfig"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	dbPath        string
	encryptionKey string
	verbose       bool
}

type app struct {
	repo    *store.SQLiteStore
	queue   *queue.Queue
	configs *chatconfig.Service
}

func (a *app) Close() error {
	return a.repo.Close()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate a chat relay database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (defaults to DB_PATH)")
	root.PersistentFlags().StringVar(&opts.encryptionKey, "encryption-key", "", "credential encryption key (defaults to CONFIG_ENCRYPTION_KEY)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newDeadLetterCmd(opts), newQueueCmd(opts), newConfigCmd(opts))
	return root
}

// open loads configuration, applies flag overrides and opens the store.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.encryptionKey != "" {
		cfg.Providers.EncryptionKey = o.encryptionKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	enc, err := chatconfig.NewEncryptor(cfg.EncryptionKey())
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	return &app{
		repo: repo,
		queue: queue.New(repo, queue.Options{
			MaxRetryCount:  cfg.Queue.MaxRetryCount,
			RetryBaseDelay: cfg.Queue.RetryBaseDelay,
			LeaseTTL:       cfg.Queue.LeaseTTL,
		}, logger),
		configs: chatconfig.NewService(repo, enc, logger),
	}, nil
}

// withApp opens the app for the duration of fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(a *app, out io.Writer) error) error {
	a, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, cmd.OutOrStdout())
}
