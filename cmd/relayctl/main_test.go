package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/store"
)

func runCmd(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--db", dbPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "relay.db")

	out, err := runCmd(t, db, "config", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No provider configs") {
		t.Fatalf("unexpected list output %q", out)
	}

	data := `{"AppId":"wx1","AppSecret":"s","Token":"t","EncodingAesKey":"abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"}`
	if _, err := runCmd(t, db, "config", "set", "wechat", "--name", "WeChat", "--config-data", data); err != nil {
		t.Fatalf("set: %v", err)
	}

	out, err = runCmd(t, db, "config", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "wechat") || !strings.Contains(out, "WeChat") {
		t.Fatalf("config missing from list: %q", out)
	}

	out, err = runCmd(t, db, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, out)
	}
	if !strings.Contains(out, "wechat: ok") {
		t.Fatalf("unexpected validate output %q", out)
	}

	if _, err := runCmd(t, db, "config", "delete", "wechat"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := runCmd(t, db, "config", "delete", "wechat"); err == nil {
		t.Fatal("expected error deleting a missing config")
	}
}

func TestConfigSetRejectsMissingFields(t *testing.T) {
	db := filepath.Join(t.TempDir(), "relay.db")

	_, err := runCmd(t, db, "config", "set", "feishu", "--config-data", `{"AppId":"cli_1"}`)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "AppSecret") {
		t.Fatalf("error should name the missing field: %v", err)
	}
}

func TestDeadLetterReprocess(t *testing.T) {
	db := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	repo, err := store.NewSQLite(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q := queue.New(repo, queue.DefaultOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	msg := domain.ChatMessage{SenderID: "u1", Content: "hi", Type: domain.MessageText, Platform: "wechat"}
	if _, err := q.Enqueue(ctx, msg, "s1", "u1", domain.DirectionOutgoing); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Dequeue(ctx)
	if err != nil || item == nil {
		t.Fatalf("dequeue: %v %v", item, err)
	}
	if err := q.DeadLetter(ctx, item.ID, "boom"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := runCmd(t, db, "deadletter", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, item.ID) || !strings.Contains(out, "boom") {
		t.Fatalf("dead letter missing from list: %q", out)
	}

	out, err = runCmd(t, db, "deadletter", "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "Total: 1") || !strings.Contains(out, "wechat: 1") {
		t.Fatalf("unexpected stats %q", out)
	}

	if _, err := runCmd(t, db, "deadletter", "reprocess"); err == nil {
		t.Fatal("expected error without id or --all")
	}
	if _, err := runCmd(t, db, "deadletter", "reprocess", "missing"); err == nil {
		t.Fatal("expected error for unknown id")
	}

	out, err = runCmd(t, db, "dlq", "reprocess", "--all")
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if !strings.Contains(out, "Requeued 1") {
		t.Fatalf("unexpected reprocess output %q", out)
	}

	out, err = runCmd(t, db, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(out, "Pending:     1") || !strings.Contains(out, "Dead letter: 0") {
		t.Fatalf("unexpected queue stats %q", out)
	}
}
