package chatconfig

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.ConfigChangeEvent
}

func (r *recorder) handle(evt domain.ConfigChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() domain.ConfigChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewService(s, newTestEncryptor(t, "test-key"), nil), s
}

func wechatConfig() domain.ProviderConfig {
	return domain.ProviderConfig{
		Platform:          "wechat",
		DisplayName:       "WeChat",
		IsEnabled:         true,
		ConfigData:        `{"AppId":"wx1","AppSecret":"top-secret","Token":"t","EncodingAesKey":"k"}`,
		MessageIntervalMs: 500,
		MaxRetryCount:     3,
	}
}

func TestService_ConfigDataEncryptedAtRest(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveConfig(ctx, wechatConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	raw, err := s.GetProviderConfig(ctx, "wechat")
	if err != nil {
		t.Fatalf("GetProviderConfig: %v", err)
	}
	if !IsEncrypted(raw.ConfigData) || strings.Contains(raw.ConfigData, "top-secret") {
		t.Errorf("Expected encrypted config data at rest, got %q", raw.ConfigData)
	}

	got, err := svc.GetConfig(ctx, "wechat")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.ConfigData != wechatConfig().ConfigData {
		t.Errorf("Expected decrypted config data, got %q", got.ConfigData)
	}

	all, err := svc.GetAllConfigs(ctx)
	if err != nil || len(all) != 1 || all[0].ConfigData != wechatConfig().ConfigData {
		t.Errorf("Unexpected GetAllConfigs result: %+v %v", all, err)
	}
}

func TestService_GetConfigMiss(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.GetConfig(context.Background(), "nowhere")
	if err != nil || got != nil {
		t.Errorf("Expected nil miss, got %+v %v", got, err)
	}
}

func TestService_HotReloadNotifications(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var global, wechat, feishu, removed recorder
	svc.OnConfigChanged("", global.handle)
	svc.OnConfigChanged("wechat", wechat.handle)
	svc.OnConfigChanged("feishu", feishu.handle)
	unsubscribe := svc.OnConfigChanged("", removed.handle)
	unsubscribe()

	if err := svc.SaveConfig(ctx, wechatConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if wechat.count() != 1 || wechat.last().ChangeType != domain.ConfigCreated {
		t.Fatalf("Expected one Created event, got %+v", wechat.events)
	}

	if err := svc.SaveConfig(ctx, wechatConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if wechat.count() != 2 || wechat.last().ChangeType != domain.ConfigUpdated {
		t.Fatalf("Expected Updated event, got %+v", wechat.events)
	}

	if err := svc.ReloadConfig(ctx, "wechat"); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	if wechat.count() != 3 {
		t.Fatalf("Expected reload notification, got %d events", wechat.count())
	}

	feishuCfg := domain.ProviderConfig{Platform: "feishu", DisplayName: "Feishu", ConfigData: `{"AppId":"a","AppSecret":"b"}`}
	if err := svc.SaveConfig(ctx, feishuCfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	deleted, err := svc.DeleteConfig(ctx, "wechat")
	if err != nil || !deleted {
		t.Fatalf("DeleteConfig: %v %v", deleted, err)
	}
	if wechat.last().ChangeType != domain.ConfigDeleted {
		t.Errorf("Expected Deleted event, got %s", wechat.last().ChangeType)
	}

	if wechat.count() != 4 {
		t.Errorf("Expected 4 wechat events, got %d", wechat.count())
	}
	if feishu.count() != 1 {
		t.Errorf("Expected 1 feishu event, got %d", feishu.count())
	}
	if global.count() != 5 {
		t.Errorf("Expected 5 global events, got %d", global.count())
	}
	if removed.count() != 0 {
		t.Errorf("Expected no events after unsubscribe, got %d", removed.count())
	}
}

func TestService_DeleteMissingDoesNotNotify(t *testing.T) {
	svc, _ := newTestService(t)
	var rec recorder
	svc.OnConfigChanged("", rec.handle)

	deleted, err := svc.DeleteConfig(context.Background(), "ghost")
	if err != nil || deleted {
		t.Fatalf("DeleteConfig: %v %v", deleted, err)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no events, got %d", rec.count())
	}
}

func TestService_PanickingSubscriberIsIsolated(t *testing.T) {
	svc, _ := newTestService(t)
	var rec recorder
	svc.OnConfigChanged("", func(domain.ConfigChangeEvent) { panic("boom") })
	svc.OnConfigChanged("", rec.handle)

	if err := svc.SaveConfig(context.Background(), wechatConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected later subscriber to receive event, got %d", rec.count())
	}
}

func TestService_SyncFromStoreDetectsExternalChanges(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveConfig(ctx, wechatConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	var rec recorder
	svc.OnConfigChanged("", rec.handle)

	if n, err := svc.SyncFromStore(ctx); err != nil || n != 0 {
		t.Fatalf("Expected no changes after own save, got %d %v", n, err)
	}

	other := NewService(s, newTestEncryptor(t, "test-key"), nil)
	updated := wechatConfig()
	updated.DisplayName = "WeChat (edited elsewhere)"
	if err := other.SaveConfig(ctx, updated); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if err := other.SaveConfig(ctx, domain.ProviderConfig{Platform: "qq", DisplayName: "QQ"}); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	n, err := svc.SyncFromStore(ctx)
	if err != nil {
		t.Fatalf("SyncFromStore: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 changes, got %d", n)
	}
	cfg, _ := svc.GetConfig(ctx, "wechat")
	if cfg.DisplayName != "WeChat (edited elsewhere)" {
		t.Errorf("Expected cache refreshed, got %q", cfg.DisplayName)
	}

	if _, err := other.DeleteConfig(ctx, "qq"); err != nil {
		t.Fatalf("DeleteConfig: %v", err)
	}
	if n, _ := svc.SyncFromStore(ctx); n != 1 || rec.last().ChangeType != domain.ConfigDeleted {
		t.Errorf("Expected a Deleted event, got %d changes, last %+v", n, rec.last())
	}
}

func TestService_ValidateAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_ = svc.SaveConfig(ctx, wechatConfig())
	_ = svc.SaveConfig(ctx, domain.ProviderConfig{Platform: "feishu", DisplayName: "Feishu", ConfigData: `{"AppId":"a"}`})

	results, err := svc.ValidateAll(ctx)
	if err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.Platform {
		case "wechat":
			if !r.IsValid {
				t.Errorf("Expected wechat valid, got %+v", r)
			}
		case "feishu":
			if r.IsValid || len(r.MissingFields) != 1 {
				t.Errorf("Expected feishu missing AppSecret, got %+v", r)
			}
		}
	}
}
