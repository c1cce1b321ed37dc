package chatconfig

import (
	"slices"
	"testing"

	"github.com/ashureev/chatrelay/internal/domain"
)

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name        string
		cfg         domain.ProviderConfig
		valid       bool
		missing     []string
		errorsCount int
	}{
		{
			name: "complete wechat",
			cfg: domain.ProviderConfig{Platform: "wechat", DisplayName: "WeChat",
				ConfigData: `{"AppId":"wx1","AppSecret":"s","Token":"t","EncodingAesKey":"k"}`},
			valid: true,
		},
		{
			name:    "wechat missing credentials",
			cfg:     domain.ProviderConfig{Platform: "wechat", DisplayName: "WeChat", ConfigData: `{"AppId":"wx1"}`},
			missing: []string{"AppSecret", "Token", "EncodingAesKey"},
		},
		{
			name:    "feishu empty data",
			cfg:     domain.ProviderConfig{Platform: "Feishu", DisplayName: "Feishu"},
			missing: []string{"AppId", "AppSecret"},
		},
		{
			name:    "qq blank token",
			cfg:     domain.ProviderConfig{Platform: "qq", DisplayName: "QQ", ConfigData: `{"AppId":"1","Token":"  "}`},
			missing: []string{"Token"},
		},
		{
			name:  "custom platform has no extra fields",
			cfg:   domain.ProviderConfig{Platform: "slack", DisplayName: "Slack"},
			valid: true,
		},
		{
			name:    "missing base fields",
			cfg:     domain.ProviderConfig{},
			missing: []string{"platform", "displayName"},
		},
		{
			name:    "blank base fields",
			cfg:     domain.ProviderConfig{Platform: "  ", DisplayName: "\t "},
			missing: []string{"platform", "displayName"},
		},
		{
			name:        "negative interval and too many retries",
			cfg:         domain.ProviderConfig{Platform: "slack", DisplayName: "Slack", MessageIntervalMs: -1, MaxRetryCount: 11},
			errorsCount: 2,
		},
		{
			name:        "invalid json",
			cfg:         domain.ProviderConfig{Platform: "slack", DisplayName: "Slack", ConfigData: "{nope"},
			errorsCount: 1,
		},
		{
			name:        "non-http webhook",
			cfg:         domain.ProviderConfig{Platform: "slack", DisplayName: "Slack", WebhookURL: "ftp://example.com/hook"},
			errorsCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.cfg)
			if result.IsValid != tt.valid {
				t.Errorf("Expected valid=%v, got %v (%+v)", tt.valid, result.IsValid, result)
			}
			for _, field := range tt.missing {
				if !slices.Contains(result.MissingFields, field) {
					t.Errorf("Expected %s in missing fields %v", field, result.MissingFields)
				}
			}
			if len(result.MissingFields) != len(tt.missing) {
				t.Errorf("Expected %d missing fields, got %v", len(tt.missing), result.MissingFields)
			}
			if len(result.Errors) != tt.errorsCount {
				t.Errorf("Expected %d errors, got %v", tt.errorsCount, result.Errors)
			}
		})
	}
}
