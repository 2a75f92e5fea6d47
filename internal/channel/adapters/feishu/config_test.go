package feishu

import (
	"testing"

	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/config"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	got, err := parseConfig(map[string]any{
		"app_id":             " app ",
		"app_secret":         "secret",
		"encrypt_key":        "enc",
		"verification_token": "verify",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.AppID != "app" || got.AppSecret != "secret" {
		t.Fatalf("unexpected feishu config: %#v", got)
	}
	if got.EncryptKey != "enc" || got.VerificationToken != "verify" {
		t.Fatalf("unexpected feishu security config: %#v", got)
	}
	if got.Domain != domainFeishu {
		t.Fatalf("unexpected default domain: %q", got.Domain)
	}
	if got.ConnectionMode != connectionModeWebsocket {
		t.Fatalf("unexpected default connection mode: %q", got.ConnectionMode)
	}
	if got.openBaseURL() != lark.FeishuBaseUrl {
		t.Fatalf("unexpected base url: %q", got.openBaseURL())
	}
}

func TestParseConfigRequiresApp(t *testing.T) {
	t.Parallel()

	if _, err := parseConfig(map[string]any{"app_id": "app"}); err == nil {
		t.Fatal("expected error for missing app_secret")
	}
	if _, err := parseConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for empty credentials")
	}
}

func TestParseConfigSupportsLarkAndWebhook(t *testing.T) {
	t.Parallel()

	got, err := parseConfig(map[string]any{
		"appId":          "app",
		"appSecret":      "secret",
		"region":         "global",
		"connectionMode": "webhook",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Domain != domainLark {
		t.Fatalf("unexpected domain: %q", got.Domain)
	}
	if got.ConnectionMode != connectionModeWebhook {
		t.Fatalf("unexpected connection mode: %q", got.ConnectionMode)
	}
	if got.openBaseURL() != lark.LarkBaseUrl {
		t.Fatalf("unexpected base url: %q", got.openBaseURL())
	}
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := []map[string]any{
		{"app_id": "app", "app_secret": "secret", "domain": "mars"},
		{"app_id": "app", "app_secret": "secret", "connection_mode": "polling"},
	}
	for _, raw := range cases {
		if _, err := parseConfig(raw); err == nil {
			t.Fatalf("expected error for %#v", raw)
		}
	}
}

func TestParseConfigAcceptsWSAlias(t *testing.T) {
	t.Parallel()

	got, err := parseConfig(map[string]any{"app_id": "app", "app_secret": "secret", "connection_mode": "WS"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.ConnectionMode != connectionModeWebsocket {
		t.Fatalf("unexpected connection mode: %q", got.ConnectionMode)
	}
}

func TestChannelConfigFromAccount(t *testing.T) {
	t.Parallel()

	disabled := false
	noMention := false
	account := config.FeishuAccount{
		ID:                "main",
		AppID:             "cli_app",
		AppSecret:         "secret",
		VerificationToken: "verify",
		Domain:            "lark",
		ConnectionMode:    "webhook",
		BotOpenID:         "ou_bot",
		Groups: map[string]config.GroupConfig{
			"oc_quiet": {Enabled: &disabled},
			"*":        {RequireMention: &noMention},
		},
	}
	cfg := ChannelConfigFromAccount(account)
	if cfg.ID != "main" || cfg.ChannelType != Type {
		t.Fatalf("unexpected identity: %#v", cfg)
	}
	if cfg.Disabled {
		t.Fatal("expected account enabled by default")
	}
	if !cfg.RequireMention {
		t.Fatal("expected mention required by default")
	}
	if got := resolveConfiguredBotOpenID(cfg); got != "ou_bot" {
		t.Fatalf("unexpected bot open id: %q", got)
	}
	if cfg.ExternalIdentity != "open_id:ou_bot" {
		t.Fatalf("unexpected external identity: %q", cfg.ExternalIdentity)
	}
	if _, ok := cfg.Credentials["encrypt_key"]; ok {
		t.Fatal("expected empty encrypt key to be omitted")
	}
	parsed, err := parseConfig(cfg.Credentials)
	if err != nil {
		t.Fatalf("expected credentials to parse, got %v", err)
	}
	if parsed.Domain != domainLark || parsed.ConnectionMode != connectionModeWebhook || parsed.VerificationToken != "verify" {
		t.Fatalf("unexpected parsed credentials: %#v", parsed)
	}
	quiet, ok := cfg.Group("oc_quiet")
	if !ok || quiet.Enabled == nil || *quiet.Enabled {
		t.Fatalf("unexpected group override: %#v", quiet)
	}
	other, ok := cfg.Group("oc_other")
	if !ok || other.RequireMention == nil || *other.RequireMention {
		t.Fatalf("expected wildcard override, got %#v", other)
	}
}

func TestChannelConfigsFromAccountsDisabled(t *testing.T) {
	t.Parallel()

	off := false
	items := ChannelConfigsFromAccounts([]config.FeishuAccount{
		{ID: "a", AppID: "x", AppSecret: "y"},
		{ID: "b", AppID: "x", AppSecret: "y", Enabled: &off},
	})
	if len(items) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(items))
	}
	if items[0].Disabled || !items[1].Disabled {
		t.Fatalf("unexpected disabled flags: %v %v", items[0].Disabled, items[1].Disabled)
	}
}

func TestResolveConfiguredBotOpenID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  channel.ChannelConfig
		want string
	}{
		{
			name: "self identity wins",
			cfg: channel.ChannelConfig{
				SelfIdentity:     map[string]any{"open_id": "ou_self_1"},
				ExternalIdentity: "open_id:ou_external_1",
			},
			want: "ou_self_1",
		},
		{name: "external identity", cfg: channel.ChannelConfig{ExternalIdentity: "open_id:ou_external_2"}, want: "ou_external_2"},
		{name: "non open id", cfg: channel.ChannelConfig{ExternalIdentity: "chat_id:oc_group_1"}, want: ""},
		{name: "empty", cfg: channel.ChannelConfig{}, want: ""},
	}
	for _, tc := range cases {
		if got := resolveConfiguredBotOpenID(tc.cfg); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestResolveReceiveID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw       string
		wantID    string
		wantType  string
		shouldErr bool
	}{
		{raw: "open_id:ou_123", wantID: "ou_123", wantType: "open_id"},
		{raw: "user_id:uu_123", wantID: "uu_123", wantType: "user_id"},
		{raw: "chat_id:oc_123", wantID: "oc_123", wantType: "chat_id"},
		{raw: "email:a@example.com", wantID: "a@example.com", wantType: "email"},
		{raw: "oc_456", wantID: "oc_456", wantType: "chat_id"},
		{raw: "ou_999", wantID: "ou_999", wantType: "open_id"},
		{raw: "chat_id: ", shouldErr: true},
		{raw: "", shouldErr: true},
	}
	for _, tc := range cases {
		id, idType, err := resolveReceiveID(tc.raw)
		if tc.shouldErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.raw, err)
		}
		if id != tc.wantID || idType != tc.wantType {
			t.Fatalf("unexpected result for %q: %s %s", tc.raw, id, idType)
		}
	}
}
