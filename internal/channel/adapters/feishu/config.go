package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/config"
)

const (
	domainFeishu = config.DomainFeishu
	domainLark   = config.DomainLark

	connectionModeWebsocket = config.ConnectionModeWebsocket
	connectionModeWebhook   = config.ConnectionModeWebhook
)

// Config holds the Feishu app credentials extracted from a channel configuration.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Domain            string
	ConnectionMode    string
}

func parseConfig(raw map[string]any) (Config, error) {
	appID := strings.TrimSpace(channel.ReadString(raw, "app_id", "appId"))
	appSecret := strings.TrimSpace(channel.ReadString(raw, "app_secret", "appSecret"))
	encryptKey := strings.TrimSpace(channel.ReadString(raw, "encrypt_key", "encryptKey"))
	verificationToken := strings.TrimSpace(channel.ReadString(raw, "verification_token", "verificationToken"))
	domain, err := normalizeDomain(channel.ReadString(raw, "domain", "region"))
	if err != nil {
		return Config{}, err
	}
	mode, err := normalizeConnectionMode(channel.ReadString(raw, "connection_mode", "connectionMode"))
	if err != nil {
		return Config{}, err
	}
	if appID == "" || appSecret == "" {
		return Config{}, fmt.Errorf("feishu app_id and app_secret are required")
	}
	return Config{
		AppID:             appID,
		AppSecret:         appSecret,
		EncryptKey:        encryptKey,
		VerificationToken: verificationToken,
		Domain:            domain,
		ConnectionMode:    mode,
	}, nil
}

func normalizeDomain(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", domainFeishu, "cn", "china":
		return domainFeishu, nil
	case domainLark, "global", "intl", "international":
		return domainLark, nil
	default:
		return "", fmt.Errorf("feishu domain must be feishu or lark")
	}
}

func normalizeConnectionMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", connectionModeWebsocket, "ws":
		return connectionModeWebsocket, nil
	case connectionModeWebhook:
		return connectionModeWebhook, nil
	default:
		return "", fmt.Errorf("feishu connection_mode must be websocket or webhook")
	}
}

func (c Config) openBaseURL() string {
	if c.Domain == domainLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

// ChannelConfigFromAccount resolves a configured account into the channel-level config.
func ChannelConfigFromAccount(account config.FeishuAccount) channel.ChannelConfig {
	credentials := map[string]any{
		"app_id":          strings.TrimSpace(account.AppID),
		"app_secret":      strings.TrimSpace(account.AppSecret),
		"domain":          account.Domain,
		"connection_mode": account.ConnectionMode,
	}
	if v := strings.TrimSpace(account.EncryptKey); v != "" {
		credentials["encrypt_key"] = v
	}
	if v := strings.TrimSpace(account.VerificationToken); v != "" {
		credentials["verification_token"] = v
	}
	cfg := channel.ChannelConfig{
		ID:             strings.TrimSpace(account.ID),
		ChannelType:    Type,
		Credentials:    credentials,
		RequireMention: account.MentionRequired(),
		Disabled:       !account.IsEnabled(),
	}
	if openID := strings.TrimSpace(account.BotOpenID); openID != "" {
		cfg.SelfIdentity = map[string]any{"open_id": openID}
		cfg.ExternalIdentity = "open_id:" + openID
	}
	if len(account.Groups) > 0 {
		cfg.Groups = make(map[string]channel.GroupConfig, len(account.Groups))
		for chatID, group := range account.Groups {
			cfg.Groups[strings.TrimSpace(chatID)] = channel.GroupConfig{
				Enabled:        group.Enabled,
				RequireMention: group.RequireMention,
			}
		}
	}
	return cfg
}

// ChannelConfigsFromAccounts resolves every configured account.
func ChannelConfigsFromAccounts(accounts []config.FeishuAccount) []channel.ChannelConfig {
	items := make([]channel.ChannelConfig, 0, len(accounts))
	for _, account := range accounts {
		items = append(items, ChannelConfigFromAccount(account))
	}
	return items
}

func resolveConfiguredBotOpenID(cfg channel.ChannelConfig) string {
	if value := strings.TrimSpace(channel.ReadString(cfg.SelfIdentity, "open_id", "openId")); value != "" {
		return value
	}
	external := strings.TrimSpace(cfg.ExternalIdentity)
	if strings.HasPrefix(external, "open_id:") {
		return strings.TrimSpace(strings.TrimPrefix(external, "open_id:"))
	}
	return ""
}

// resolveReceiveID splits a delivery target into the Feishu receive id and its type.
// Bare ids are classified by prefix: oc_ is a chat, ou_ an open id.
func resolveReceiveID(target string) (string, string, error) {
	value := strings.TrimSpace(target)
	if value == "" {
		return "", "", fmt.Errorf("feishu target is required")
	}
	for _, prefix := range []string{"chat_id", "open_id", "user_id", "union_id", "email"} {
		if strings.HasPrefix(value, prefix+":") {
			id := strings.TrimSpace(strings.TrimPrefix(value, prefix+":"))
			if id == "" {
				return "", "", fmt.Errorf("feishu target is required")
			}
			return id, prefix, nil
		}
	}
	if strings.HasPrefix(value, "oc_") {
		return value, "chat_id", nil
	}
	return value, "open_id", nil
}
