// Package feishu implements the Feishu/Lark channel adapter: websocket and
// webhook inbound, and message send, edit and delete through the open API.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/media"
)

// Type is the registered channel type for Feishu/Lark.
const Type channel.ChannelType = "feishu"

const reconnectDelay = 3 * time.Second

// FeishuAdapter implements channel.Adapter, channel.Sender, channel.MessageEditor,
// channel.SelfDiscoverer, channel.InboundEnricher and channel.Receiver for Feishu.
type FeishuAdapter struct {
	logger       *slog.Logger
	fetcher      *media.Fetcher
	profiles     *profileCache
	newMessenger func(Config) messenger

	mu         sync.Mutex
	messengers map[string]messenger
	botIDs     map[string]string
}

// NewFeishuAdapter creates a FeishuAdapter with the given logger.
func NewFeishuAdapter(log *slog.Logger) *FeishuAdapter {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", "feishu"))
	return &FeishuAdapter{
		logger:       logger,
		fetcher:      media.NewFetcher(nil, media.MaxAttachmentBytes),
		profiles:     newProfileCache(defaultProfileCacheSize, defaultProfileTTL),
		newMessenger: func(cfg Config) messenger { return newSDKMessenger(cfg, logger) },
		messengers:   map[string]messenger{},
		botIDs:       map[string]string{},
	}
}

// Type returns the Feishu channel type.
func (a *FeishuAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Feishu channel metadata.
func (a *FeishuAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Feishu",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			RichText:    true,
			Attachments: true,
			Reply:       true,
			Edit:        true,
			Unsend:      true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: channel.DefaultTextChunkLimit,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

// messengerFor returns the API client for the app, creating it on first use.
// Clients are shared per app so the SDK token cache is reused.
func (a *FeishuAdapter) messengerFor(cfg Config) messenger {
	key := cfg.Domain + ":" + cfg.AppID + ":" + cfg.AppSecret
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.messengers[key]; ok {
		return m
	}
	m := a.newMessenger(cfg)
	a.messengers[key] = m
	return m
}

func (a *FeishuAdapter) clientFor(cfg channel.ChannelConfig) (messenger, error) {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Error("decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	return a.messengerFor(feishuCfg), nil
}

// DiscoverSelf retrieves the bot's own identity from the bot info API.
func (a *FeishuAdapter) DiscoverSelf(ctx context.Context, credentials map[string]any) (map[string]any, string, error) {
	feishuCfg, err := parseConfig(credentials)
	if err != nil {
		return nil, "", err
	}
	info, err := a.messengerFor(feishuCfg).BotInfo(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("feishu discover self: %w", err)
	}
	if info.OpenID == "" {
		return nil, "", fmt.Errorf("feishu discover self: empty open_id")
	}
	identity := map[string]any{"open_id": info.OpenID}
	if info.AppName != "" {
		identity["name"] = info.AppName
	}
	if info.AvatarURL != "" {
		identity["avatar_url"] = info.AvatarURL
	}
	return identity, "open_id:" + info.OpenID, nil
}

// resolveBotOpenID prefers the configured identity and falls back to discovery.
// Discovered ids are cached per app so webhook events do not hit the bot info API.
func (a *FeishuAdapter) resolveBotOpenID(ctx context.Context, cfg channel.ChannelConfig) string {
	if openID := resolveConfiguredBotOpenID(cfg); openID != "" {
		return openID
	}
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Warn("discover self fallback failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return ""
	}
	key := feishuCfg.Domain + ":" + feishuCfg.AppID
	a.mu.Lock()
	cached, ok := a.botIDs[key]
	a.mu.Unlock()
	if ok {
		return cached
	}

	discovered, externalID, err := a.DiscoverSelf(ctx, cfg.Credentials)
	if err != nil {
		a.logger.Warn("discover self fallback failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return ""
	}
	openID := strings.TrimSpace(channel.ReadString(discovered, "open_id"))
	if openID == "" {
		openID = resolveConfiguredBotOpenID(channel.ChannelConfig{ExternalIdentity: externalID})
	}
	if openID != "" {
		a.mu.Lock()
		a.botIDs[key] = openID
		a.mu.Unlock()
	}
	return openID
}

// Connect starts the websocket long connection for cfg. In webhook mode events
// arrive over HTTP and the returned connection only tracks lifecycle.
func (a *FeishuAdapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Error("decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	if feishuCfg.ConnectionMode == connectionModeWebhook {
		a.logger.Info("webhook mode enabled; websocket connect skipped", slog.String("config_id", cfg.ID))
		return channel.NewConnection(cfg, func(context.Context) error { return nil }), nil
	}
	botOpenID := a.resolveBotOpenID(ctx, cfg)
	a.logger.Info("bot identity", slog.String("config_id", cfg.ID), slog.String("bot_open_id", botOpenID))

	connCtx, cancel := context.WithCancel(ctx)
	newClient := func() *larkws.Client {
		return larkws.NewClient(
			feishuCfg.AppID,
			feishuCfg.AppSecret,
			larkws.WithEventHandler(a.newEventDispatcher(connCtx, cfg, feishuCfg, botOpenID, handler)),
			larkws.WithDomain(feishuCfg.openBaseURL()),
			larkws.WithLogger(newLarkSlogLogger(a.logger)),
			larkws.WithLogLevel(larkSDKLogLevel),
		)
	}

	go func() {
		for {
			if connCtx.Err() != nil {
				return
			}
			err := newClient().Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				a.logger.Error("client start failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			} else {
				a.logger.Warn("client exited without error; reconnecting", slog.String("config_id", cfg.ID))
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	stop := func(context.Context) error {
		cancel()
		return nil
	}
	return channel.NewConnection(cfg, stop), nil
}

// Send delivers an outbound message and returns the id of the last message created.
// Attachments are uploaded and sent after the text.
func (a *FeishuAdapter) Send(ctx context.Context, cfg channel.ChannelConfig, msg channel.OutboundMessage) (string, error) {
	client, err := a.clientFor(cfg)
	if err != nil {
		return "", err
	}
	receiveID, receiveType, err := resolveReceiveID(msg.Target)
	if err != nil {
		return "", err
	}
	replyTo := ""
	if msg.Message.Reply != nil {
		replyTo = strings.TrimSpace(msg.Message.Reply.MessageID)
	}
	deliver := func(msgType, content string) (string, error) {
		if replyTo != "" {
			return client.ReplyMessage(ctx, replyTo, msgType, content)
		}
		return client.CreateMessage(ctx, receiveType, receiveID, msgType, content)
	}

	lastID := ""
	if strings.TrimSpace(msg.Message.PlainText()) != "" {
		msgType, content, err := buildContent(msg.Message)
		if err != nil {
			return "", err
		}
		lastID, err = deliver(msgType, content)
		if err != nil {
			a.logger.Error("send message failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return "", err
		}
	}
	for _, att := range msg.Message.Attachments {
		msgType, content, err := a.uploadAttachment(ctx, client, att)
		if err != nil {
			return "", err
		}
		id, err := deliver(msgType, content)
		if err != nil {
			a.logger.Error("send attachment failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			return "", err
		}
		lastID = id
	}
	if lastID == "" && len(msg.Message.Attachments) == 0 {
		return "", fmt.Errorf("message is required")
	}
	return lastID, nil
}

// Update replaces the content of a previously sent text or post message.
func (a *FeishuAdapter) Update(ctx context.Context, cfg channel.ChannelConfig, _ string, messageID string, msg channel.Message) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("feishu message id is required")
	}
	client, err := a.clientFor(cfg)
	if err != nil {
		return err
	}
	msgType, content, err := buildContent(msg)
	if err != nil {
		return err
	}
	return client.UpdateMessage(ctx, messageID, msgType, content)
}

// Unsend recalls a message sent by the bot.
func (a *FeishuAdapter) Unsend(ctx context.Context, cfg channel.ChannelConfig, _ string, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("feishu message id is required")
	}
	client, err := a.clientFor(cfg)
	if err != nil {
		return err
	}
	return client.DeleteMessage(ctx, messageID)
}

// buildContent renders msg as a text message, or as a post when it carries
// several rich parts.
func buildContent(msg channel.Message) (string, string, error) {
	if len(msg.Parts) > 1 {
		content, err := buildPostContent(msg)
		return larkim.MsgTypePost, content, err
	}
	text := strings.TrimSpace(msg.PlainText())
	if text == "" {
		return "", "", fmt.Errorf("message is required")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal text content: %w", err)
	}
	return larkim.MsgTypeText, string(payload), nil
}

func buildPostContent(msg channel.Message) (string, error) {
	type postContent struct {
		ZhCn struct {
			Title   string  `json:"title"`
			Content [][]any `json:"content"`
		} `json:"zh_cn"`
	}

	line := []any{}
	for _, part := range msg.Parts {
		text := strings.TrimSpace(part.Text)
		switch part.Type {
		case channel.MessagePartText:
			if text != "" {
				line = append(line, map[string]any{"tag": "text", "text": text})
			}
		case channel.MessagePartLink:
			url := strings.TrimSpace(part.URL)
			if text == "" {
				text = url
			}
			if url != "" {
				line = append(line, map[string]any{"tag": "a", "text": text, "href": url})
			}
		case channel.MessagePartCodeBlock:
			if text != "" {
				line = append(line, map[string]any{"tag": "text", "text": "```" + strings.TrimSpace(part.Language) + "\n" + text + "\n```"})
			}
		case channel.MessagePartMention:
			if userID := strings.TrimSpace(part.UserID); userID != "" {
				line = append(line, map[string]any{"tag": "at", "user_id": userID})
			} else if text != "" {
				line = append(line, map[string]any{"tag": "text", "text": "@" + text})
			}
		}
	}
	if len(line) == 0 {
		if text := strings.TrimSpace(msg.PlainText()); text != "" {
			line = append(line, map[string]any{"tag": "text", "text": text})
		}
	}
	var pc postContent
	pc.ZhCn.Content = [][]any{line}
	payload, err := json.Marshal(pc)
	return string(payload), err
}
