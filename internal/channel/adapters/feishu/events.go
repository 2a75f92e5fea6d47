package feishu

import (
	"context"
	"log/slog"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/feishu-gateway/internal/channel"
)

// newEventDispatcher builds the SDK event dispatcher shared by websocket and
// webhook inbound. Received messages are normalized and passed to handler;
// handler errors are logged and the event is still acknowledged.
func (a *FeishuAdapter) newEventDispatcher(ctx context.Context, cfg channel.ChannelConfig, feishuCfg Config, botOpenID string, handler channel.InboundHandler) *dispatcher.EventDispatcher {
	eventDispatcher := dispatcher.NewEventDispatcher(feishuCfg.VerificationToken, feishuCfg.EncryptKey)
	eventDispatcher.InitConfig(
		larkevent.WithLogger(newLarkSlogLogger(a.logger)),
		larkevent.WithLogLevel(larkSDKLogLevel),
	)
	eventDispatcher.OnP2MessageReceiveV1(func(eventCtx context.Context, event *larkim.P2MessageReceiveV1) error {
		if ctx.Err() != nil {
			return nil
		}
		return a.handleMessageEvent(eventCtx, cfg, botOpenID, event, handler)
	})
	// Read receipts and reactions are subscribed by default on most apps;
	// registering no-op handlers keeps the SDK from logging missing handlers.
	eventDispatcher.OnP2MessageReadV1(func(context.Context, *larkim.P2MessageReadV1) error {
		return nil
	})
	eventDispatcher.OnP2MessageReactionCreatedV1(func(context.Context, *larkim.P2MessageReactionCreatedV1) error {
		return nil
	})
	eventDispatcher.OnP2MessageReactionDeletedV1(func(context.Context, *larkim.P2MessageReactionDeletedV1) error {
		return nil
	})
	return eventDispatcher
}

func (a *FeishuAdapter) handleMessageEvent(ctx context.Context, cfg channel.ChannelConfig, botOpenID string, event *larkim.P2MessageReceiveV1, handler channel.InboundHandler) error {
	msg, err := parseMessageEvent(event, botOpenID)
	msg.AccountID = cfg.ID
	log := a.logger.With(
		slog.String("config_id", cfg.ID),
		slog.String("message_id", msg.Message.ID),
		slog.String("chat_type", msg.Conversation.Type),
	)
	if err != nil {
		log.Warn("inbound content decode failed", slog.Any("error", err))
	}
	if msg.Message.IsEmpty() {
		log.Info("inbound ignored empty payload", slog.Any("message_type", msg.Metadata["message_type"]))
		return nil
	}
	log.Info("inbound received",
		slog.String("session_key", msg.SessionKey()),
		slog.Bool("is_mentioned", msg.Mentioned()),
		slog.Int("attachments", len(msg.Message.Attachments)),
	)
	if err := handler(context.WithoutCancel(ctx), cfg, msg); err != nil {
		log.Error("handle inbound failed", slog.Any("error", err))
	}
	return nil
}
