package channel

import (
	"context"
	"log/slog"

	"github.com/memohai/feishu-gateway/internal/metrics"
)

// GroupFilterMiddleware applies per-group policy to group messages.
// Direct messages always pass. A group disabled by its override is dropped,
// and when a mention is required the message must address the bot.
func GroupFilterMiddleware(log *slog.Logger, mt *metrics.Metrics) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
			if msg.Conversation.IsDirect() {
				return next(ctx, cfg, msg)
			}
			reason := groupDropReason(cfg, msg)
			if reason == "" {
				return next(ctx, cfg, msg)
			}
			log.Debug("inbound group message dropped",
				slog.String("channel", msg.Channel.String()),
				slog.String("config_id", cfg.ID),
				slog.String("chat_id", msg.Conversation.ID),
				slog.String("reason", reason),
			)
			mt.InboundDropped(msg.Channel.String(), reason)
			return nil
		}
	}
}

func groupDropReason(cfg ChannelConfig, msg InboundMessage) string {
	requireMention := cfg.RequireMention
	if group, ok := cfg.Group(msg.Conversation.ID); ok {
		if group.Enabled != nil && !*group.Enabled {
			return metrics.DropGroupDisabled
		}
		if group.RequireMention != nil {
			requireMention = *group.RequireMention
		}
	}
	if requireMention && !msg.Mentioned() {
		return metrics.DropNotMentioned
	}
	return ""
}
