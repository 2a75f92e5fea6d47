// Package inbound turns accepted channel messages into replies: it builds the
// reply context, runs the dispatcher and manages the "thinking" placeholder.
package inbound

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/metrics"
	"github.com/memohai/feishu-gateway/internal/reply"
)

// PlaceholderOptions controls the interim message sent while a reply is pending.
type PlaceholderOptions struct {
	Enabled bool
	Delay   time.Duration
	Text    string
}

// Processor implements channel.InboundProcessor on top of a reply.Dispatcher.
type Processor struct {
	dispatcher  reply.Dispatcher
	placeholder PlaceholderOptions
	logger      *slog.Logger
	metrics     *metrics.Metrics
	after       afterFunc
}

// NewProcessor creates a Processor. A nil metrics value disables accounting.
func NewProcessor(log *slog.Logger, dispatcher reply.Dispatcher, opts PlaceholderOptions, mt *metrics.Metrics) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if strings.TrimSpace(opts.Text) == "" {
		opts.Text = "Thinking..."
	}
	return &Processor{
		dispatcher:  dispatcher,
		placeholder: opts,
		logger:      log.With(slog.String("component", "inbound")),
		metrics:     mt,
		after:       realAfterFunc,
	}
}

// HandleInbound dispatches msg and delivers the resulting payloads through sender.
// Dispatch failures are logged and counted; they are not returned.
func (p *Processor) HandleInbound(ctx context.Context, cfg channel.ChannelConfig, msg channel.InboundMessage, sender channel.ReplySender) error {
	if p.dispatcher == nil {
		return nil
	}
	log := p.logger.With(
		slog.String("channel", msg.Channel.String()),
		slog.String("config_id", cfg.ID),
		slog.String("message_id", msg.Message.ID),
		slog.String("chat_id", msg.Conversation.ID),
	)
	if msg.Message.IsEmpty() {
		log.Debug("inbound message has no content")
		p.metrics.InboundDropped(msg.Channel.String(), metrics.DropEmpty)
		return nil
	}
	target := strings.TrimSpace(msg.ReplyTarget)
	if target == "" {
		target = strings.TrimSpace(msg.Conversation.ID)
	}
	var replyRef *channel.ReplyRef
	if !msg.Conversation.IsDirect() && strings.TrimSpace(msg.Message.ID) != "" {
		replyRef = &channel.ReplyRef{MessageID: msg.Message.ID}
	}

	d := &delivery{
		processor: p,
		log:       log,
		sender:    sender,
		target:    target,
		replyRef:  replyRef,
	}
	d.placeholder = p.newPlaceholder(ctx, d)
	defer d.finalize(ctx)

	started := time.Now()
	err := p.dispatcher.Dispatch(ctx, buildReplyContext(cfg, msg), d.deliver)
	p.metrics.ObserveDispatch(msg.Channel.String(), time.Since(started), err)
	if err != nil {
		log.Error("reply dispatch failed", slog.Any("error", err))
	}
	return nil
}

func (p *Processor) newPlaceholder(ctx context.Context, d *delivery) *placeholder {
	if !p.placeholder.Enabled {
		return startPlaceholder(ctx, 0, p.after, nil, nil)
	}
	send := func(ctx context.Context) (string, error) {
		id, err := d.sender.Send(ctx, channel.OutboundMessage{
			Target: d.target,
			Message: channel.Message{
				Format: channel.MessageFormatPlain,
				Text:   p.placeholder.Text,
				Reply:  d.replyRef,
			},
		})
		if err == nil {
			p.metrics.PlaceholderOutcome(metrics.PlaceholderCreated)
		}
		return id, err
	}
	failed := func(err error) {
		p.metrics.PlaceholderOutcome(metrics.PlaceholderFailed)
		d.log.Warn("placeholder send failed", slog.Any("error", err))
	}
	return startPlaceholder(ctx, p.placeholder.Delay, p.after, send, failed)
}

// delivery holds the per-message state shared by the deliver callback and finalize.
type delivery struct {
	processor   *Processor
	log         *slog.Logger
	sender      channel.ReplySender
	target      string
	replyRef    *channel.ReplyRef
	placeholder *placeholder
}

func (d *delivery) deliver(ctx context.Context, payload reply.Payload) error {
	mt := d.processor.metrics
	if payload.IsSilent() {
		d.removePlaceholder(ctx, d.placeholder.claim())
		return nil
	}

	if media := payload.Media(); len(media) > 0 {
		d.removePlaceholder(ctx, d.placeholder.claim())
		msg := channel.Message{
			Format:      channel.MessageFormatMarkdown,
			Text:        strings.TrimSpace(payload.Text),
			Attachments: attachmentsFromURLs(media),
			Reply:       d.replyRef,
		}
		if _, err := d.sender.Send(ctx, channel.OutboundMessage{Target: d.target, Message: msg}); err != nil {
			return err
		}
		mt.ReplyDelivered("media")
		return nil
	}

	msg := channel.Message{
		Format: channel.MessageFormatMarkdown,
		Text:   strings.TrimSpace(payload.Text),
		Reply:  d.replyRef,
	}
	if id := d.placeholder.claim(); id != "" {
		err := d.sender.Update(ctx, d.target, id, msg)
		if err == nil {
			mt.PlaceholderOutcome(metrics.PlaceholderUpdated)
			mt.ReplyDelivered("text")
			return nil
		}
		d.log.Warn("placeholder update failed, sending new message", slog.String("placeholder_id", id), slog.Any("error", err))
		d.removePlaceholder(ctx, id)
	}
	if _, err := d.sender.Send(ctx, channel.OutboundMessage{Target: d.target, Message: msg}); err != nil {
		return err
	}
	mt.ReplyDelivered("text")
	return nil
}

// finalize removes a placeholder that no payload claimed.
func (d *delivery) finalize(ctx context.Context) {
	d.removePlaceholder(context.WithoutCancel(ctx), d.placeholder.claim())
}

func (d *delivery) removePlaceholder(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := d.sender.Unsend(ctx, d.target, id); err != nil {
		d.processor.metrics.PlaceholderOutcome(metrics.PlaceholderFailed)
		d.log.Warn("placeholder delete failed", slog.String("placeholder_id", id), slog.Any("error", err))
		return
	}
	d.processor.metrics.PlaceholderOutcome(metrics.PlaceholderDeleted)
}

func buildReplyContext(cfg channel.ChannelConfig, msg channel.InboundMessage) reply.Context {
	rc := reply.Context{
		AccountID:    cfg.ID,
		Channel:      msg.Channel.String(),
		ChatID:       msg.Conversation.ID,
		ChatType:     msg.Conversation.Type,
		IsGroup:      !msg.Conversation.IsDirect(),
		ThreadID:     msg.Conversation.ThreadID,
		SenderID:     msg.Sender.SubjectID,
		SenderName:   msg.Sender.DisplayName,
		MessageID:    msg.Message.ID,
		Text:         msg.Message.PlainText(),
		WasMentioned: msg.Mentioned(),
		SessionKey:   msg.SessionKey(),
		ReceivedAt:   msg.ReceivedAt,
	}
	if msg.Message.Reply != nil {
		rc.ReplyToID = msg.Message.Reply.MessageID
	}
	for _, att := range msg.Message.Attachments {
		if ref := att.Reference(); ref != "" {
			rc.MediaRefs = append(rc.MediaRefs, ref)
		}
	}
	return rc
}

func attachmentsFromURLs(urls []string) []channel.Attachment {
	items := make([]channel.Attachment, 0, len(urls))
	for _, u := range urls {
		items = append(items, channel.Attachment{
			Type: attachmentTypeFromURL(u),
			URL:  u,
			Name: path.Base(strings.SplitN(u, "?", 2)[0]),
		})
	}
	return items
}

func attachmentTypeFromURL(raw string) channel.AttachmentType {
	ext := strings.ToLower(path.Ext(strings.SplitN(raw, "?", 2)[0]))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".ico", ".tiff":
		return channel.AttachmentImage
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return channel.AttachmentVideo
	case ".mp3", ".opus", ".ogg", ".wav", ".m4a", ".aac":
		return channel.AttachmentAudio
	default:
		return channel.AttachmentFile
	}
}
