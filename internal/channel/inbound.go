package channel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/memohai/feishu-gateway/internal/metrics"
)

// ErrInboundQueueFull is returned when the worker pool cannot accept more messages.
var ErrInboundQueueFull = errors.New("inbound queue full")

type inboundTask struct {
	ctx context.Context
	cfg ChannelConfig
	msg InboundMessage
}

// HandleInbound runs the middleware chain for msg and enqueues accepted messages
// for asynchronous processing by the worker pool. Adapters and webhook handlers
// call it for every platform event.
func (m *Manager) HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.metrics.InboundReceived(msg.Channel.String())
	handler := InboundHandler(m.enqueueInbound)
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		handler = m.middlewares[i](handler)
	}
	return handler(ctx, cfg, msg)
}

func (m *Manager) enqueueInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
	if m.processor == nil {
		return errors.New("inbound processor not configured")
	}
	m.startInboundWorkers(ctx)
	if m.inboundCtx.Err() != nil {
		return errors.New("inbound dispatcher stopped")
	}
	task := inboundTask{
		ctx: context.WithoutCancel(ctx),
		cfg: cfg,
		msg: msg,
	}
	select {
	case m.inboundQueue <- task:
		return nil
	default:
		m.metrics.InboundDropped(msg.Channel.String(), metrics.DropQueueFull)
		return ErrInboundQueueFull
	}
}

func (m *Manager) processInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
	if enricher, ok := m.registry.GetInboundEnricher(cfg.ChannelType); ok {
		enricher.EnrichInbound(ctx, cfg, &msg)
	}
	sender := m.newReplySender(cfg)
	return m.processor.HandleInbound(ctx, cfg, msg, sender)
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		workerCtx := context.Background()
		if ctx != nil {
			workerCtx = context.WithoutCancel(ctx)
		}
		m.inboundCtx, m.inboundCancel = context.WithCancel(workerCtx)
		for i := 0; i < m.inboundWorkers; i++ {
			go m.runInboundWorker(m.inboundCtx)
		}
	})
}

func (m *Manager) runInboundWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.inboundQueue:
			if err := m.processInbound(task.ctx, task.cfg, task.msg); err != nil {
				m.logger.Error("inbound processing failed",
					slog.String("channel", task.msg.Channel.String()),
					slog.String("config_id", task.cfg.ID),
					slog.String("message_id", task.msg.Message.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}
