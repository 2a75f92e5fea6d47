package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memohai/feishu-gateway/internal/metrics"
)

const (
	defaultDedupWindow     = 10 * time.Minute
	defaultDedupMaxEntries = 2048
)

// Deduper remembers recently seen message ids for a bounded window.
// Platforms redeliver events on slow acknowledgement, and both the websocket
// and the webhook transport may observe the same message.
type Deduper struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, time.Time]
	window time.Duration
	now    func() time.Time
}

// NewDeduper creates a Deduper holding at most maxEntries ids for window.
func NewDeduper(window time.Duration, maxEntries int) (*Deduper, error) {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	cache, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("message deduper init: %w", err)
	}
	return &Deduper{cache: cache, window: window, now: time.Now}, nil
}

// Seen records key and reports whether it was already recorded within the window.
// Empty keys are never considered duplicates.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if ts, ok := d.cache.Get(key); ok {
		if now.Sub(ts) <= d.window {
			return true
		}
		d.cache.Remove(key)
	}
	d.cache.Add(key, now)
	return false
}

// Forget removes key so a later delivery of the same id is accepted again.
func (d *Deduper) Forget(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
}

// DedupMiddleware drops inbound messages whose id was already accepted for the same account.
// Ids rejected by a full inbound queue are forgotten so redeliveries get another chance.
func DedupMiddleware(d *Deduper, log *slog.Logger, mt *metrics.Metrics) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
			id := strings.TrimSpace(msg.Message.ID)
			if id == "" || d == nil {
				return next(ctx, cfg, msg)
			}
			key := cfg.ID + ":" + id
			if d.Seen(key) {
				log.Debug("inbound duplicate dropped",
					slog.String("channel", msg.Channel.String()),
					slog.String("config_id", cfg.ID),
					slog.String("message_id", id),
				)
				mt.InboundDropped(msg.Channel.String(), metrics.DropDuplicate)
				return nil
			}
			err := next(ctx, cfg, msg)
			if errors.Is(err, ErrInboundQueueFull) {
				d.Forget(key)
			}
			return err
		}
	}
}
