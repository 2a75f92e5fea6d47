package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/memohai/feishu-gateway/internal/metrics"
)

func TestDeduperWindow(t *testing.T) {
	t.Parallel()

	d, err := NewDeduper(time.Minute, 16)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	if d.Seen("a") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting must be a duplicate")
	}
	if d.Seen("") || d.Seen("") {
		t.Fatal("empty key must never be a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if d.Seen("a") {
		t.Fatal("expired entry must not be a duplicate")
	}
}

func TestDeduperEvictsOldest(t *testing.T) {
	t.Parallel()

	d, err := NewDeduper(time.Hour, 2)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	d.Seen("a")
	d.Seen("b")
	d.Seen("c")
	if d.Seen("a") {
		t.Fatal("evicted entry must not be a duplicate")
	}
}

func TestDedupMiddleware(t *testing.T) {
	t.Parallel()

	d, err := NewDeduper(time.Minute, 16)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	reg := prometheus.NewRegistry()
	mt := metrics.MustNew(reg)
	calls := 0
	handler := DedupMiddleware(d, nil, mt)(func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
		calls++
		return nil
	})

	ctx := context.Background()
	cfgA := ChannelConfig{ID: "acc-a"}
	cfgB := ChannelConfig{ID: "acc-b"}
	_ = handler(ctx, cfgA, testInbound("om_1"))
	_ = handler(ctx, cfgA, testInbound("om_1"))
	_ = handler(ctx, cfgB, testInbound("om_1"))
	_ = handler(ctx, cfgA, testInbound(""))
	_ = handler(ctx, cfgA, testInbound(""))

	if calls != 4 {
		t.Fatalf("expected 4 handled messages, got %d", calls)
	}
	if got := counterValue(t, reg, "feishu_gateway_inbound_dropped_total", map[string]string{"reason": metrics.DropDuplicate}); got != 1 {
		t.Fatalf("expected 1 duplicate drop, got %v", got)
	}
}

func TestDedupMiddlewareRetriesAfterQueueFull(t *testing.T) {
	t.Parallel()

	d, err := NewDeduper(time.Minute, 16)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	reg := prometheus.NewRegistry()
	mt := metrics.MustNew(reg)
	calls := 0
	handler := DedupMiddleware(d, nil, mt)(func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
		calls++
		if calls == 1 {
			return ErrInboundQueueFull
		}
		return nil
	})

	ctx := context.Background()
	cfg := ChannelConfig{ID: "acc-a"}
	if err := handler(ctx, cfg, testInbound("om_1")); !errors.Is(err, ErrInboundQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if err := handler(ctx, cfg, testInbound("om_1")); err != nil {
		t.Fatalf("redelivery after queue full: %v", err)
	}
	if err := handler(ctx, cfg, testInbound("om_1")); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handled messages, got %d", calls)
	}
	if got := counterValue(t, reg, "feishu_gateway_inbound_dropped_total", map[string]string{"reason": metrics.DropDuplicate}); got != 1 {
		t.Fatalf("expected 1 duplicate drop, got %v", got)
	}
}

func TestDeduperForget(t *testing.T) {
	t.Parallel()

	d, err := NewDeduper(time.Minute, 16)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	d.Seen("a")
	d.Forget("a")
	d.Forget("")
	if d.Seen("a") {
		t.Fatal("forgotten entry must not be a duplicate")
	}
}

// counterValue sums the counters of family name whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			matched := true
			for key, value := range want {
				if labels[key] != value {
					matched = false
					break
				}
			}
			if matched {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}
