package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/healthcheck"
)

type fakeConnectionObserver struct {
	items []channel.ConnectionStatus
}

func (f *fakeConnectionObserver) ConnectionStatuses() []channel.ConnectionStatus {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{ConfigID: "sales", ChannelType: channel.ChannelType("feishu"), Running: false, LastError: "connect timeout", UpdatedAt: now},
			{ConfigID: "main", ChannelType: channel.ChannelType("feishu"), Running: true, UpdatedAt: now},
		},
	})

	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(items))
	}
	if items[0].ID != "channel.connection.main" || items[1].ID != "channel.connection.sales" {
		t.Fatalf("expected checks sorted by config id, got %s, %s", items[0].ID, items[1].ID)
	}
	if items[0].Status != healthcheck.StatusOK || items[0].Subtitle != "feishu (main)" {
		t.Fatalf("unexpected ok check: %#v", items[0])
	}
	if items[1].Status != healthcheck.StatusError || items[1].Detail != "connect timeout" {
		t.Fatalf("unexpected error check: %#v", items[1])
	}
	if items[1].Summary != "Channel feishu connection failed." {
		t.Fatalf("unexpected summary: %s", items[1].Summary)
	}
	if _, ok := items[0].Metadata["updated_at"]; !ok {
		t.Fatal("expected updated_at metadata")
	}
}

func TestCheckerDownWithoutError(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{{ChannelType: channel.ChannelType("feishu")}},
	})
	items := checker.ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected 1 check, got %d", len(items))
	}
	if items[0].ID != "channel.connection.unknown_1" || items[0].Summary != "Channel feishu connection is down." {
		t.Fatalf("unexpected check: %#v", items[0])
	}
	if _, ok := items[0].Metadata["updated_at"]; ok {
		t.Fatal("expected no updated_at for zero time")
	}
}

func TestCheckerNilObserver(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, nil).ListChecks(context.Background())
	if len(items) != 1 || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected warn check, got %#v", items)
	}
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{{ConfigID: "main", Running: true}},
	})
	if items := checker.ListChecks(ctx); len(items) != 0 {
		t.Fatalf("expected no checks, got %d", len(items))
	}
}

func TestCheckerFeedsReport(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{ConfigID: "main", ChannelType: channel.ChannelType("feishu"), Running: true},
			{ConfigID: "backup", ChannelType: channel.ChannelType("feishu"), LastError: "bad secret"},
		},
	})
	report := healthcheck.Collect(context.Background(), checker)
	if report.Healthy() || report.Status != healthcheck.StatusError {
		t.Fatalf("expected unhealthy report, got %#v", report)
	}
}
