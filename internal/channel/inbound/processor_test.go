package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/metrics"
	"github.com/memohai/feishu-gateway/internal/reply"
)

const placeholderText = "Thinking..."

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) after(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every pending timer callback, ignoring Stop like a timer that already expired.
func (c *manualClock) fire() {
	c.mu.Lock()
	timers := append([]*manualTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

type sentRecord struct {
	target string
	msg    channel.Message
}

type updateRecord struct {
	messageID string
	msg       channel.Message
}

type fakeSender struct {
	mu              sync.Mutex
	sent            []sentRecord
	updates         []updateRecord
	unsent          []string
	nextID          int
	placeholderErr  error
	updateErr       error
	placeholderSent chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Message.Text == placeholderText && f.placeholderErr != nil {
		return "", f.placeholderErr
	}
	f.nextID++
	f.sent = append(f.sent, sentRecord{target: msg.Target, msg: msg.Message})
	if msg.Message.Text == placeholderText && f.placeholderSent != nil {
		close(f.placeholderSent)
		f.placeholderSent = nil
	}
	return fmt.Sprintf("om_%d", f.nextID), nil
}

func (f *fakeSender) Update(ctx context.Context, target, messageID string, msg channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updateRecord{messageID: messageID, msg: msg})
	return nil
}

func (f *fakeSender) Unsend(ctx context.Context, target, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsent = append(f.unsent, messageID)
	return nil
}

func (f *fakeSender) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, item := range f.sent {
		texts = append(texts, item.msg.Text)
	}
	return texts
}

type harness struct {
	processor *Processor
	clock     *manualClock
	sender    *fakeSender
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, dispatch func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error) *harness {
	t.Helper()
	h := &harness{
		clock:    &manualClock{},
		sender:   &fakeSender{},
		registry: prometheus.NewRegistry(),
	}
	h.metrics = metrics.MustNew(h.registry)
	dispatcher := reply.DispatcherFunc(func(ctx context.Context, rc reply.Context, deliver reply.Deliver) error {
		return dispatch(ctx, rc, deliver, h.clock)
	})
	h.processor = NewProcessor(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		dispatcher,
		PlaceholderOptions{Enabled: true, Delay: time.Second, Text: placeholderText},
		h.metrics,
	)
	h.processor.after = h.clock.after
	return h
}

func (h *harness) handle(t *testing.T, msg channel.InboundMessage) {
	t.Helper()
	err := h.processor.HandleInbound(context.Background(), channel.ChannelConfig{ID: "acc"}, msg, h.sender)
	require.NoError(t, err)
}

func directMessage() channel.InboundMessage {
	return channel.InboundMessage{
		Channel:      "feishu",
		Message:      channel.Message{ID: "om_in", Text: "hello"},
		ReplyTarget:  "oc_chat",
		Sender:       channel.Identity{SubjectID: "ou_user", DisplayName: "User"},
		Conversation: channel.Conversation{ID: "oc_chat", Type: channel.ConversationDirect},
	}
}

func deliverText(text string) func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
	return func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		return deliver(ctx, reply.Payload{Text: text})
	}
}

func slowly(next func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error) func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
	return func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		clock.fire()
		return next(ctx, rc, deliver, clock)
	}
}

func TestFastReplySkipsPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deliverText("hi there"))
	h.handle(t, directMessage())

	assert.Equal(t, []string{"hi there"}, h.sender.sentTexts())
	assert.Empty(t, h.sender.updates)
	assert.Empty(t, h.sender.unsent)

	// a late timer must not create a placeholder
	h.clock.fire()
	assert.Equal(t, []string{"hi there"}, h.sender.sentTexts())
}

func TestSlowReplyUpdatesPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(deliverText("final answer")))
	h.handle(t, directMessage())

	assert.Equal(t, []string{placeholderText}, h.sender.sentTexts())
	require.Len(t, h.sender.updates, 1)
	assert.Equal(t, "om_1", h.sender.updates[0].messageID)
	assert.Equal(t, "final answer", h.sender.updates[0].msg.Text)
	assert.Empty(t, h.sender.unsent)
	assert.Equal(t, 1.0, placeholderCount(t, h, metrics.PlaceholderCreated))
	assert.Equal(t, 1.0, placeholderCount(t, h, metrics.PlaceholderUpdated))
}

func TestSilentPayloadsDeletePlaceholder(t *testing.T) {
	t.Parallel()

	for _, payload := range []reply.Payload{{}, {Text: "NO_REPLY"}, {Text: "  "}} {
		h := newHarness(t, slowly(func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
			return deliver(ctx, payload)
		}))
		h.handle(t, directMessage())

		assert.Equal(t, []string{placeholderText}, h.sender.sentTexts(), "payload %+v", payload)
		assert.Equal(t, []string{"om_1"}, h.sender.unsent, "payload %+v", payload)
		assert.Empty(t, h.sender.updates)
	}
}

func TestSilentPayloadWithoutPlaceholderSendsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deliverText("NO_REPLY"))
	h.handle(t, directMessage())

	assert.Empty(t, h.sender.sentTexts())
	assert.Empty(t, h.sender.unsent)
}

func TestDispatchErrorDeletesPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		return errors.New("agent unavailable")
	}))
	h.handle(t, directMessage())

	assert.Equal(t, []string{placeholderText}, h.sender.sentTexts())
	assert.Equal(t, []string{"om_1"}, h.sender.unsent)
	assert.Equal(t, 1.0, placeholderCount(t, h, metrics.PlaceholderDeleted))
}

func TestUnusedPlaceholderDeletedOnCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		return nil
	}))
	h.handle(t, directMessage())

	assert.Equal(t, []string{"om_1"}, h.sender.unsent)
}

func TestUpdateFailureFallsBackToNewMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(deliverText("final answer")))
	h.sender.updateErr = errors.New("message too old")
	h.handle(t, directMessage())

	assert.Equal(t, []string{placeholderText, "final answer"}, h.sender.sentTexts())
	assert.Equal(t, []string{"om_1"}, h.sender.unsent)
}

func TestMediaPayloadReplacesPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		return deliver(ctx, reply.Payload{Text: "chart", MediaURL: "https://cdn.example.com/chart.png?sig=1"})
	}))
	h.handle(t, directMessage())

	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, []string{"om_1"}, h.sender.unsent)
	media := h.sender.sent[1].msg
	assert.Equal(t, "chart", media.Text)
	require.Len(t, media.Attachments, 1)
	assert.Equal(t, channel.AttachmentImage, media.Attachments[0].Type)
	assert.Equal(t, "chart.png", media.Attachments[0].Name)
}

func TestPlaceholderSendFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(deliverText("final answer")))
	h.sender.placeholderErr = errors.New("rate limited")
	h.handle(t, directMessage())

	assert.Equal(t, []string{"final answer"}, h.sender.sentTexts())
	assert.Empty(t, h.sender.updates)
	assert.Empty(t, h.sender.unsent)
	assert.Equal(t, 1.0, placeholderCount(t, h, metrics.PlaceholderFailed))
}

func TestMultiplePayloadsOnlyFirstUsesPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		if err := deliver(ctx, reply.Payload{Text: "part one"}); err != nil {
			return err
		}
		return deliver(ctx, reply.Payload{Text: "part two"})
	}))
	h.handle(t, directMessage())

	require.Len(t, h.sender.updates, 1)
	assert.Equal(t, "part one", h.sender.updates[0].msg.Text)
	assert.Equal(t, []string{placeholderText, "part two"}, h.sender.sentTexts())
}

func TestGroupRepliesQuoteInboundMessage(t *testing.T) {
	t.Parallel()

	var got reply.Context
	h := newHarness(t, func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		got = rc
		return deliver(ctx, reply.Payload{Text: "ok"})
	})
	msg := directMessage()
	msg.Conversation = channel.Conversation{ID: "oc_group", Type: channel.ConversationGroup}
	msg.ReplyTarget = "chat_id:oc_group"
	msg.Metadata = map[string]any{"is_mentioned": true}
	h.handle(t, msg)

	require.Len(t, h.sender.sent, 1)
	sent := h.sender.sent[0]
	assert.Equal(t, "chat_id:oc_group", sent.target)
	require.NotNil(t, sent.msg.Reply)
	assert.Equal(t, "om_in", sent.msg.Reply.MessageID)

	assert.True(t, got.IsGroup)
	assert.True(t, got.WasMentioned)
	assert.Equal(t, "acc", got.AccountID)
	assert.Equal(t, "feishu:acc:oc_group:ou_user", got.SessionKey)
}

func TestEmptyInboundIsDropped(t *testing.T) {
	t.Parallel()

	called := false
	h := newHarness(t, func(ctx context.Context, rc reply.Context, deliver reply.Deliver, clock *manualClock) error {
		called = true
		return nil
	})
	msg := directMessage()
	msg.Message.Text = " "
	h.handle(t, msg)
	assert.False(t, called)
}

func TestPlaceholderWithRealTimer(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{placeholderSent: make(chan struct{})}
	wait := sender.placeholderSent
	dispatcher := reply.DispatcherFunc(func(ctx context.Context, rc reply.Context, deliver reply.Deliver) error {
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
			return errors.New("placeholder never sent")
		}
		return deliver(ctx, reply.Payload{Text: "done"})
	})
	p := NewProcessor(slog.New(slog.NewTextHandler(io.Discard, nil)), dispatcher,
		PlaceholderOptions{Enabled: true, Delay: 10 * time.Millisecond, Text: placeholderText}, nil)

	require.NoError(t, p.HandleInbound(context.Background(), channel.ChannelConfig{ID: "acc"}, directMessage(), sender))
	require.Len(t, sender.updates, 1)
	assert.Equal(t, "done", sender.updates[0].msg.Text)
}

func TestPlaceholderDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowly(deliverText("answer")))
	h.processor.placeholder.Enabled = false
	h.handle(t, directMessage())

	assert.Equal(t, []string{"answer"}, h.sender.sentTexts())
}

func TestAttachmentTypeFromURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, channel.AttachmentImage, attachmentTypeFromURL("https://x/a.JPG"))
	assert.Equal(t, channel.AttachmentVideo, attachmentTypeFromURL("https://x/a.mp4?x=1"))
	assert.Equal(t, channel.AttachmentAudio, attachmentTypeFromURL("https://x/a.opus"))
	assert.Equal(t, channel.AttachmentFile, attachmentTypeFromURL("https://x/report.pdf"))
}

func placeholderCount(t *testing.T, h *harness, outcome string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	value := 0.0
	for _, family := range families {
		if family.GetName() != "feishu_gateway_placeholder_events_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					value += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return value
}
