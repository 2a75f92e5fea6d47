// Package metrics exposes Prometheus collectors for the channel gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feishu_gateway"

// Drop reasons reported by InboundDropped.
const (
	DropDuplicate     = "duplicate"
	DropGroupDisabled = "group_disabled"
	DropNotMentioned  = "not_mentioned"
	DropQueueFull     = "queue_full"
	DropEmpty         = "empty"
)

// Placeholder outcomes reported by PlaceholderOutcome.
const (
	PlaceholderCreated = "created"
	PlaceholderUpdated = "updated"
	PlaceholderDeleted = "deleted"
	PlaceholderFailed  = "failed"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	inboundReceived  *prometheus.CounterVec
	inboundDropped   *prometheus.CounterVec
	placeholders     *prometheus.CounterVec
	repliesDelivered *prometheus.CounterVec
	dispatchErrors   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// MustNew registers the collectors on reg and panics on a registration conflict.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inboundReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "received_total",
			Help:      "Inbound messages received from the platform.",
		}, []string{"channel"}),
		inboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "dropped_total",
			Help:      "Inbound messages dropped before dispatch.",
		}, []string{"channel", "reason"}),
		placeholders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placeholder",
			Name:      "events_total",
			Help:      "Placeholder lifecycle events.",
		}, []string{"outcome"}),
		repliesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "delivered_total",
			Help:      "Reply payloads delivered to the platform.",
		}, []string{"kind"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "dispatch_errors_total",
			Help:      "Reply dispatches that returned an error.",
		}, []string{"channel"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in the reply dispatcher.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "status"}),
	}
	reg.MustRegister(
		m.inboundReceived,
		m.inboundDropped,
		m.placeholders,
		m.repliesDelivered,
		m.dispatchErrors,
		m.dispatchDuration,
	)
	return m
}

func (m *Metrics) InboundReceived(channel string) {
	if m == nil {
		return
	}
	m.inboundReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) InboundDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.inboundDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) PlaceholderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.placeholders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReplyDelivered(kind string) {
	if m == nil {
		return
	}
	m.repliesDelivered.WithLabelValues(kind).Inc()
}

// ObserveDispatch records one dispatch; err selects the status label.
func (m *Metrics) ObserveDispatch(channel string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		m.dispatchErrors.WithLabelValues(channel).Inc()
	}
	m.dispatchDuration.WithLabelValues(channel, status).Observe(elapsed.Seconds())
}
