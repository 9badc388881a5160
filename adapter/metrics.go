package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectAttempts    prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	ConnectionFailures *prometheus.CounterVec
	Reconnects         prometheus.Counter
	RetriesScheduled   prometheus.Counter
	Stops              prometheus.Counter
	Connected          prometheus.Gauge
	Messages           *prometheus.CounterVec
	RetryDelaySeconds  prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectAttempts:    f.NewCounter(prometheus.CounterOpts{Name: "notify_connect_attempts_total", Help: "Connection attempts started"}),
		ConnectionsOpened:  f.NewCounter(prometheus.CounterOpts{Name: "notify_connections_opened_total", Help: "Connections that reached CONNECTED"}),
		ConnectionFailures: f.NewCounterVec(prometheus.CounterOpts{Name: "notify_connection_failures_total", Help: "Connection failures by reason"}, []string{"reason"}),
		Reconnects:         f.NewCounter(prometheus.CounterOpts{Name: "notify_reconnects_total", Help: "Recovered connections"}),
		RetriesScheduled:   f.NewCounter(prometheus.CounterOpts{Name: "notify_retries_scheduled_total", Help: "Retry timers scheduled"}),
		Stops:              f.NewCounter(prometheus.CounterOpts{Name: "notify_stops_total", Help: "Times the client gave up after consecutive failures"}),
		Connected:          f.NewGauge(prometheus.GaugeOpts{Name: "notify_connected", Help: "1 while a connection is open"}),
		Messages:           f.NewCounterVec(prometheus.CounterOpts{Name: "notify_messages_total", Help: "Inbound messages by outcome"}, []string{"outcome"}),
		RetryDelaySeconds:  f.NewHistogram(prometheus.HistogramOpts{Name: "notify_retry_delay_seconds", Help: "Scheduled retry delays", Buckets: prometheus.ExponentialBuckets(1, 2, 8)}),
	}
}

// Message outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeForeign   = "foreign"
)

func (m *Metrics) IncConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// ObserveOpened records a successful open and flips the connected gauge
func (m *Metrics) ObserveOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.Connected.Set(1)
}

// ObserveFailure records a lost or refused connection
func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectionFailures.WithLabelValues(reason).Inc()
	m.Connected.Set(0)
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// ObserveRetry records a scheduled retry and its delay
func (m *Metrics) ObserveRetry(delaySeconds float64) {
	if m == nil {
		return
	}
	m.RetriesScheduled.Inc()
	m.RetryDelaySeconds.Observe(delaySeconds)
}

func (m *Metrics) IncStop() {
	if m == nil {
		return
	}
	m.Stops.Inc()
}

// SetDisconnected clears the connected gauge
func (m *Metrics) SetDisconnected() {
	if m == nil {
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) IncMessage(outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(outcome).Inc()
}
