package notify

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncConnectAttempt()
	m.ObserveOpened()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))

	m.ObserveFailure("closed")
	m.ObserveRetry(2)
	m.IncMessage(OutcomeDelivered)
	m.IncMessage(OutcomeDelivered)
	m.IncMessage(OutcomeMalformed)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionFailures.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesScheduled))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues(OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(OutcomeMalformed)))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncConnectAttempt()
		m.ObserveOpened()
		m.ObserveFailure("x")
		m.IncReconnect()
		m.ObserveRetry(1)
		m.IncStop()
		m.SetDisconnected()
		m.IncMessage(OutcomeDuplicate)
	})
}

func TestMetrics_TwoInstancesSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
