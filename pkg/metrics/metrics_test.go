package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Notification("indexed")
		m.DrainCycle("stopped_on_empty")
		m.ReindexEnqueued(10)
		m.QueueDepth(3)
	})
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DrainMessage("processed")
	m.DrainMessage("processed")
	m.ReindexEnqueued(7)
	m.ReindexEnqueued(3)
	m.QueueDepth(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DrainMessagesTotal.WithLabelValues("processed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.ReindexEnqueuedTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RetryQueueDepth))
}
