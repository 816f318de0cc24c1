package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObserveMaterialization(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveMaterialization("reconciled", 14, 3, 10*time.Millisecond)
	m.ObserveMaterialization("noop", 0, 0, time.Millisecond)

	assert.Equal(t, 14.0, testutil.ToFloat64(m.RemindersCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RemindersCanceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Materializations.WithLabelValues("noop")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMaterialization("noop", 0, 0, 0)
		m.ObserveTransition("MedicationCreated")
		m.ObserveDispatch(true)
		m.SetOutboxPending(3)
	})
}
