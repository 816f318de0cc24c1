// Package metrics provides Prometheus metrics for the medication reminder engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MedicationTransitions   *prometheus.CounterVec
	RemindersCreated        prometheus.Counter
	RemindersCanceled       prometheus.Counter
	RemindersSent           prometheus.Counter
	DispatchFailures        prometheus.Counter
	Materializations        *prometheus.CounterVec
	MaterializationDuration prometheus.Histogram
	KafkaMessagesProduced   prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		MedicationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_transitions_total",
			Help: "Medication order lifecycle events by type",
		}, []string{"event"}),
		RemindersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_created_total",
			Help: "Reminder instances created",
		}),
		RemindersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_canceled_total",
			Help: "Reminder instances canceled",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Reminder instances handed to the notification transport",
		}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_dispatch_failures_total",
			Help: "Reminder deliveries that failed and stay pending",
		}),
		Materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_materializations_total",
			Help: "Reminder materialization runs by result",
		}, []string{"result"}),
		MaterializationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_materialization_duration_seconds",
			Help:    "Reminder materialization duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.MedicationTransitions,
		m.RemindersCreated,
		m.RemindersCanceled,
		m.RemindersSent,
		m.DispatchFailures,
		m.Materializations,
		m.MaterializationDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveMaterialization records one materialization run.
func (m *Metrics) ObserveMaterialization(result string, created, canceled int, d time.Duration) {
	if m == nil {
		return
	}
	m.Materializations.WithLabelValues(result).Inc()
	m.MaterializationDuration.Observe(d.Seconds())
	m.RemindersCreated.Add(float64(created))
	m.RemindersCanceled.Add(float64(canceled))
}

// ObserveTransition records a medication lifecycle event.
func (m *Metrics) ObserveTransition(event string) {
	if m == nil {
		return
	}
	m.MedicationTransitions.WithLabelValues(event).Inc()
}

// ObserveDispatch records a reminder delivery attempt.
func (m *Metrics) ObserveDispatch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.RemindersSent.Inc()
		return
	}
	m.DispatchFailures.Inc()
}

// ObserveProduced counts messages written to Kafka.
func (m *Metrics) ObserveProduced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// ObserveConsumed counts messages read from Kafka.
func (m *Metrics) ObserveConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending sets the pending outbox gauge.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a circuit breaker state (0=closed, 1=open, 2=half-open).
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
