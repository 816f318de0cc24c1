package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drfirst/go-medremind/internal/observability/metrics"
)

// Notifier hands a due reminder to the notification transport.
type Notifier interface {
	Notify(ctx context.Context, inst *Instance) error
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Schedule      string
	BatchSize     int
	RatePerSecond float64
	Burst         int
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Schedule:      "@hourly",
		BatchSize:     500,
		RatePerSecond: 50,
		Burst:         10,
	}
}

// Dispatcher periodically sends pending reminders that are due and marks them sent.
type Dispatcher struct {
	store    Store
	notifier Notifier
	config   DispatcherConfig
	limiter  *rate.Limiter
	cron     *cron.Cron
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store Store, notifier Notifier, config DispatcherConfig, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultDispatcherConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	return &Dispatcher{
		store:    store,
		notifier: notifier,
		config:   config,
		limiter:  rate.NewLimiter(limit, config.Burst),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("reminder-dispatcher"),
	}
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.cron.AddFunc(d.config.Schedule, func() { d.runSweep(ctx) }); err != nil {
		return fmt.Errorf("invalid dispatch schedule %q: %w", d.config.Schedule, err)
	}
	d.cron.Start()
	d.logger.Info("Reminder dispatcher started", zap.String("schedule", d.config.Schedule))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("Reminder dispatcher stopped")
}

// runSweep is the cron job. Ticks that fire while a sweep is still running are
// skipped by the cron chain.
func (d *Dispatcher) runSweep(ctx context.Context) {
	if _, err := d.Sweep(ctx); err != nil {
		d.logger.Error("Dispatch sweep failed", zap.Error(err))
	}
}

// Sweep sends every pending reminder due at the current time and returns how
// many were sent. Delivery failures leave the instance pending for the next sweep.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "reminder.dispatch_sweep")
	defer span.End()

	due, err := d.store.ListDue(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list due reminders: %w", err)
	}

	sent := 0
	for _, inst := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := d.notifier.Notify(ctx, inst); err != nil {
			d.metrics.ObserveDispatch(false)
			d.logger.Warn("Failed to send reminder",
				zap.String("reminder_id", inst.ID),
				zap.String("medication_id", inst.MedicationOrderID),
				zap.Error(err),
			)
			continue
		}
		if err := d.store.MarkSent(ctx, inst.ID, d.now()); err != nil {
			d.logger.Error("Failed to mark reminder sent",
				zap.String("reminder_id", inst.ID), zap.Error(err))
			continue
		}
		d.metrics.ObserveDispatch(true)
		sent++
	}

	span.SetAttributes(
		attribute.Int("reminders.due", len(due)),
		attribute.Int("reminders.sent", sent),
	)
	if len(due) > 0 {
		d.logger.Info("Dispatch sweep completed", zap.Int("due", len(due)), zap.Int("sent", sent))
	}
	return sent, nil
}
