package reminder

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
)

// Result summarizes one materialization run.
type Result struct {
	Created  int
	Canceled int
}

// Noop reports whether the run changed nothing.
func (r Result) Noop() bool { return r.Created == 0 && r.Canceled == 0 }

// Materializer reconciles an order's reminder instances with its schedule.
type Materializer struct {
	store    Store
	executor *Executor
	loc      *time.Location
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewMaterializer creates a materializer placing dosing times in loc (UTC when nil).
func NewMaterializer(store Store, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Materializer{
		store:    store,
		executor: NewExecutor(store, nil),
		loc:      loc,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("reminder"),
	}
}

// Materialize plans and applies the commands for o. Running it twice in a row
// leaves the store unchanged on the second run.
func (m *Materializer) Materialize(ctx context.Context, o *medication.Order) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "reminder.materialize",
		trace.WithAttributes(
			attribute.String("medication.id", o.ID),
			attribute.String("medication.status", string(o.Status)),
		))
	defer span.End()
	start := time.Now()

	existing, err := m.store.ListByMedication(ctx, o.ID, StatusPending, StatusSent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.ObserveMaterialization("failed", 0, 0, time.Since(start))
		return Result{}, fmt.Errorf("list reminders: %w", err)
	}

	cmds := Plan(o, existing, m.loc)
	span.SetAttributes(attribute.Int("reminder.commands", len(cmds)))
	if len(cmds) == 0 {
		m.metrics.ObserveMaterialization("noop", 0, 0, time.Since(start))
		return Result{}, nil
	}

	created, canceled, err := m.executor.Execute(ctx, o, cmds)
	res := Result{Created: created, Canceled: canceled}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.ObserveMaterialization("failed", created, canceled, time.Since(start))
		m.logger.Warn("Reminder materialization incomplete",
			zap.String("medication_id", o.ID),
			zap.Int("created", created),
			zap.Int("canceled", canceled),
			zap.Error(err),
		)
		return res, err
	}

	m.metrics.ObserveMaterialization("reconciled", created, canceled, time.Since(start))
	m.logger.Info("Reminders reconciled",
		zap.String("medication_id", o.ID),
		zap.Int("created", created),
		zap.Int("canceled", canceled),
	)
	return res, nil
}

// Reconcile is Materialize without the result, satisfying medication.Scheduler.
func (m *Materializer) Reconcile(ctx context.Context, o *medication.Order) error {
	_, err := m.Materialize(ctx, o)
	return err
}

// CancelAll cancels every pending reminder of an order.
func (m *Materializer) CancelAll(ctx context.Context, orderID string) error {
	ctx, span := m.tracer.Start(ctx, "reminder.cancel_all",
		trace.WithAttributes(attribute.String("medication.id", orderID)))
	defer span.End()

	pending, err := m.store.ListByMedication(ctx, orderID, StatusPending)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list reminders: %w", err)
	}
	cmds := cancelPending(pending)
	if len(cmds) == 0 {
		return nil
	}

	_, canceled, err := m.executor.Execute(ctx, &medication.Order{ID: orderID}, cmds)
	m.metrics.ObserveMaterialization("canceled", 0, canceled, 0)
	if err != nil {
		span.RecordError(err)
		return err
	}
	m.logger.Info("Reminders canceled", zap.String("medication_id", orderID), zap.Int("count", canceled))
	return nil
}
