package medication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/dosing"
)

// ErrRemindersOutOfSync is returned when an order was saved but its reminders
// could not be reconciled. The call is safe to retry.
var ErrRemindersOutOfSync = errors.New("medication saved but reminders are out of sync")

// Scheduler keeps reminder instances consistent with an order.
type Scheduler interface {
	Reconcile(ctx context.Context, o *Order) error
	CancelAll(ctx context.Context, orderID string) error
}

// TransitionObserver is notified of every persisted lifecycle event.
type TransitionObserver interface {
	ObserveTransition(event string)
}

// CreateInput holds the fields of a new medication order.
type CreateInput struct {
	PrescriptionID string
	Name           string
	DosageText     string
	FrequencyText  string
	DurationText   string
	StartDate      *time.Time
}

// Service coordinates order persistence with reminder reconciliation.
type Service struct {
	repo      Repository
	scheduler Scheduler
	observer  TransitionObserver
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the time zone that defines "today" for expiry.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithObserver registers a transition observer, typically the metrics set.
func WithObserver(o TransitionObserver) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates a medication service.
func NewService(repo Repository, scheduler Scheduler, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:      repo,
		scheduler: scheduler,
		loc:       time.UTC,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		tracer:    otel.Tracer("medication"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new order. A supplied start date activates it and materializes its reminders.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "medication.create",
		trace.WithAttributes(attribute.String("prescription.id", in.PrescriptionID)))
	defer span.End()

	now := s.now()
	o, err := NewOrder(uuid.New().String(), in.PrescriptionID, in.Name, in.DosageText,
		in.FrequencyText, in.DurationText, now)
	if err != nil {
		return nil, err
	}
	if in.StartDate != nil {
		if err := o.Activate(*in.StartDate, now); err != nil {
			return nil, err
		}
	}

	if err := s.save(ctx, o); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("medication.id", o.ID))

	s.logger.Info("Medication created",
		zap.String("medication_id", o.ID),
		zap.String("prescription_id", o.PrescriptionID),
		zap.String("status", string(o.Status)),
	)
	return o, s.sync(ctx, o)
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// ListByPrescription returns the orders of a prescription.
func (s *Service) ListByPrescription(ctx context.Context, prescriptionID string) ([]*Order, error) {
	return s.repo.ListByPrescription(ctx, prescriptionID)
}

// Edit changes any subset of an order's fields, recomputes its schedule and
// reconciles reminders when the schedule changed.
func (s *Service) Edit(ctx context.Context, id string, e Edit) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "medication.edit",
		trace.WithAttributes(attribute.String("medication.id", id)))
	defer span.End()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := o.Apply(e, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, o); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !changed {
		return o, nil
	}

	s.logger.Info("Medication schedule changed",
		zap.String("medication_id", o.ID),
		zap.Strings("dosing_times", o.DosingTimes),
	)
	return o, s.sync(ctx, o)
}

// Activate confirms the start date of an unscheduled order.
func (s *Service) Activate(ctx context.Context, id string, start time.Time) (*Order, error) {
	return s.transition(ctx, "medication.activate", id, func(o *Order, now time.Time) error {
		return o.Activate(start, now)
	})
}

// Cancel stops an order and cancels its pending reminders.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, "medication.cancel", id, func(o *Order, now time.Time) error {
		return o.Cancel(now)
	})
}

// Complete ends an active order.
func (s *Service) Complete(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, "medication.complete", id, func(o *Order, now time.Time) error {
		return o.Complete(now)
	})
}

func (s *Service) transition(ctx context.Context, name, id string, fn func(*Order, time.Time) error) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("medication.id", id)))
	defer span.End()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(o, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, o); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("Medication status changed",
		zap.String("medication_id", o.ID),
		zap.String("status", string(o.Status)),
	)
	return o, s.sync(ctx, o)
}

// RescheduleByPrescription moves every non-terminal order of a prescription to
// a new start date. Orders are processed independently; reminder failures are
// collected and reported as ErrRemindersOutOfSync after all orders were saved.
func (s *Service) RescheduleByPrescription(ctx context.Context, prescriptionID string, start time.Time) ([]*Order, error) {
	ctx, span := s.tracer.Start(ctx, "medication.reschedule_prescription",
		trace.WithAttributes(attribute.String("prescription.id", prescriptionID)))
	defer span.End()

	if start.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", ErrInvalidInput)
	}

	orders, err := s.repo.ListByPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	var (
		updated  []*Order
		syncErrs []error
	)
	for _, o := range orders {
		if o.Status.IsTerminal() {
			continue
		}
		changed, err := o.Apply(Edit{StartDate: &start}, s.now())
		if err != nil {
			return updated, fmt.Errorf("reschedule medication %s: %w", o.ID, err)
		}
		if err := s.save(ctx, o); err != nil {
			return updated, fmt.Errorf("reschedule medication %s: %w", o.ID, err)
		}
		updated = append(updated, o)
		if !changed {
			continue
		}
		if err := s.sync(ctx, o); err != nil {
			syncErrs = append(syncErrs, err)
		}
	}

	span.SetAttributes(attribute.Int("medications.updated", len(updated)))
	s.logger.Info("Prescription rescheduled",
		zap.String("prescription_id", prescriptionID),
		zap.String("start_date", dosing.FormatDate(start)),
		zap.Int("medications", len(updated)),
	)
	return updated, errors.Join(syncErrs...)
}

// CompleteExpired completes active orders whose end date is before today and
// returns how many were completed.
func (s *Service) CompleteExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "medication.complete_expired")
	defer span.End()

	now := s.now()
	today := dosing.Truncate(now.In(s.loc))
	orders, err := s.repo.ListActiveEndingBefore(ctx, today, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired medications: %w", err)
	}

	completed := 0
	for _, o := range orders {
		if !o.Expired(today) {
			continue
		}
		if err := o.Complete(now); err != nil {
			s.logger.Warn("Skipping expired medication",
				zap.String("medication_id", o.ID), zap.Error(err))
			continue
		}
		if err := s.save(ctx, o); err != nil {
			if errors.Is(err, ErrConflict) {
				s.logger.Debug("Medication changed during completion sweep", zap.String("medication_id", o.ID))
				continue
			}
			return completed, err
		}
		completed++
	}

	span.SetAttributes(attribute.Int("medications.completed", completed))
	if completed > 0 {
		s.logger.Info("Expired medications completed", zap.Int("count", completed))
	}
	return completed, nil
}

func (s *Service) save(ctx context.Context, o *Order) error {
	events := o.Changes()
	if err := s.repo.Save(ctx, o); err != nil {
		return fmt.Errorf("save medication: %w", err)
	}
	if s.observer != nil {
		for _, e := range events {
			s.observer.ObserveTransition(string(e.EventType))
		}
	}
	return nil
}

// sync reconciles reminders after a successful save.
func (s *Service) sync(ctx context.Context, o *Order) error {
	if s.scheduler == nil {
		return nil
	}

	var err error
	switch o.Status {
	case StatusCanceled:
		err = s.scheduler.CancelAll(ctx, o.ID)
	case StatusActive:
		err = s.scheduler.Reconcile(ctx, o)
	default:
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to reconcile reminders",
			zap.String("medication_id", o.ID), zap.Error(err))
		return fmt.Errorf("%w: medication %s: %w", ErrRemindersOutOfSync, o.ID, err)
	}
	return nil
}
