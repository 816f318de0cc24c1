package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

const reminderColumns = `id, medication_id, prescription_id, medication_name, scheduled_at,
	status, created_at, sent_at, canceled_at`

// ReminderStore is a reminder.Store backed by the reminders table.
type ReminderStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

func NewReminderStore(pool *pgxpool.Pool) *ReminderStore {
	return &ReminderStore{pool: pool, tracer: otel.Tracer("postgres-reminders")}
}

func (s *ReminderStore) ListByMedication(ctx context.Context, orderID string, statuses ...reminder.Status) ([]*reminder.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "reminders.list_by_medication",
		trace.WithAttributes(attribute.String("medication.id", orderID)))
	defer span.End()

	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE medication_id = $1`
	args := []any{orderID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY scheduled_at, created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return collectInstances(rows)
}

func (s *ReminderStore) Create(ctx context.Context, inst *reminder.Instance) error {
	ctx, span := s.tracer.Start(ctx, "reminders.create",
		trace.WithAttributes(attribute.String("medication.id", inst.MedicationOrderID)))
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO reminders (`+reminderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.MedicationOrderID, inst.PrescriptionID, inst.MedicationName, inst.ScheduledAt,
		string(inst.Status), inst.CreatedAt, inst.SentAt, inst.CanceledAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *ReminderStore) Cancel(ctx context.Context, id string, at time.Time) error {
	ctx, span := s.tracer.Start(ctx, "reminders.cancel", trace.WithAttributes(attribute.String("reminder.id", id)))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE reminders SET status = 'canceled', canceled_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

func (s *ReminderStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*reminder.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "reminders.list_due")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT NULLIF($2, 0)`, before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return collectInstances(rows)
}

func (s *ReminderStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	ctx, span := s.tracer.Start(ctx, "reminders.mark_sent", trace.WithAttributes(attribute.String("reminder.id", id)))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE reminders SET status = 'sent', sent_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("reminder %s is no longer pending", id)
	}
	return nil
}

func (s *ReminderStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM reminders WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.ErrNotFound
	}
	return err
}

func collectInstances(rows pgx.Rows) ([]*reminder.Instance, error) {
	defer rows.Close()

	var out []*reminder.Instance
	for rows.Next() {
		inst := &reminder.Instance{}
		var status string
		if err := rows.Scan(
			&inst.ID, &inst.MedicationOrderID, &inst.PrescriptionID, &inst.MedicationName,
			&inst.ScheduledAt, &status, &inst.CreatedAt, &inst.SentAt, &inst.CanceledAt,
		); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		inst.Status = reminder.Status(status)
		inst.ScheduledAt = inst.ScheduledAt.UTC()
		out = append(out, inst)
	}
	return out, rows.Err()
}
