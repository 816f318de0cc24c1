package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/medication"
)

const medicationColumns = `id, prescription_id, name, dosage_text, frequency_text, duration_text,
	start_date, end_date, dosing_times, status, version, created_at, updated_at`

// MedicationRepository stores medication orders and writes their events to the outbox
// in the same transaction.
type MedicationRepository struct {
	pool        *pgxpool.Pool
	eventsTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewMedicationRepository creates a repository publishing events to eventsTopic.
func NewMedicationRepository(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *MedicationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRepository{
		pool:        pool,
		eventsTopic: eventsTopic,
		logger:      logger,
		tracer:      otel.Tracer("postgres-medications"),
	}
}

// Save inserts or updates the order with an optimistic version check.
func (r *MedicationRepository) Save(ctx context.Context, o *medication.Order) error {
	ctx, span := r.tracer.Start(ctx, "medications.save",
		trace.WithAttributes(
			attribute.String("medication.id", o.ID),
			attribute.Int("medication.version", o.Version),
			attribute.Int("events", len(o.Changes())),
		))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	next := o.Version + 1
	if o.Version == 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO medications (`+medicationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			o.ID, o.PrescriptionID, o.Name, o.DosageText, o.FrequencyText, o.DurationText,
			o.StartDate, o.EndDate, o.DosingTimes, string(o.Status), next, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert medication: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE medications
			SET name = $2, dosage_text = $3, frequency_text = $4, duration_text = $5,
			    start_date = $6, end_date = $7, dosing_times = $8, status = $9,
			    version = $10, updated_at = $11
			WHERE id = $1 AND version = $12`,
			o.ID, o.Name, o.DosageText, o.FrequencyText, o.DurationText,
			o.StartDate, o.EndDate, o.DosingTimes, string(o.Status), next, o.UpdatedAt, o.Version,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("update medication: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return medication.ErrConflict
		}
	}

	for _, e := range o.Changes() {
		e.Version = next
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    r.eventsTopic,
			KafkaKey:      o.ID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	o.Version = next
	o.ClearChanges()
	return nil
}

// Get loads one order.
func (r *MedicationRepository) Get(ctx context.Context, id string) (*medication.Order, error) {
	ctx, span := r.tracer.Start(ctx, "medications.get", trace.WithAttributes(attribute.String("medication.id", id)))
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, medication.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return o, nil
}

// ListByPrescription returns the orders of a prescription, oldest first.
func (r *MedicationRepository) ListByPrescription(ctx context.Context, prescriptionID string) ([]*medication.Order, error) {
	ctx, span := r.tracer.Start(ctx, "medications.list_by_prescription",
		trace.WithAttributes(attribute.String("prescription.id", prescriptionID)))
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT `+medicationColumns+`
		FROM medications WHERE prescription_id = $1 ORDER BY created_at`, prescriptionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list medications: %w", err)
	}
	return collectOrders(rows)
}

// ListActiveEndingBefore returns active orders whose end date is before date.
func (r *MedicationRepository) ListActiveEndingBefore(ctx context.Context, date time.Time, limit int) ([]*medication.Order, error) {
	ctx, span := r.tracer.Start(ctx, "medications.list_expired")
	defer span.End()

	rows, err := r.pool.Query(ctx, `SELECT `+medicationColumns+`
		FROM medications
		WHERE status = 'active' AND end_date < $1
		ORDER BY end_date
		LIMIT NULLIF($2, 0)`, date, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list expired medications: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]*medication.Order, error) {
	defer rows.Close()

	var out []*medication.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*medication.Order, error) {
	o := &medication.Order{}
	var status string
	err := row.Scan(
		&o.ID, &o.PrescriptionID, &o.Name, &o.DosageText, &o.FrequencyText, &o.DurationText,
		&o.StartDate, &o.EndDate, &o.DosingTimes, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = medication.Status(status)
	if o.DosingTimes == nil {
		o.DosingTimes = []string{}
	}
	return o, nil
}
