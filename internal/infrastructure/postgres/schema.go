package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id              TEXT PRIMARY KEY,
		prescription_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		dosage_text     TEXT NOT NULL DEFAULT '',
		frequency_text  TEXT NOT NULL DEFAULT '',
		duration_text   TEXT NOT NULL DEFAULT '',
		start_date      DATE,
		end_date        DATE,
		dosing_times    TEXT[] NOT NULL DEFAULT '{}',
		status          TEXT NOT NULL,
		version         INTEGER NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS medications_prescription_idx ON medications (prescription_id)`,
	`CREATE INDEX IF NOT EXISTS medications_active_end_idx ON medications (end_date) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS reminders (
		id              TEXT PRIMARY KEY,
		medication_id   TEXT NOT NULL REFERENCES medications (id),
		prescription_id TEXT NOT NULL,
		medication_name TEXT NOT NULL,
		scheduled_at    TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		sent_at         TIMESTAMPTZ,
		canceled_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS reminders_medication_idx ON reminders (medication_id, status)`,
	`CREATE INDEX IF NOT EXISTS reminders_due_idx ON reminders (scheduled_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx ON outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
