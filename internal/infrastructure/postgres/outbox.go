package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/observability/metrics"
)

// relayLockID serializes relays across processes.
const relayLockID int64 = 0x6d6564726d6e64

// OutboxEntry is a domain event waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// DeadLetter is the payload published for entries that exhausted their retries.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long processed entries are kept before cleanup.
	Retention time.Duration
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		Retention:       72 * time.Hour,
	}
}

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry inserts an outbox entry. It must run in the transaction that
// persists the aggregate change.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Relay publishes outbox entries in creation order.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the current batch to finish
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if n, err := r.Cleanup(r.ctx); err != nil {
				r.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// RelayBatch publishes one batch inside a transaction holding the relay lock
// and returns how many entries were published. Failed entries have their retry
// count bumped; entries reaching MaxRetries go to the dead letter topic.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	entries, err := r.fetch(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if r.publish(ctx, tx, entry) {
			published++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	r.metrics.ObserveProduced(published)
	r.refreshPending(ctx)
	return published, nil
}

func (r *Relay) fetch(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// publish sends one entry and records the outcome in tx. It reports whether
// the entry reached its destination topic.
func (r *Relay) publish(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) bool {
	ctx, span := r.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if entry.RetryCount >= r.config.MaxRetries {
		r.deadLetter(ctx, tx, entry)
		return false
	}

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Int("retry_count", entry.RetryCount+1),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $2,
			updated_at = NOW() WHERE id = $1`, entry.ID, err.Error()); uerr != nil {
			r.logger.Error("failed to record outbox retry", zap.Error(uerr))
		}
		return false
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		r.logger.Error("failed to mark outbox entry processed", zap.Int64("id", entry.ID), zap.Error(err))
	}
	r.logger.Debug("outbox entry published", zap.Int64("id", entry.ID), zap.String("topic", entry.KafkaTopic))
	return true
}

func (r *Relay) deadLetter(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) {
	dl := DeadLetter{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		CreatedAt:     entry.CreatedAt,
	}
	if entry.LastError != nil {
		dl.LastError = *entry.LastError
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		r.logger.Error("failed to encode dead letter", zap.Error(err))
		return
	}
	if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, entry.KafkaKey, payload); err != nil {
		r.logger.Error("failed to publish dead letter", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		r.logger.Error("failed to mark dead letter entry", zap.Int64("id", entry.ID), zap.Error(err))
		return
	}
	r.logger.Warn("outbox entry moved to dead letter",
		zap.Int64("id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.Int("retry_count", entry.RetryCount))
}

// Cleanup removes processed entries older than the retention window.
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1 * INTERVAL '1 second'`,
		int64(r.config.Retention.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Pending returns the number of unpublished entries.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

func (r *Relay) refreshPending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.Pending(ctx)
	if err != nil {
		return
	}
	r.metrics.SetOutboxPending(n)
}
