package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/pkg/workerpool"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	MaxPollRecords int
	// StartOffset is "earliest" or "latest".
	StartOffset string
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "reminder-worker",
		Topics:         []string{TopicMedicationEvents},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 200,
		StartOffset:    "earliest",
	}
}

// Message is a consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer polls record batches, processes them on a worker pool keyed by
// record key, and commits offsets once the batch is done.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler MessageHandler
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, pool *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if pool == nil {
		pool = workerpool.New(workerpool.DefaultConfig(), logger)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		pool:    pool,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop waits for the in-flight batch, commits and closes the client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) loop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	tasks := make([]workerpool.Task, len(records))
	for i, rec := range records {
		rec := rec
		tasks[i] = workerpool.Task{
			Key: string(rec.Key),
			Run: func(ctx context.Context) error { return c.handle(ctx, rec) },
		}
	}

	results := c.pool.Run(c.ctx, tasks)
	for i, res := range results {
		rec := records[i]
		if res.Err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("message dropped after retries",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(res.Err))
		}
		c.client.MarkCommitRecords(rec)
	}

	if err := c.client.CommitMarkedOffsets(c.ctx); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	ctx = extractTraceContext(ctx, rec)
	ctx, span := c.tracer.Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", rec.Topic),
			attribute.Int64("messaging.kafka.partition", int64(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
		))
	defer span.End()

	err := c.handler(ctx, &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	c.metrics.ObserveConsumed()
	return nil
}
