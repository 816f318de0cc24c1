// Package main provides the reminder worker entry point.
// Consumes medication events and reconciles reminder instances.
package main

import (
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/app"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/worker"
	"github.com/drfirst/go-medremind/pkg/idempotency"
	"github.com/drfirst/go-medremind/pkg/workerpool"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, "reminder-worker")
	if err != nil {
		panic(err)
	}
	defer rt.Close()
	logger := rt.Logger

	pool, err := rt.ConnectDB(ctx)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := rt.EnsureTopics(ctx); err != nil {
		logger.Warn("topic setup failed", zap.Error(err))
	}

	orders := postgres.NewMedicationRepository(pool, redpanda.TopicMedicationEvents, logger)
	store := postgres.NewReminderStore(pool)
	materializer := reminder.NewMaterializer(store, rt.Config.Location(), rt.Metrics, logger)

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := worker.NewEventHandler(orders, materializer, inbox, logger)
	workers := workerpool.New(workerpool.DefaultConfig(), logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = rt.Config.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, workers, rt.Metrics, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	rt.ServeMetrics(ctx)
	consumer.Start()
	logger.Info("reminder worker started")

	<-ctx.Done()
	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("reminder worker stopped", zap.Any("pool", workers.Stats()))
}
