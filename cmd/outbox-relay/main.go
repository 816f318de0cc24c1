// Package main provides the outbox relay entry point.
// Publishes medication events written by the API to Kafka.
package main

import (
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/app"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, "outbox-relay")
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

	producer, err := rt.Producer()
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Kafka", zap.Strings("brokers", rt.Config.KafkaBrokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), rt.Metrics, logger)
	relay.Start()
	rt.ServeMetrics(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	relay.Stop()
	logger.Info("outbox relay stopped")
}
