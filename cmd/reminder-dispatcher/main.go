// Package main provides the reminder dispatcher entry point.
// Publishes due reminders and completes expired medications on cron schedules.
package main

import (
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/app"
	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/notification"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, "reminder-dispatcher")
	if err != nil {
		panic(err)
	}
	defer rt.Close()
	logger := rt.Logger
	cfg := rt.Config
	loc := cfg.Location()

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

	cbCfg := circuitbreaker.DefaultConfig("reminder-notifications")
	cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		rt.Metrics.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(cbCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	store := postgres.NewReminderStore(pool)
	notifier := notification.NewKafkaNotifier(producer, breaker, redpanda.TopicReminderNotifications, loc, logger)

	dispatchCfg := reminder.DefaultDispatcherConfig()
	dispatchCfg.Schedule = cfg.DispatchSchedule
	dispatchCfg.BatchSize = cfg.DispatchBatchSize
	dispatchCfg.RatePerSecond = cfg.DispatchRate
	dispatcher := reminder.NewDispatcher(store, notifier, dispatchCfg, rt.Metrics, logger)

	repo := postgres.NewMedicationRepository(pool, redpanda.TopicMedicationEvents, logger)
	materializer := reminder.NewMaterializer(store, loc, rt.Metrics, logger)
	svc := medication.NewService(repo, materializer, logger,
		medication.WithLocation(loc),
		medication.WithObserver(rt.Metrics))
	sweeper := medication.NewCompletionSweeper(svc, cfg.CompletionSchedule, 0, logger)

	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("dispatcher start failed", zap.Error(err))
	}
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("completion sweeper start failed", zap.Error(err))
	}
	rt.ServeMetrics(ctx)
	logger.Info("reminder dispatcher started")

	<-ctx.Done()
	logger.Info("shutting down")
	dispatcher.Stop()
	sweeper.Stop()
	logger.Info("reminder dispatcher stopped")
}
