// Package app wires the shared runtime of the medremind binaries: config,
// logging, tracing, metrics and storage.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/config"
	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/memory"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/observability/logging"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/internal/observability/tracing"
)

// Runtime holds what every binary needs.
type Runtime struct {
	Service string
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Pool    *pgxpool.Pool

	tracing *tracing.Provider
}

// Bootstrap loads config and starts logging, tracing and metrics.
func Bootstrap(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))

	tcfg := tracing.DefaultConfig(service)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TracingSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &Runtime{
		Service: service,
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(nil),
		tracing: tp,
	}, nil
}

// ConnectDB opens the Postgres pool and applies the schema.
func (r *Runtime) ConnectDB(ctx context.Context) (*pgxpool.Pool, error) {
	if r.Pool != nil {
		return r.Pool, nil
	}
	if r.Config.StoreDriver != config.DriverPostgres {
		return nil, fmt.Errorf("%s requires the %s store driver", r.Service, config.DriverPostgres)
	}

	pcfg := postgres.DefaultPoolConfig()
	pcfg.URL = r.Config.DatabaseURL
	pool, err := postgres.Connect(ctx, pcfg, r.Logger)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	r.Pool = pool
	return pool, nil
}

// Stores returns the medication repository and reminder store for the
// configured driver.
func (r *Runtime) Stores(ctx context.Context) (medication.Repository, reminder.Store, error) {
	if r.Config.StoreDriver == config.DriverMemory {
		r.Logger.Warn("using in-memory stores; data is lost on restart and no events are published")
		return memory.NewMedicationRepository(), memory.NewReminderStore(), nil
	}
	pool, err := r.ConnectDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewMedicationRepository(pool, redpanda.TopicMedicationEvents, r.Logger),
		postgres.NewReminderStore(pool), nil
}

// Producer creates a Kafka producer for the configured brokers.
func (r *Runtime) Producer() (*redpanda.Producer, error) {
	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = r.Config.KafkaBrokers
	return redpanda.NewProducer(pcfg, r.Metrics, r.Logger)
}

// EnsureTopics creates the medremind topics when missing.
func (r *Runtime) EnsureTopics(ctx context.Context) error {
	admin, err := redpanda.NewAdmin(r.Config.KafkaBrokers, r.Logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(r.Config.ReplicationFactor))
}

// ServeMetrics exposes /metrics and /health on the metrics port until ctx ends.
func (r *Runtime) ServeMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, r.Service)
	})
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(r.Config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Close releases the pool, flushes traces and syncs the logger.
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.Pool != nil {
		r.Pool.Close()
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		r.Logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

// SignalContext is canceled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
