// Package main provides the medication API entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/api/handlers"
	"github.com/drfirst/go-medremind/internal/api/middleware"
	"github.com/drfirst/go-medremind/internal/app"
	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
)

const serviceName = "medication-api"

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		panic(err)
	}
	defer rt.Close()
	logger := rt.Logger

	repo, store, err := rt.Stores(ctx)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}

	loc := rt.Config.Location()
	materializer := reminder.NewMaterializer(store, loc, rt.Metrics, logger)
	svc := medication.NewService(repo, materializer, logger,
		medication.WithLocation(loc),
		medication.WithObserver(rt.Metrics))
	medicationHandler := handlers.NewMedicationHandler(svc, store, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rt.Pool != nil {
			if err := rt.Pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(rt.Config.APIKey))
		medicationHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(rt.Config.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting medication API",
		zap.Int("port", rt.Config.Port),
		zap.String("store", rt.Config.StoreDriver),
		zap.String("timezone", loc.String()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
