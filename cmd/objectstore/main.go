// Command objectstore runs the document object store. Objects live on local
// disk; every upload and delete is announced on the object events topic.
//
// Usage:
//
//	go run ./cmd/objectstore [-config configs/docflow.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/docflow.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting object store", "port", cfg.ObjectStore.Port, "data_dir", cfg.ObjectStore.DataDir)

	m := metrics.New(prometheus.DefaultRegisterer)

	files, err := objectstore.NewFileStore(cfg.ObjectStore.DataDir)
	if err != nil {
		slog.Error("failed to open data dir", "error", err)
		os.Exit(1)
	}
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ObjectEvents, kafka.WithProducerMetrics(m))
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.ObjectEvents)

	svc := objectstore.NewService(files, producer, cfg.ObjectStore.BaseURL, m)
	checker := health.NewChecker("objectstore")
	checker.Register("kafka", health.KafkaCheck(cfg.Kafka.Brokers, true))

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.AccessLog, middleware.Metrics(m))
	r.Get("/health/live", checker.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ObjectStore.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("object store listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("object store stopped")
}
