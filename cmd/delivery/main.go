// Command delivery runs the event delivery service.
//
// It consumes object notifications from Kafka, pushes them to every
// matching subscription with bounded retries and dead-letters what cannot
// be delivered. Subscriptions are managed under /api/v1/subscriptions with
// admin keys; the signing keys for handler targets are published at
// /.well-known/jwks.json.
//
// Usage:
//
//	go run ./cmd/delivery [-config configs/docflow.yaml]
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
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/auth/token"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/delivery"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/store"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
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
	if err := run(cfg); err != nil {
		slog.Error("delivery service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("delivery service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting delivery service",
		"port", cfg.Delivery.Port,
		"topic", cfg.Kafka.Topics.ObjectEvents,
		"dead_letter_topic", cfg.Kafka.Topics.DeadLetter,
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	if err := store.Migrate(cfg.Postgres.URL()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	signer, err := token.LoadSigner(cfg.Delivery.SigningKeyPath, cfg.Delivery.Issuer, cfg.Delivery.TokenTTL)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	slog.Info("delivery token signer ready", "kid", signer.KeyID(), "issuer", cfg.Delivery.Issuer)

	registry := delivery.NewCachedRegistry(delivery.NewPostgresRegistry(db), cfg.Delivery.CacheTTL)
	sender := delivery.NewSender(&http.Client{}, signer, cfg.Delivery.Resources, cfg.Delivery.ValidationTimeout)

	deadLetter := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter, kafka.WithProducerMetrics(m))
	defer deadLetter.Close()
	dispatcher := delivery.NewDispatcher(delivery.DispatcherConfig{
		Topic:          cfg.Kafka.Topics.ObjectEvents,
		RequestTimeout: cfg.Delivery.RequestTimeout,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
	}, registry, sender, deadLetter, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ObjectEvents, dispatcher.HandleMessage, kafka.WithConsumerMetrics(m))
	defer consumer.Close()

	checker := health.NewChecker("delivery")
	checker.Register("postgres", health.PingCheck(db.Ping, true))
	checker.Register("kafka", health.KafkaCheck(cfg.Kafka.Brokers, true))

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.AccessLog, middleware.Metrics(m))
	r.Get("/health/live", checker.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())
	r.Get("/.well-known/jwks.json", signer.JWKSHandler())
	r.Group(func(r chi.Router) {
		r.Use(apikey.Middleware(apikey.NewValidator(db, 30*time.Second), apikey.ScopeAdmin))
		r.Use(middleware.Timeout(cfg.Delivery.ValidationTimeout + 30*time.Second))
		delivery.NewAPI(registry, sender).Routes(r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Delivery.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("delivery API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("dispatching notifications", "topic", cfg.Kafka.Topics.ObjectEvents, "group", cfg.Kafka.ConsumerGroup)
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
