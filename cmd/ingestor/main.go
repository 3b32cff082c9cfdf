// Command ingestor runs the ingestion handler.
//
// It serves the delivery webhook at POST /api/events (authenticated with
// delivery-signed tokens), the debug trigger at POST /api/process and the
// record lookup at GET /api/documents/{id} (both behind trigger keys).
//
// Usage:
//
//	go run ./cmd/ingestor [-config configs/docflow.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/auth/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/auth/token"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion/trigger"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/store"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const localDedupSize = 100_000

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
		slog.Error("ingestor stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestor stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting ingestor",
		"port", cfg.Server.Port,
		"container", cfg.Ingestion.DocumentContainer,
		"prefix", cfg.Ingestion.SubjectPrefix,
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
	slog.Info("connected to postgres")
	records := store.NewPostgres(db)

	checker := health.NewChecker("ingestor")
	checker.Register("postgres", health.PingCheck(db.Ping, true))

	seen, closeDedup := dedupStore(cfg, checker)
	defer closeDedup()

	doc, err := schema.Load(cfg.Extraction.SchemaPath)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	analyzer := cfg.Extraction.AnalyzerName
	if analyzer == "" {
		analyzer = doc.AnalyzerName()
	}
	extractor := extraction.New(cfg.Extraction, extraction.WithMetrics(m))
	checker.Register("extraction", health.BreakerCheck(extractor.Breaker()))
	checker.Register("kafka", health.KafkaCheck(cfg.Kafka.Brokers, false))

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentEvents, kafka.WithProducerMetrics(m))
	defer producer.Close()

	h := handler.New(handler.Config{
		Container: cfg.Ingestion.DocumentContainer,
		Prefix:    cfg.Ingestion.SubjectPrefix,
		Analyzer:  analyzer,
		Timeout:   cfg.Ingestion.HandlerTimeout,
		StoreRetry: resilience.RetryConfig{
			MaxAttempts:  cfg.Ingestion.StoreRetry.MaxAttempts,
			InitialDelay: cfg.Ingestion.StoreRetry.InitialDelay,
			MaxDelay:     cfg.Ingestion.StoreRetry.MaxDelay,
		},
	},
		objectstore.NewHTTPClient(cfg.ObjectStore.BaseURL, cfg.ObjectStore.Timeout),
		extractor,
		record.NewBuilder(record.WithSchema(doc)),
		records,
		handler.WithDedup(seen),
		handler.WithNotifier(publisher.New(producer)),
		handler.WithMetrics(m),
	)
	tr := trigger.New(h, records, cfg.Ingestion.DocumentContainer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.AccessLog, middleware.Metrics(m))
	r.Get("/health/live", checker.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())
	r.Get("/health", checker.LiveHandler())
	r.Get("/ready", checker.ReadyHandler())

	var verifier *token.Verifier
	if cfg.Ingestion.JWKSURL != "" {
		verifier, err = token.NewVerifier(ctx, token.VerifierConfig{
			JWKSURL:  cfg.Ingestion.JWKSURL,
			Audience: cfg.Ingestion.TokenAudience,
			Issuer:   cfg.Delivery.Issuer,
			Leeway:   30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("setting up delivery token verification: %w", err)
		}
	} else {
		slog.Warn("ingestion.jwksUrl not set, /api/events accepts unauthenticated deliveries")
	}
	r.Group(func(r chi.Router) {
		if verifier != nil {
			r.Use(verifier.Middleware())
		}
		r.Post("/api/events", h.Events)
	})

	limiter := ratelimit.New(cfg.Ingestion.TriggerRateLimit, time.Minute)
	r.Group(func(r chi.Router) {
		if cfg.Ingestion.RequireTriggerKey {
			r.Use(apikey.Middleware(apikey.NewValidator(db, 30*time.Second), apikey.ScopeTrigger))
		}
		if cfg.Ingestion.TriggerRateLimit > 0 {
			r.Use(ratelimit.Middleware(limiter))
		}
		tr.Routes(r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ingestor listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
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

// dedupStore prefers Redis so duplicate suppression is shared between
// replicas. Without Redis each replica remembers only its own events.
func dedupStore(cfg *config.Config, checker *health.Checker) (dedup.Store, func()) {
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(cfg.Redis)
		if err == nil {
			slog.Info("using redis for duplicate suppression", "addr", cfg.Redis.Addr)
			checker.Register("redis", health.PingCheck(client.Ping, false))
			return dedup.NewRedis(client, cfg.Ingestion.DedupTTL), func() { client.Close() }
		}
		slog.Warn("redis unavailable, falling back to in-process duplicate suppression", "error", err)
	}
	return dedup.NewLocal(localDedupSize, cfg.Ingestion.DedupTTL), func() {}
}
