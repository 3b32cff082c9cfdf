// Package handler implements the per-event ingestion state machine:
// received -> extracting -> building -> storing -> acknowledged, with any
// stage able to end in failure. Every run reports an outcome the delivery
// system can act on: ok, retryable_error or permanent_error.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/tracing"
	"golang.org/x/sync/singleflight"
)

// ObjectReader fetches an object and its content.
type ObjectReader interface {
	Get(ctx context.Context, container, name string) (*objectstore.Object, error)
}

// Extractor runs an analyzer over a document.
type Extractor interface {
	Extract(ctx context.Context, analyzer string, doc extraction.Document) (*extraction.Result, error)
}

// RecordStore persists records with upsert semantics.
type RecordStore interface {
	Upsert(ctx context.Context, rec *record.DocumentRecord) error
}

// Notifier is told about every stored record.
type Notifier interface {
	Notify(ctx context.Context, rec *record.DocumentRecord) error
}

// Config is the handler's fixed configuration, built once at start-up.
type Config struct {
	// Container is the only container whose objects are processed.
	Container string
	// Prefix restricts processing to object names under it.
	Prefix   string
	Analyzer string
	// Timeout bounds one run end to end. Zero leaves it to the caller.
	Timeout    time.Duration
	StoreRetry resilience.RetryConfig
}

type Handler struct {
	cfg       Config
	objects   ObjectReader
	extractor Extractor
	builder   *record.Builder
	store     RecordStore
	dedup     dedup.Store
	notifier  Notifier
	metrics   *metrics.Metrics
	group     singleflight.Group
	logger    *slog.Logger
}

type Option func(*Handler)

// WithDedup suppresses reprocessing of event ids that were already
// acknowledged.
func WithDedup(d dedup.Store) Option {
	return func(h *Handler) { h.dedup = d }
}

func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func New(cfg Config, objects ObjectReader, extractor Extractor, builder *record.Builder, store RecordStore, opts ...Option) *Handler {
	h := &Handler{
		cfg:       cfg,
		objects:   objects,
		extractor: extractor,
		builder:   builder,
		store:     store,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs one event through the state machine. It never panics on bad
// input and always returns a classified outcome; a record is written only
// once it has been completely built.
func (h *Handler) Handle(ctx context.Context, ev ingestion.Event) ingestion.Result {
	start := time.Now()
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}
	ctx = logger.WithEventID(ctx, ev.EventID)
	ctx, span := tracing.StartSpan(ctx, "ingestion.handle", logger.RequestID(ctx))
	span.SetAttr("object", ev.Container+"/"+ev.ObjectName)

	res := h.handle(ctx, ev)

	span.SetAttr("outcome", string(res.Outcome))
	span.SetAttr("stage", string(res.Stage))
	if res.Err != nil {
		span.Fail(res.Err)
	} else {
		span.End()
	}
	span.Log(ctx)
	h.observe(res, start)
	h.report(ctx, ev, res, time.Since(start))
	return res
}

func (h *Handler) handle(ctx context.Context, ev ingestion.Event) ingestion.Result {
	if err := h.accept(ev); err != nil {
		return fail(ingestion.StageReceived, err)
	}

	if ev.EventID != "" && h.dedup != nil {
		seen, err := h.dedup.Seen(ctx, ev.EventID)
		if err != nil {
			h.logger.Warn("dedup lookup failed, processing anyway", "event_id", ev.EventID, "error", err)
		} else if seen {
			if h.metrics != nil {
				h.metrics.DuplicateEventsTotal.Inc()
			}
			return ingestion.Result{Outcome: ingestion.OutcomeOK, Stage: ingestion.StageAcknowledged, Duplicate: true}
		}
	}

	res := h.run(ctx, ev)
	if res.Outcome == ingestion.OutcomeOK && ev.EventID != "" && h.dedup != nil {
		if err := h.dedup.Mark(ctx, ev.EventID); err != nil {
			h.logger.Warn("failed to mark event as handled", "event_id", ev.EventID, "error", err)
		}
	}
	return res
}

// run processes ev. Concurrent deliveries of one event id share a single
// run, which fetched the object for that event. Distinct events for the same
// object always run on their own, so a replacement is never answered with
// the result of an older upload; their upserts are last-writer-wins.
func (h *Handler) run(ctx context.Context, ev ingestion.Event) ingestion.Result {
	if ev.EventID == "" {
		return h.process(ctx, ev)
	}
	ch := h.group.DoChan(ev.EventID, func() (any, error) {
		return h.process(ctx, ev), nil
	})
	select {
	case r := <-ch:
		if r.Shared {
			logger.FromContext(ctx).Debug("joined in-flight run for event", "event_id", ev.EventID)
		}
		return r.Val.(ingestion.Result)
	case <-ctx.Done():
		return fail(ingestion.StageReceived, ctx.Err())
	}
}

// accept applies the subject filter.
func (h *Handler) accept(ev ingestion.Event) error {
	if ev.Container == "" || ev.ObjectName == "" {
		return apperrors.New(apperrors.ErrInvalidInput, 400, "event has no object reference")
	}
	if err := objectstore.ValidateName(ev.ObjectName); err != nil {
		return err
	}
	if h.cfg.Container != "" && ev.Container != h.cfg.Container {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "container %q is not the document container", ev.Container)
	}
	if !strings.HasPrefix(ev.ObjectName, h.cfg.Prefix) {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "object %q is outside prefix %q", ev.ObjectName, h.cfg.Prefix)
	}
	return nil
}

func (h *Handler) process(ctx context.Context, ev ingestion.Event) ingestion.Result {
	// received: the object must still exist.
	stageCtx, span := tracing.StartChildSpan(ctx, "resolve")
	obj, err := h.objects.Get(stageCtx, ev.Container, ev.ObjectName)
	endSpan(span, err)
	if err != nil {
		return fail(ingestion.StageReceived, fmt.Errorf("resolving object: %w", err))
	}

	// extracting
	if err := ctx.Err(); err != nil {
		return fail(ingestion.StageExtracting, err)
	}
	stageCtx, span = tracing.StartChildSpan(ctx, "extract")
	result, err := h.extractor.Extract(stageCtx, h.cfg.Analyzer, extraction.Document{
		Container:   obj.Info.Container,
		Name:        obj.Info.Name,
		ContentType: obj.Info.ContentType,
		Content:     obj.Content,
	})
	endSpan(span, err)
	if err != nil {
		return fail(ingestion.StageExtracting, err)
	}

	// building
	_, span = tracing.StartChildSpan(ctx, "build")
	rec, err := h.builder.Build(obj.Info, h.cfg.Analyzer, result)
	endSpan(span, err)
	if err != nil {
		return fail(ingestion.StageBuilding, err)
	}

	// storing
	if err := ctx.Err(); err != nil {
		return fail(ingestion.StageStoring, err)
	}
	stageCtx, span = tracing.StartChildSpan(ctx, "store")
	err = h.storeRecord(stageCtx, rec)
	endSpan(span, err)
	if err != nil {
		return fail(ingestion.StageStoring, err)
	}

	if h.notifier != nil {
		if err := h.notifier.Notify(ctx, rec); err != nil {
			logger.FromContext(ctx).Warn("record stored but not announced", "doc_id", rec.DocumentID, "error", err)
		}
	}
	return ingestion.Result{Outcome: ingestion.OutcomeOK, Stage: ingestion.StageAcknowledged, Record: rec}
}

// storeRecord upserts rec, retrying transient store failures a few times
// before handing the event back to the delivery system.
func (h *Handler) storeRecord(ctx context.Context, rec *record.DocumentRecord) error {
	retry := h.cfg.StoreRetry
	retry.RetryIf = func(err error) bool {
		return errors.Is(err, apperrors.ErrTransient) && ctx.Err() == nil
	}
	err := resilience.Retry(ctx, "store-upsert", retry, func(ctx context.Context) error {
		err := h.store.Upsert(ctx, rec)
		if h.metrics != nil {
			result := "ok"
			if err != nil {
				result = apperrors.Classify(err).String()
			}
			h.metrics.StoreWritesTotal.WithLabelValues(result).Inc()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("storing record %s: %w", rec.DocumentID, err)
	}
	return nil
}

func fail(stage ingestion.Stage, err error) ingestion.Result {
	return ingestion.Result{Outcome: ingestion.OutcomeFor(err), Stage: stage, Err: err}
}

func endSpan(span *tracing.Span, err error) {
	if err != nil {
		span.Fail(err)
		return
	}
	span.End()
}

func (h *Handler) observe(res ingestion.Result, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.HandlerOutcomesTotal.WithLabelValues(string(res.Outcome), string(res.Stage)).Inc()
	h.metrics.HandlerDuration.Observe(time.Since(start).Seconds())
}

// report logs every run. Failures carry the object identity and error kind
// so a dropped event can always be traced.
func (h *Handler) report(ctx context.Context, ev ingestion.Event, res ingestion.Result, elapsed time.Duration) {
	log := logger.FromContext(ctx).With(
		"component", "ingestion-handler",
		"container", ev.Container,
		"object", ev.ObjectName,
		"outcome", string(res.Outcome),
		"stage", string(res.Stage),
		"duration_ms", elapsed.Milliseconds(),
	)
	switch res.Outcome {
	case ingestion.OutcomeOK:
		if res.Duplicate {
			log.Info("duplicate event acknowledged")
			return
		}
		log.Info("document processed",
			"doc_id", res.Record.DocumentID,
			"field_count", len(res.Record.ExtractedFields),
		)
	case ingestion.OutcomeRetryable:
		log.Warn("document processing deferred for redelivery",
			"error_kind", apperrors.Kind(res.Err),
			"error", res.Err,
		)
	default:
		log.Error("document processing failed permanently",
			"error_kind", apperrors.Kind(res.Err),
			"error", res.Err,
		)
	}
}
