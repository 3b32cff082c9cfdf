package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]*objectstore.Object
	err     error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string]*objectstore.Object)}
}

func (f *fakeObjects) put(container, name string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[container+"/"+name] = &objectstore.Object{
		Info: objectstore.ObjectInfo{
			Container:   container,
			Name:        name,
			ContentType: objectstore.ContentTypeFor(name),
			Size:        int64(len(content)),
			SHA256:      "sha-" + name,
		},
		Content: content,
	}
}

func (f *fakeObjects) Get(_ context.Context, container, name string) (*objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	obj, ok := f.objects[container+"/"+name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrObjectNotFound, 404, "%s/%s", container, name)
	}
	return obj, nil
}

type fakeExtractor struct {
	calls atomic.Int32
	fn    func(doc extraction.Document) (*extraction.Result, error)
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, doc extraction.Document) (*extraction.Result, error) {
	f.calls.Add(1)
	return f.fn(doc)
}

func amountResult(extraction.Document) (*extraction.Result, error) {
	confidence := 0.93
	return &extraction.Result{
		Status: extraction.StatusSucceeded,
		Fields: map[string]extraction.Field{
			"Amount": {Type: "number", Value: 42.5, Confidence: &confidence},
		},
	}, nil
}

// flakyStore fails the first failures upserts with a transient error.
type flakyStore struct {
	*store.Memory
	failures int
	attempts atomic.Int32
	err      error
}

func (s *flakyStore) Upsert(ctx context.Context, rec *record.DocumentRecord) error {
	n := int(s.attempts.Add(1))
	if n <= s.failures {
		if s.err != nil {
			return s.err
		}
		return apperrors.Transient(errors.New("throttled"))
	}
	return s.Memory.Upsert(ctx, rec)
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []*record.DocumentRecord
}

func (n *recordingNotifier) Notify(_ context.Context, rec *record.DocumentRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return nil
}

type fixture struct {
	objects   *fakeObjects
	extractor *fakeExtractor
	store     *flakyStore
	metrics   *metrics.Metrics
	notifier  *recordingNotifier
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc := &schema.Document{Fields: []schema.FieldSchema{{FieldKey: "Amount", Type: schema.TypeNumber}}}
	f := &fixture{
		objects:   newFakeObjects(),
		extractor: &fakeExtractor{fn: amountResult},
		store:     &flakyStore{Memory: store.NewMemory()},
		metrics:   metrics.New(prometheus.NewRegistry()),
		notifier:  &recordingNotifier{},
	}
	f.objects.put("documents", "receipt.pdf", []byte("%PDF-1.7"))
	f.handler = New(Config{
		Container: "documents",
		Analyzer:  "receipt",
		Timeout:   5 * time.Second,
		StoreRetry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	},
		f.objects,
		f.extractor,
		record.NewBuilder(record.WithSchema(doc), record.WithClock(func() time.Time { return fixedNow })),
		f.store,
		WithDedup(dedup.NewLocal(128, time.Hour)),
		WithMetrics(f.metrics),
		WithNotifier(f.notifier),
	)
	return f
}

func event(id, name string) ingestion.Event {
	return ingestion.Event{Container: "documents", ObjectName: name, EventID: id, ReceivedAt: fixedNow}
}

func TestHandleStoresRecord(t *testing.T) {
	f := newFixture(t)
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeOK || res.Stage != ingestion.StageAcknowledged {
		t.Fatalf("got %s at %s: %v", res.Outcome, res.Stage, res.Err)
	}
	got, err := f.store.Get(context.Background(), record.DocumentID("documents", "receipt.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractedFields["Amount"] != 42.5 {
		t.Errorf("Amount = %v, want 42.5", got.ExtractedFields["Amount"])
	}
	if len(f.notifier.recs) != 1 {
		t.Errorf("expected one announcement, got %d", len(f.notifier.recs))
	}
	if v := testutil.ToFloat64(f.metrics.HandlerOutcomesTotal.WithLabelValues("ok", "acknowledged")); v != 1 {
		t.Errorf("ok outcome counter = %v", v)
	}
}

func TestHandleMissingObjectIsPermanent(t *testing.T) {
	f := newFixture(t)
	res := f.handler.Handle(context.Background(), event("evt-1", "deleted.pdf"))
	if res.Outcome != ingestion.OutcomePermanent {
		t.Fatalf("outcome = %s, want permanent_error", res.Outcome)
	}
	if res.Stage != ingestion.StageReceived {
		t.Errorf("stage = %s, want received", res.Stage)
	}
	if !errors.Is(res.Err, apperrors.ErrObjectNotFound) {
		t.Errorf("err = %v", res.Err)
	}
	if f.extractor.calls.Load() != 0 || f.store.Writes() != 0 {
		t.Error("nothing past the object lookup may run")
	}
}

func TestHandleObjectStoreOutageIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.objects.err = apperrors.Transient(errors.New("connection refused"))
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeRetryable {
		t.Fatalf("outcome = %s, want retryable_error", res.Outcome)
	}
}

func TestHandleExtractionFailures(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  ingestion.Outcome
		stage ingestion.Stage
	}{
		{"terminal failed", &extraction.ExtractionError{Code: "InvalidContent", Message: "unreadable"}, ingestion.OutcomePermanent, ingestion.StageExtracting},
		{"timeout", &extraction.ExtractionTimeoutError{Timeout: time.Minute}, ingestion.OutcomeRetryable, ingestion.StageExtracting},
		{"transient http", apperrors.Transient(errors.New("503")), ingestion.OutcomeRetryable, ingestion.StageExtracting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.extractor.fn = func(extraction.Document) (*extraction.Result, error) { return nil, tt.err }
			res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
			if res.Outcome != tt.want || res.Stage != tt.stage {
				t.Fatalf("got %s at %s, want %s at %s", res.Outcome, res.Stage, tt.want, tt.stage)
			}
			if f.store.Writes() != 0 {
				t.Error("failed extraction must not write")
			}
		})
	}
}

func TestHandleMalformedResultIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.extractor.fn = func(extraction.Document) (*extraction.Result, error) {
		return &extraction.Result{Status: extraction.StatusSucceeded, Fields: map[string]extraction.Field{
			"Amount": {Type: "string", Value: "lots"},
		}}, nil
	}
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomePermanent || res.Stage != ingestion.StageBuilding {
		t.Fatalf("got %s at %s", res.Outcome, res.Stage)
	}
	var me *record.MalformedExtractionError
	if !errors.As(res.Err, &me) {
		t.Errorf("expected MalformedExtractionError, got %v", res.Err)
	}
}

func TestHandleRetriesTransientStoreFailures(t *testing.T) {
	f := newFixture(t)
	f.store.failures = 2
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeOK {
		t.Fatalf("outcome = %s: %v", res.Outcome, res.Err)
	}
	if got := f.store.attempts.Load(); got != 3 {
		t.Errorf("store attempts = %d, want 3", got)
	}
	if f.store.Writes() != 1 || f.store.Len() != 1 {
		t.Errorf("writes=%d records=%d, want exactly one", f.store.Writes(), f.store.Len())
	}
	if f.extractor.calls.Load() != 1 {
		t.Errorf("store retries must not re-run extraction")
	}
}

func TestHandleDefersAfterStoreRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.store.failures = 10
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeRetryable || res.Stage != ingestion.StageStoring {
		t.Fatalf("got %s at %s", res.Outcome, res.Stage)
	}
	if got := f.store.attempts.Load(); got != 3 {
		t.Errorf("store attempts = %d, want the local budget of 3", got)
	}
	if f.store.Len() != 0 {
		t.Error("no record may exist after a failed store")
	}
}

func TestHandlePermanentStoreFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.store.failures = 10
	f.store.err = errors.New("value too long for column")
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomePermanent {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := f.store.attempts.Load(); got != 1 {
		t.Errorf("store attempts = %d, want 1", got)
	}
}

func TestHandleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	docID := record.DocumentID("documents", "receipt.pdf")

	first := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	raw1, _ := f.store.Raw(docID)
	second := f.handler.Handle(context.Background(), event("evt-2", "receipt.pdf"))
	raw2, _ := f.store.Raw(docID)

	if first.Outcome != ingestion.OutcomeOK || second.Outcome != ingestion.OutcomeOK {
		t.Fatalf("outcomes %s %s", first.Outcome, second.Outcome)
	}
	if !bytes.Equal(raw1, raw2) {
		t.Errorf("records differ:\n%s\n%s", raw1, raw2)
	}
	if f.store.Len() != 1 {
		t.Errorf("expected one record, got %d", f.store.Len())
	}
}

func TestHandleSuppressesRedeliveredEvent(t *testing.T) {
	f := newFixture(t)
	f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	res := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeOK || !res.Duplicate {
		t.Fatalf("expected duplicate ok, got %+v", res)
	}
	if f.extractor.calls.Load() != 1 || f.store.Writes() != 1 {
		t.Errorf("redelivery must not reprocess: extractions=%d writes=%d", f.extractor.calls.Load(), f.store.Writes())
	}
	if v := testutil.ToFloat64(f.metrics.DuplicateEventsTotal); v != 1 {
		t.Errorf("duplicate counter = %v", v)
	}
}

// gatedExtractor parks each extraction until its content length is released
// and reports Amount as the length of the content it saw.
type gatedExtractor struct {
	entered chan int
	release map[int]chan struct{}
}

func (g *gatedExtractor) extract(doc extraction.Document) (*extraction.Result, error) {
	n := len(doc.Content)
	g.entered <- n
	<-g.release[n]
	return &extraction.Result{
		Status: extraction.StatusSucceeded,
		Fields: map[string]extraction.Field{"Amount": {Type: "number", Value: float64(n)}},
	}, nil
}

func TestHandleReplacementDuringInFlightRun(t *testing.T) {
	f := newFixture(t)
	original := []byte("v1")
	replacement := []byte("replacement content")
	gate := &gatedExtractor{
		entered: make(chan int, 2),
		release: map[int]chan struct{}{
			len(original):    make(chan struct{}),
			len(replacement): make(chan struct{}),
		},
	}
	f.extractor.fn = gate.extract
	f.objects.put("documents", "receipt.pdf", original)

	var first, second ingestion.Result
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first = f.handler.Handle(context.Background(), event("evt-v1", "receipt.pdf"))
	}()
	if n := <-gate.entered; n != len(original) {
		t.Fatalf("first run extracted %d bytes", n)
	}

	f.objects.put("documents", "receipt.pdf", replacement)
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		second = f.handler.Handle(context.Background(), event("evt-v2", "receipt.pdf"))
	}()
	select {
	case n := <-gate.entered:
		if n != len(replacement) {
			t.Fatalf("second run extracted %d bytes, want the replacement", n)
		}
	case <-time.After(2 * time.Second):
		close(gate.release[len(original)])
		t.Fatal("replacement event was merged into the in-flight run")
	}

	close(gate.release[len(original)])
	<-firstDone
	close(gate.release[len(replacement)])
	<-secondDone

	if first.Outcome != ingestion.OutcomeOK || second.Outcome != ingestion.OutcomeOK || second.Duplicate {
		t.Fatalf("outcomes = %+v / %+v", first, second)
	}
	if second.Record.ExtractedFields["Amount"] != float64(len(replacement)) {
		t.Errorf("replacement result Amount = %v", second.Record.ExtractedFields["Amount"])
	}
	docID := record.DocumentID("documents", "receipt.pdf")
	stored, err := f.store.Get(context.Background(), docID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExtractedFields["Amount"] != float64(len(replacement)) {
		t.Fatalf("stored Amount = %v, want %d from the replacement", stored.ExtractedFields["Amount"], len(replacement))
	}
	if got := f.extractor.calls.Load(); got != 2 {
		t.Errorf("extractions = %d, want 2", got)
	}

	again := f.handler.Handle(context.Background(), event("evt-v2", "receipt.pdf"))
	if !again.Duplicate {
		t.Errorf("redelivered evt-v2 should be a duplicate, got %+v", again)
	}
	stored, _ = f.store.Get(context.Background(), docID)
	if stored.ExtractedFields["Amount"] != float64(len(replacement)) {
		t.Errorf("record changed after redelivery: %v", stored.ExtractedFields["Amount"])
	}
}

func TestHandleSharesRunForConcurrentRedelivery(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	f.extractor.fn = func(doc extraction.Document) (*extraction.Result, error) {
		entered <- struct{}{}
		<-release
		return amountResult(doc)
	}

	results := make([]ingestion.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
		}()
	}
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, res := range results {
		if res.Outcome != ingestion.OutcomeOK {
			t.Errorf("delivery %d outcome = %s: %v", i, res.Outcome, res.Err)
		}
	}
	if got := f.extractor.calls.Load(); got != 1 {
		t.Errorf("extractions = %d, want 1 for one event id", got)
	}
	if got := f.store.Writes(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestHandleFailedEventIsNotMarked(t *testing.T) {
	f := newFixture(t)
	f.store.failures = 3
	first := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if first.Outcome != ingestion.OutcomeRetryable {
		t.Fatalf("first outcome = %s", first.Outcome)
	}
	second := f.handler.Handle(context.Background(), event("evt-1", "receipt.pdf"))
	if second.Outcome != ingestion.OutcomeOK || second.Duplicate {
		t.Fatalf("redelivery after failure must be processed, got %+v", second)
	}
}

func TestHandleRejectsObjectsOutsideDocumentPath(t *testing.T) {
	f := newFixture(t)
	res := f.handler.Handle(context.Background(), ingestion.Event{Container: "uploads", ObjectName: "receipt.pdf", EventID: "e"})
	if res.Outcome != ingestion.OutcomePermanent || !errors.Is(res.Err, apperrors.ErrInvalidInput) {
		t.Fatalf("got %s: %v", res.Outcome, res.Err)
	}
}

func TestHandleCancelledBeforeStoreWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.extractor.fn = func(doc extraction.Document) (*extraction.Result, error) {
		cancel()
		return amountResult(doc)
	}
	res := f.handler.Handle(ctx, event("evt-1", "receipt.pdf"))
	if res.Outcome != ingestion.OutcomeRetryable {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if f.store.attempts.Load() != 0 {
		t.Error("cancelled run must not write")
	}
}

func postEvent(t *testing.T, h *Handler, env events.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Events(rec, req)
	return rec
}

func TestEventsAnswersValidation(t *testing.T) {
	f := newFixture(t)
	env, _ := events.New(events.TypeSubscriptionValidation, "delivery", "", events.ValidationData{ValidationCode: "abc123"})
	rec := postEvent(t, f.handler, env)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp events.ValidationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ValidationResponse != "abc123" {
		t.Errorf("validationResponse = %q", resp.ValidationResponse)
	}
}

func TestEventsMapsOutcomesToStatus(t *testing.T) {
	f := newFixture(t)
	created := func(name string) events.Envelope {
		env, _ := events.New(events.TypeObjectCreated, "objectstore", events.ObjectSubject("documents", name),
			events.ObjectData{Container: "documents", Name: name})
		return env
	}

	rec := postEvent(t, f.handler, created("receipt.pdf"))
	if rec.Code != http.StatusOK {
		t.Fatalf("ok event status = %d: %s", rec.Code, rec.Body)
	}
	var resp ingestion.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DocumentID != record.DocumentID("documents", "receipt.pdf") || resp.Outcome != ingestion.OutcomeOK {
		t.Errorf("response = %+v", resp)
	}

	if rec := postEvent(t, f.handler, created("gone.pdf")); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing object status = %d, want 422", rec.Code)
	}

	f.extractor.fn = func(extraction.Document) (*extraction.Result, error) {
		return nil, &extraction.ExtractionTimeoutError{Timeout: time.Second}
	}
	if rec := postEvent(t, f.handler, created("receipt.pdf")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("timeout status = %d, want 503", rec.Code)
	}
}

func TestEventsFallsBackToSubject(t *testing.T) {
	f := newFixture(t)
	env := events.Envelope{ID: "evt-9", Type: events.TypeObjectCreated, Subject: events.ObjectSubject("documents", "receipt.pdf")}
	if rec := postEvent(t, f.handler, env); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestEventsRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.handler.Events(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", rec.Code)
	}
	if rec := postEvent(t, f.handler, events.Envelope{Type: events.TypeObjectCreated}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d", rec.Code)
	}
}

func TestEventsIgnoresOtherTypes(t *testing.T) {
	f := newFixture(t)
	env, _ := events.New(events.TypeObjectDeleted, "objectstore", events.ObjectSubject("documents", "receipt.pdf"), events.ObjectData{})
	if rec := postEvent(t, f.handler, env); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.extractor.calls.Load() != 0 {
		t.Error("deleted events must not be processed")
	}
}
