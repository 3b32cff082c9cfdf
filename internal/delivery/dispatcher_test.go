package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
)

type recordingPublisher struct {
	mu      sync.Mutex
	letters []DeadLetter
	keys    []string
}

func (p *recordingPublisher) Publish(_ context.Context, ev kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dl, ok := ev.Value.(DeadLetter)
	if !ok {
		return fmt.Errorf("unexpected value %T", ev.Value)
	}
	p.letters = append(p.letters, dl)
	p.keys = append(p.keys, ev.Key)
	return nil
}

func (p *recordingPublisher) all() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetter(nil), p.letters...)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

// statusEndpoint answers with statuses in order, repeating the last one.
type statusEndpoint struct {
	srv      *httptest.Server
	statuses []int
	calls    atomic.Int32
}

func newStatusEndpoint(t *testing.T, statuses ...int) *statusEndpoint {
	t.Helper()
	e := &statusEndpoint{statuses: statuses}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(e.calls.Add(1))
		if n > len(e.statuses) {
			n = len(e.statuses)
		}
		w.WriteHeader(e.statuses[n-1])
	}))
	t.Cleanup(e.srv.Close)
	return e
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	registry   *MemoryRegistry
	dead       *recordingPublisher
	clock      *fakeClock
	endpoint   *statusEndpoint
}

func newDispatchFixture(t *testing.T, statuses ...int) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		registry: NewMemoryRegistry(),
		dead:     &recordingPublisher{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		endpoint: newStatusEndpoint(t, statuses...),
	}
	sender := NewSender(f.endpoint.srv.Client(), nil, map[string]string{"ingestor": f.endpoint.srv.URL}, time.Second)
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Topic:          testTopic,
		RequestTimeout: time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}, f.registry, sender, f.dead, nil)
	f.dispatcher.now = f.clock.Now
	f.dispatcher.sleep = f.clock.Sleep
	return f
}

func (f *dispatchFixture) subscribe(t *testing.T, mutate func(*Subscription)) {
	t.Helper()
	sub := documentSubscription()
	if mutate != nil {
		mutate(&sub)
	}
	if _, err := f.registry.Upsert(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
}

func (f *dispatchFixture) event() events.Envelope {
	return events.Envelope{
		ID:      "evt-1",
		Type:    events.TypeObjectCreated,
		Source:  "docflow/objectstore",
		Subject: "/containers/documents/objects/incoming/receipt.pdf",
		Time:    f.clock.Now(),
	}
}

func TestDispatchDelivers(t *testing.T) {
	f := newDispatchFixture(t, http.StatusOK)
	f.subscribe(t, nil)

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if len(f.dead.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", f.dead.all())
	}
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	f := newDispatchFixture(t, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusOK)
	f.subscribe(t, nil)

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
	if len(f.clock.delays) != 2 || f.clock.delays[1] <= f.clock.delays[0] {
		t.Errorf("expected growing backoff, got %v", f.clock.delays)
	}
	if len(f.dead.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", f.dead.all())
	}
}

func TestDispatchDropsRejectedEvents(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 410, 413, 422} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			f := newDispatchFixture(t, status)
			f.subscribe(t, nil)

			if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
				t.Fatal(err)
			}
			if got := f.endpoint.calls.Load(); got != 1 {
				t.Errorf("requests = %d, want 1", got)
			}
			letters := f.dead.all()
			if len(letters) != 1 {
				t.Fatalf("dead letters = %d, want 1", len(letters))
			}
			dl := letters[0]
			if dl.Reason != ReasonRejected || dl.LastStatus != status || dl.Attempts != 1 {
				t.Errorf("dead letter = %+v", dl)
			}
			if dl.Event.ID != "evt-1" || f.dead.keys[0] != "evt-1" {
				t.Errorf("dead letter should carry the event, got %+v", dl.Event)
			}
		})
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	f := newDispatchFixture(t, http.StatusInternalServerError)
	f.subscribe(t, func(s *Subscription) { s.MaxDeliveryAttempts = 3 })

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	letters := f.dead.all()
	if len(letters) != 1 || letters[0].Reason != ReasonAttemptsExhausted || letters[0].Attempts != 3 {
		t.Fatalf("dead letters = %+v", letters)
	}
	if letters[0].LastStatus != http.StatusInternalServerError {
		t.Errorf("last status = %d", letters[0].LastStatus)
	}
}

func TestDispatchStopsAtTTL(t *testing.T) {
	f := newDispatchFixture(t, http.StatusInternalServerError)
	f.dispatcher.backoff.InitialDelay = 40 * time.Second
	f.dispatcher.backoff.MaxDelay = 40 * time.Second
	f.subscribe(t, func(s *Subscription) {
		s.MaxDeliveryAttempts = 30
		s.EventTTLMinutes = 1
	})

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	letters := f.dead.all()
	if len(letters) != 1 || letters[0].Reason != ReasonExpired || letters[0].Attempts != 2 {
		t.Fatalf("dead letters = %+v", letters)
	}
	var total time.Duration
	for _, d := range f.clock.delays {
		total += d
	}
	if total != time.Minute {
		t.Errorf("backoff should stop at the TTL, slept %v", total)
	}
}

func TestDispatchExpiredOnArrival(t *testing.T) {
	f := newDispatchFixture(t, http.StatusOK)
	f.subscribe(t, nil)
	env := f.event()
	env.Time = env.Time.Add(-2 * time.Hour)

	if err := f.dispatcher.Dispatch(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
	if letters := f.dead.all(); len(letters) != 1 || letters[0].Reason != ReasonExpired {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	f := newDispatchFixture(t, http.StatusOK)
	f.subscribe(t, func(s *Subscription) { s.Name = "other-topic"; s.SourceTopic = "audit-events" })
	f.subscribe(t, func(s *Subscription) { s.Name = "deletes-only"; s.Filter.EventTypes = []string{events.TypeObjectDeleted} })
	f.subscribe(t, func(s *Subscription) { s.Name = "archive"; s.Filter.SubjectPrefix = "/containers/documents/objects/archive/" })

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestDispatchFansOut(t *testing.T) {
	f := newDispatchFixture(t, http.StatusOK)
	f.subscribe(t, nil)
	f.subscribe(t, func(s *Subscription) { s.Name = "documents-audit" })

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestDispatchUnresolvableTarget(t *testing.T) {
	f := newDispatchFixture(t, http.StatusOK)
	f.subscribe(t, func(s *Subscription) { s.Target.ResourceID = "billing" })

	if err := f.dispatcher.Dispatch(context.Background(), f.event()); err != nil {
		t.Fatal(err)
	}
	if got := f.endpoint.calls.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
	if letters := f.dead.all(); len(letters) != 1 || letters[0].Reason != ReasonUnresolvable {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestHandleMessage(t *testing.T) {
	t.Run("undecodable value is skipped", func(t *testing.T) {
		f := newDispatchFixture(t, http.StatusOK)
		f.subscribe(t, nil)
		if err := f.dispatcher.HandleMessage(context.Background(), nil, []byte("{not json")); err != nil {
			t.Fatalf("expected nil so the offset commits, got %v", err)
		}
		if got := f.endpoint.calls.Load(); got != 0 {
			t.Errorf("requests = %d, want 0", got)
		}
	})

	t.Run("shutdown leaves the offset uncommitted", func(t *testing.T) {
		f := newDispatchFixture(t, http.StatusServiceUnavailable)
		f.subscribe(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		f.dispatcher.sleep = func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}
		value := []byte(`{"id":"evt-1","type":"Object.Created","subject":"/containers/documents/objects/incoming/a.pdf","time":"` +
			f.clock.Now().Format(time.RFC3339) + `"}`)
		err := f.dispatcher.HandleMessage(ctx, nil, value)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if len(f.dead.all()) != 0 {
			t.Errorf("cancelled delivery must not dead-letter")
		}
	})
}
