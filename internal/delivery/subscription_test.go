package delivery

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/store"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testTopic = "object-events"

func documentSubscription() Subscription {
	return Subscription{
		Name:        "documents-created",
		SourceTopic: testTopic,
		Target:      Target{Kind: TargetHandler, ResourceID: "ingestor"},
		Filter: Filter{
			EventTypes:    []string{events.TypeObjectCreated},
			SubjectPrefix: "/containers/documents/objects/incoming/",
		},
		MaxDeliveryAttempts: 5,
		EventTTLMinutes:     60,
	}
}

func TestSubscriptionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Subscription)
		valid  bool
	}{
		{"valid handler", func(*Subscription) {}, true},
		{"valid webhook", func(s *Subscription) { s.Target = Target{Kind: TargetWebhook, URL: "https://hooks.example.com/events"} }, true},
		{"short name", func(s *Subscription) { s.Name = "ab" }, false},
		{"name with slash", func(s *Subscription) { s.Name = "docs/created" }, false},
		{"missing topic", func(s *Subscription) { s.SourceTopic = "" }, false},
		{"handler without resource", func(s *Subscription) { s.Target.ResourceID = "" }, false},
		{"relative webhook url", func(s *Subscription) { s.Target = Target{Kind: TargetWebhook, URL: "/events"} }, false},
		{"unknown kind", func(s *Subscription) { s.Target.Kind = "queue" }, false},
		{"no event types", func(s *Subscription) { s.Filter.EventTypes = nil }, false},
		{"zero attempts", func(s *Subscription) { s.MaxDeliveryAttempts = 0 }, false},
		{"too many attempts", func(s *Subscription) { s.MaxDeliveryAttempts = 31 }, false},
		{"ttl over a day", func(s *Subscription) { s.EventTTLMinutes = 1441 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := documentSubscription()
			tt.mutate(&sub)
			err := sub.Validate()
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid {
				if !errors.Is(err, apperrors.ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				if apperrors.HTTPStatusCode(err) != 400 {
					t.Errorf("status = %d, want 400", apperrors.HTTPStatusCode(err))
				}
			}
		})
	}
}

func TestSubscriptionMatches(t *testing.T) {
	sub := documentSubscription()
	tests := []struct {
		name string
		env  events.Envelope
		want bool
	}{
		{"created under prefix", events.Envelope{Type: events.TypeObjectCreated, Subject: "/containers/documents/objects/incoming/a.pdf"}, true},
		{"deleted", events.Envelope{Type: events.TypeObjectDeleted, Subject: "/containers/documents/objects/incoming/a.pdf"}, false},
		{"other prefix", events.Envelope{Type: events.TypeObjectCreated, Subject: "/containers/documents/objects/archive/a.pdf"}, false},
		{"other container", events.Envelope{Type: events.TypeObjectCreated, Subject: "/containers/images/objects/incoming/a.pdf"}, false},
	}
	for _, tt := range tests {
		if got := sub.Matches(tt.env); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMemoryRegistryUpsertStatuses(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	sub := documentSubscription()
	res, err := reg.Upsert(ctx, sub)
	if err != nil || res.Status != StatusCreated {
		t.Fatalf("first upsert = %+v, %v", res, err)
	}

	now = now.Add(time.Hour)
	reordered := documentSubscription()
	reordered.Filter.EventTypes = []string{events.TypeObjectCreated, events.TypeObjectCreated}
	res, err = reg.Upsert(ctx, reordered)
	if err != nil || res.Status != StatusUnchanged {
		t.Fatalf("same settings upsert = %+v, %v", res, err)
	}
	if !res.Subscription.UpdatedAt.Equal(res.Subscription.CreatedAt) {
		t.Error("unchanged upsert must not touch updatedAt")
	}

	changed := documentSubscription()
	changed.MaxDeliveryAttempts = 10
	res, err = reg.Upsert(ctx, changed)
	if err != nil || res.Status != StatusUpdated {
		t.Fatalf("changed upsert = %+v, %v", res, err)
	}
	if !res.Subscription.UpdatedAt.Equal(now) || res.Subscription.CreatedAt.Equal(now) {
		t.Errorf("timestamps = created %v updated %v", res.Subscription.CreatedAt, res.Subscription.UpdatedAt)
	}

	subs, _ := reg.List(ctx)
	if len(subs) != 1 || subs[0].MaxDeliveryAttempts != 10 {
		t.Fatalf("List = %+v", subs)
	}
	if err := reg.Delete(ctx, sub.Name); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(ctx, sub.Name); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

type countingRegistry struct {
	Registry
	lists int
}

func (c *countingRegistry) List(ctx context.Context) ([]Subscription, error) {
	c.lists++
	return c.Registry.List(ctx)
}

func TestCachedRegistryInvalidatesOnChange(t *testing.T) {
	ctx := context.Background()
	inner := &countingRegistry{Registry: NewMemoryRegistry()}
	reg := NewCachedRegistry(inner, time.Minute)

	if _, err := reg.Upsert(ctx, documentSubscription()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := reg.List(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if inner.lists != 1 {
		t.Fatalf("expected cached list, inner called %d times", inner.lists)
	}

	if _, err := reg.Upsert(ctx, documentSubscription()); err != nil {
		t.Fatal(err)
	}
	reg.List(ctx)
	if inner.lists != 1 {
		t.Errorf("unchanged upsert should keep the cache, inner called %d times", inner.lists)
	}

	changed := documentSubscription()
	changed.EventTTLMinutes = 30
	reg.Upsert(ctx, changed)
	subs, _ := reg.List(ctx)
	if inner.lists != 2 || subs[0].EventTTLMinutes != 30 {
		t.Errorf("changed upsert should refresh the cache: lists=%d subs=%+v", inner.lists, subs)
	}

	reg.Delete(ctx, changed.Name)
	subs, _ = reg.List(ctx)
	if len(subs) != 0 {
		t.Errorf("expected empty list after delete, got %+v", subs)
	}
}

func setupRegistry(t *testing.T) *PostgresRegistry {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("docflow_test"),
		tcpostgres.WithUsername("docflow"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.PostgresConfig{
		Host:         host,
		Port:         portNum,
		Database:     "docflow_test",
		User:         "docflow",
		Password:     "test-password",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 1,
	}
	if err := store.Migrate(cfg.URL()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	db, err := postgres.New(cfg)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresRegistry(db)
}

func TestPostgresRegistryConverges(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	want := []UpsertStatus{StatusCreated, StatusUnchanged, StatusUnchanged}
	var createdAt time.Time
	for i, status := range want {
		res, err := reg.Upsert(ctx, documentSubscription())
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if res.Status != status {
			t.Fatalf("upsert %d status = %s, want %s", i, res.Status, status)
		}
		if i == 0 {
			createdAt = res.Subscription.CreatedAt
			continue
		}
		// Unchanged upserts report the stored row.
		if !res.Subscription.CreatedAt.Equal(createdAt) || res.Subscription.Target.ResourceID != "ingestor" {
			t.Errorf("upsert %d returned %+v, want the stored registration", i, res.Subscription)
		}
	}

	changed := documentSubscription()
	changed.Filter.SubjectPrefix = "/containers/documents/objects/"
	res, err := reg.Upsert(ctx, changed)
	if err != nil || res.Status != StatusUpdated {
		t.Fatalf("changed upsert = %+v, %v", res, err)
	}

	got, err := reg.Get(ctx, changed.Name)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filter.SubjectPrefix != changed.Filter.SubjectPrefix || got.Target != changed.Target {
		t.Errorf("stored = %+v", got)
	}
	if len(got.Filter.EventTypes) != 1 || got.Filter.EventTypes[0] != events.TypeObjectCreated {
		t.Errorf("event types = %v", got.Filter.EventTypes)
	}

	subs, err := reg.List(ctx)
	if err != nil || len(subs) != 1 {
		t.Fatalf("List = %+v, %v", subs, err)
	}
	if err := reg.Delete(ctx, changed.Name); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, changed.Name); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
