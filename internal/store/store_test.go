package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleRecord(total float64) *record.DocumentRecord {
	return &record.DocumentRecord{
		DocumentID:      record.DocumentID("documents", "receipt.pdf"),
		FileName:        "receipt.pdf",
		Container:       "documents",
		ObjectName:      "receipt.pdf",
		ContentType:     "application/pdf",
		ContentSHA256:   "abc",
		Analyzer:        "receipt",
		Status:          extraction.StatusSucceeded,
		ProcessedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		ExtractedFields: map[string]any{"Total": total},
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"serialization", &pq.Error{Code: "40001"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if apperrors.Classify(classify(&pq.Error{Code: "40P01"})) != apperrors.ClassRetryable {
		t.Error("deadlock should classify as retryable")
	}
}

func TestMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Upsert(ctx, sampleRecord(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.Upsert(ctx, sampleRecord(2)); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 || m.Writes() != 2 {
		t.Fatalf("Len=%d Writes=%d, want 1 and 2", m.Len(), m.Writes())
	}
	got, err := m.Get(ctx, sampleRecord(0).DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractedFields["Total"] != 2.0 {
		t.Errorf("Total = %v, want 2", got.ExtractedFields["Total"])
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func setupPostgres(t *testing.T) *postgres.Client {
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
	if err := Migrate(cfg.URL()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := Migrate(cfg.URL()); err != nil {
		t.Fatalf("second Migrate should be a no-op: %v", err)
	}
	db, err := postgres.New(cfg)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// countRecords returns how many rows exist for one object.
func countRecords(t *testing.T, db *postgres.Client, container, objectName string) int {
	t.Helper()
	var n int
	err := db.DB.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM document_records WHERE container = $1 AND object_name = $2`,
		container, objectName,
	).Scan(&n)
	if err != nil {
		t.Fatalf("counting records: %v", err)
	}
	return n
}

func TestPostgresUpsertIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	s := NewPostgres(db)
	ctx := context.Background()

	for _, total := range []float64{10, 10, 42.5} {
		if err := s.Upsert(ctx, sampleRecord(total)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if n := countRecords(t, db, "documents", "receipt.pdf"); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}
	got, err := s.Get(ctx, sampleRecord(0).DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractedFields["Total"] != 42.5 {
		t.Errorf("Total = %v, want last write 42.5", got.ExtractedFields["Total"])
	}
	if !got.ProcessedAt.Equal(sampleRecord(0).ProcessedAt) {
		t.Errorf("ProcessedAt = %v", got.ProcessedAt)
	}
}

func TestPostgresGetMissing(t *testing.T) {
	s := NewPostgres(setupPostgres(t))
	ctx := context.Background()
	if _, err := s.Get(ctx, record.DocumentID("documents", "nope.pdf")); !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "not-a-uuid"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
