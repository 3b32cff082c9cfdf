// Package store persists document records in PostgreSQL. Records are keyed
// by document id and written with upsert semantics, so reprocessing an
// object replaces its record instead of adding another.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// Migrate brings the database at databaseURL up to the latest schema.
func Migrate(databaseURL string) error {
	return postgres.Migrate(Migrations, "migrations", databaseURL)
}

// Postgres is the document store backed by the document_records table.
type Postgres struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgres(db *postgres.Client) *Postgres {
	return &Postgres{
		db:     db,
		logger: slog.Default().With("component", "document-store"),
	}
}

// Upsert inserts rec or replaces the record already stored under its
// document id. Errors the database may recover from are wrapped as
// transient.
func (s *Postgres) Upsert(ctx context.Context, rec *record.DocumentRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.DocumentID, err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO document_records
		   (document_id, container, object_name, file_name, content_sha256, analyzer, status, processed_at, record)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (document_id) DO UPDATE SET
		   container      = EXCLUDED.container,
		   object_name    = EXCLUDED.object_name,
		   file_name      = EXCLUDED.file_name,
		   content_sha256 = EXCLUDED.content_sha256,
		   analyzer       = EXCLUDED.analyzer,
		   status         = EXCLUDED.status,
		   processed_at   = EXCLUDED.processed_at,
		   record         = EXCLUDED.record,
		   updated_at     = NOW()`,
		rec.DocumentID, rec.Container, rec.ObjectName, rec.FileName, rec.ContentSHA256,
		rec.Analyzer, string(rec.Status), rec.ProcessedAt, body,
	)
	if err != nil {
		return classify(fmt.Errorf("upserting record %s: %w", rec.DocumentID, err))
	}
	s.logger.Debug("record upserted", "doc_id", rec.DocumentID, "object", rec.Container+"/"+rec.ObjectName)
	return nil
}

// Get returns the record stored under documentID.
func (s *Postgres) Get(ctx context.Context, documentID string) (*record.DocumentRecord, error) {
	var body []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT record FROM document_records WHERE document_id = $1`,
		documentID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, 404, "no record for %s", documentID)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "malformed document id %q", documentID)
		}
		return nil, classify(fmt.Errorf("reading record %s: %w", documentID, err))
	}
	var rec record.DocumentRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", documentID, err)
	}
	return &rec, nil
}

// classify wraps err as transient when retrying the statement could succeed:
// lost connections, serialization conflicts, and resource exhaustion.
func classify(err error) error {
	if IsTransient(err) {
		return apperrors.Transient(err)
	}
	return err
}

// IsTransient reports whether err is a database failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			strings.HasPrefix(code, "53"), // insufficient resources
			code == "40001",               // serialization_failure
			code == "40P01",               // deadlock_detected
			code == "55P03",               // lock_not_available
			code == "57P01",               // admin_shutdown
			code == "57P03":               // cannot_connect_now
			return true
		}
	}
	return false
}
