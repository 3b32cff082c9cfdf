package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// Memory is an in-process document store with the same upsert and read
// semantics as Postgres. Records are kept in their encoded form so reads
// return what a round trip through the database would.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
	writes  int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) Upsert(ctx context.Context, rec *record.DocumentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.DocumentID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.DocumentID] = body
	m.writes++
	return nil
}

func (m *Memory) Get(_ context.Context, documentID string) (*record.DocumentRecord, error) {
	m.mu.Lock()
	body, ok := m.records[documentID]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, 404, "no record for %s", documentID)
	}
	var rec record.DocumentRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", documentID, err)
	}
	return &rec, nil
}

// Raw returns the stored encoding of a record.
func (m *Memory) Raw(documentID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.records[documentID]
	return body, ok
}

// Len is the number of distinct records held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Writes counts successful Upsert calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
