// Package publisher announces stored document records on Kafka so other
// services can react to newly processed documents. Announcing is best
// effort: the record is already durable when Notify runs.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
)

const source = "docflow/ingestor"

// Publisher turns records into Document.Processed events.
type Publisher struct {
	producer kafka.Publisher
	logger   *slog.Logger
}

func New(producer kafka.Publisher) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   slog.Default().With("component", "record-publisher"),
	}
}

// Notify publishes rec keyed by document id, so every event for one
// document lands on the same partition.
func (p *Publisher) Notify(ctx context.Context, rec *record.DocumentRecord) error {
	env, err := events.New(events.TypeDocumentProcessed, source, events.DocumentSubject(rec.DocumentID), events.DocumentData{
		DocumentID:  rec.DocumentID,
		Container:   rec.Container,
		Name:        rec.ObjectName,
		Analyzer:    rec.Analyzer,
		Status:      string(rec.Status),
		FieldCount:  len(rec.ExtractedFields),
		ProcessedAt: rec.ProcessedAt,
	})
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, kafka.Event{Key: rec.DocumentID, Value: env, Headers: env.Headers()}); err != nil {
		p.logger.Error("failed to announce record",
			"doc_id", rec.DocumentID,
			"error", err,
		)
		return fmt.Errorf("announcing record %s: %w", rec.DocumentID, err)
	}
	return nil
}
