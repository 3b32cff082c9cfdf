// Package ingestion defines the event, outcome and request types shared by
// the ingestion handler, its HTTP intake and the debug trigger.
package ingestion

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// Event asks the handler to process one object. EventID is assigned by the
// delivery system and is empty for debug-trigger runs.
type Event struct {
	Container  string    `json:"container"`
	ObjectName string    `json:"object_name"`
	EventID    string    `json:"event_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Outcome is what the handler reports back to whoever delivered the event.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeRetryable Outcome = "retryable_error"
	OutcomePermanent Outcome = "permanent_error"
)

// HTTPStatus maps an outcome onto the status the delivery system acts on:
// 503 is redelivered, 422 is dropped.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeOK:
		return http.StatusOK
	case OutcomeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// OutcomeFor classifies a handling error.
func OutcomeFor(err error) Outcome {
	switch apperrors.Classify(err) {
	case apperrors.ClassNone:
		return OutcomeOK
	case apperrors.ClassRetryable:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}

// Stage is a state of the per-event state machine.
type Stage string

const (
	StageReceived     Stage = "received"
	StageExtracting   Stage = "extracting"
	StageBuilding     Stage = "building"
	StageStoring      Stage = "storing"
	StageAcknowledged Stage = "acknowledged"
)

// Result is the outcome of handling one event. Stage is where handling
// stopped: acknowledged on success, otherwise the stage that failed.
type Result struct {
	Outcome   Outcome
	Stage     Stage
	Record    *record.DocumentRecord
	Err       error
	Duplicate bool
}

// Response is the JSON body returned by the event and trigger endpoints.
type Response struct {
	Outcome         Outcome        `json:"outcome"`
	Stage           Stage          `json:"stage,omitempty"`
	DocumentID      string         `json:"documentId,omitempty"`
	FileName        string         `json:"fileName,omitempty"`
	ProcessedAt     *time.Time     `json:"processedAt,omitempty"`
	ExtractedFields map[string]any `json:"extractedFields,omitempty"`
	Duplicate       bool           `json:"duplicate,omitempty"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// NewResponse renders res for an HTTP caller.
func NewResponse(res Result) Response {
	resp := Response{
		Outcome:   res.Outcome,
		Stage:     res.Stage,
		Duplicate: res.Duplicate,
	}
	if rec := res.Record; rec != nil {
		processedAt := rec.ProcessedAt
		resp.DocumentID = rec.DocumentID
		resp.FileName = rec.FileName
		resp.ProcessedAt = &processedAt
		resp.ExtractedFields = rec.ExtractedFields
	}
	if res.Err != nil {
		resp.ErrorKind = apperrors.Kind(res.Err)
		resp.Error = res.Err.Error()
	}
	return resp
}

// ProcessRequest is the debug trigger body.
type ProcessRequest struct {
	BlobName      string `json:"blob_name"`
	ContainerName string `json:"container_name"`
}
