// Package trigger is the manual entry point into the ingestion handler. It
// reprocesses a named object on demand, bypassing the delivery system, and
// exposes the stored records for verification.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// Runner handles one event. *handler.Handler implements it.
type Runner interface {
	Handle(ctx context.Context, ev ingestion.Event) ingestion.Result
}

// RecordReader reads stored records by document id.
type RecordReader interface {
	Get(ctx context.Context, documentID string) (*record.DocumentRecord, error)
}

type Trigger struct {
	runner    Runner
	records   RecordReader
	container string
	logger    *slog.Logger
}

// New creates a trigger that defaults to container when a request names
// none.
func New(runner Runner, records RecordReader, container string) *Trigger {
	return &Trigger{
		runner:    runner,
		records:   records,
		container: container,
		logger:    slog.Default().With("component", "debug-trigger"),
	}
}

// Trigger runs the handler for one object with a synthetic event. The event
// has no delivery id, so duplicate suppression never skips it.
func (t *Trigger) Trigger(ctx context.Context, container, objectName string) ingestion.Result {
	if container == "" {
		container = t.container
	}
	logger.FromContext(ctx).Info("manual processing requested", "container", container, "object", objectName)
	return t.runner.Handle(ctx, ingestion.Event{
		Container:  container,
		ObjectName: objectName,
		ReceivedAt: time.Now().UTC(),
	})
}

// Routes mounts the trigger endpoints. Callers wrap r with key checks.
func (t *Trigger) Routes(r chi.Router) {
	r.Post("/api/process", t.Process)
	r.Get("/api/documents/{id}", t.Document)
}

// Process handles POST /api/process {"blob_name", "container_name"}.
func (t *Trigger) Process(w http.ResponseWriter, r *http.Request) {
	var req ingestion.ProcessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		t.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateProcessRequest(&req); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			t.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		t.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := t.Trigger(r.Context(), req.ContainerName, req.BlobName)
	status := res.Outcome.HTTPStatus()
	if res.Outcome == ingestion.OutcomePermanent && errors.Is(res.Err, apperrors.ErrInvalidInput) {
		status = http.StatusBadRequest
	}
	t.writeJSON(w, status, ingestion.NewResponse(res))
}

// Document handles GET /api/documents/{id}.
func (t *Trigger) Document(w http.ResponseWriter, r *http.Request) {
	rec, err := t.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
			logger.FromContext(r.Context()).Error("reading record failed", "error", err)
			status = http.StatusServiceUnavailable
		}
		t.writeError(w, status, err.Error())
		return
	}
	t.writeJSON(w, http.StatusOK, rec)
}

func (t *Trigger) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		t.logger.Error("failed to write response", "error", err)
	}
}

func (t *Trigger) writeError(w http.ResponseWriter, status int, message string) {
	t.writeJSON(w, status, map[string]string{"error": message})
}
