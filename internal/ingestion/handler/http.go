package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
)

const maxEventBytes = 1 << 20

// Events is the webhook the delivery system posts notifications to. It
// answers validation handshakes, runs Object.Created events through Handle
// and maps the outcome onto the HTTP status the delivery system acts on.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var env events.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&env); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateEnvelope(&env); err != nil {
		h.writeValidationError(w, err)
		return
	}

	switch env.Type {
	case events.TypeSubscriptionValidation:
		var data events.ValidationData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.ValidationCode == "" {
			h.writeError(w, http.StatusBadRequest, "validation event has no code")
			return
		}
		log.Info("answering subscription validation", "event_id", env.ID)
		h.writeJSON(w, http.StatusOK, events.ValidationResponse{ValidationResponse: data.ValidationCode})
	case events.TypeObjectCreated:
		ev, err := objectEvent(env)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res := h.Handle(ctx, ev)
		h.writeJSON(w, res.Outcome.HTTPStatus(), ingestion.NewResponse(res))
	default:
		log.Debug("ignoring event type", "type", env.Type, "event_id", env.ID)
		h.writeJSON(w, http.StatusOK, map[string]any{"outcome": ingestion.OutcomeOK, "ignored": true})
	}
}

// objectEvent reads the object reference from the payload, falling back to
// the subject.
func objectEvent(env events.Envelope) (ingestion.Event, error) {
	ev := ingestion.Event{EventID: env.ID, ReceivedAt: time.Now().UTC()}
	if len(env.Data) > 0 {
		var data events.ObjectData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return ev, errors.New("object event data is not valid JSON")
		}
		ev.Container, ev.ObjectName = data.Container, data.Name
	}
	if ev.Container == "" || ev.ObjectName == "" {
		container, name, err := events.ParseObjectSubject(env.Subject)
		if err != nil {
			return ev, err
		}
		ev.Container, ev.ObjectName = container, name
	}
	return ev, nil
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
