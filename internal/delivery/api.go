package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// EndpointValidator runs the endpoint handshake. *Sender implements it.
type EndpointValidator interface {
	Validate(ctx context.Context, sub *Subscription) error
}

// API is the subscription management API.
type API struct {
	registry  Registry
	validator EndpointValidator
	logger    *slog.Logger
}

func NewAPI(registry Registry, validator EndpointValidator) *API {
	return &API{
		registry:  registry,
		validator: validator,
		logger:    slog.Default().With("component", "subscription-api"),
	}
}

func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1/subscriptions", func(r chi.Router) {
		r.Get("/", a.List)
		r.Put("/{name}", a.Put)
		r.Get("/{name}", a.Get)
		r.Delete("/{name}", a.Delete)
	})
}

// Put creates or updates the subscription named in the path. New or
// changed endpoints must pass the validation handshake first.
func (a *API) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var sub Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&sub); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub.Name = chi.URLParam(r, "name")
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		a.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}

	existing, err := a.registry.Get(ctx, sub.Name)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		a.fail(w, r, err)
		return
	}
	if existing == nil || !existing.sameSettings(&sub) {
		if err := a.validator.Validate(ctx, &sub); err != nil {
			logger.FromContext(ctx).Warn("endpoint validation failed", "subscription", sub.Name, "error", err)
			a.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	res, err := a.registry.Upsert(ctx, sub)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == StatusCreated {
		status = http.StatusCreated
	}
	logger.FromContext(ctx).Info("subscription upserted", "subscription", sub.Name, "status", res.Status)
	a.writeJSON(w, status, res)
}

func (a *API) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := a.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sub)
}

func (a *API) List(w http.ResponseWriter, r *http.Request) {
	subs, err := a.registry.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []Subscription{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (a *API) Delete(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		logger.FromContext(r.Context()).Error("registry operation failed", "error", err)
		status = http.StatusServiceUnavailable
	}
	a.writeError(w, status, err.Error())
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
