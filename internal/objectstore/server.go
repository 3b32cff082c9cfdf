package objectstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/go-chi/chi/v5"
)

const (
	headerSHA256 = "X-Content-SHA256"
	maxUpload    = 100 << 20
)

// Routes mounts the object API on r:
//
//	PUT    /containers/{container}/objects/*
//	GET    /containers/{container}/objects/*
//	HEAD   /containers/{container}/objects/*
//	DELETE /containers/{container}/objects/*
func (s *Service) Routes(r chi.Router) {
	r.Route("/containers/{container}/objects", func(r chi.Router) {
		r.Put("/*", s.handlePut)
		r.Get("/*", s.handleGet)
		r.Head("/*", s.handleGet)
		r.Delete("/*", s.handleDelete)
	})
}

func objectParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "container"), chi.URLParam(r, "*")
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	container, name := objectParams(r)
	info, err := s.Put(r.Context(), container, name, http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil && info == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// Stored but not announced.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "object": info})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	container, name := objectParams(r)
	obj, err := s.Get(r.Context(), container, name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", obj.Info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Info.Size, 10))
	w.Header().Set("Last-Modified", obj.Info.ModifiedAt.Format(http.TimeFormat))
	w.Header().Set(headerSHA256, obj.Info.SHA256)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(obj.Content)
	}
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	container, name := objectParams(r)
	if err := s.Delete(r.Context(), container, name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrObjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		status = http.StatusRequestEntityTooLarge
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
