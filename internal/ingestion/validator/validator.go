// Package validator checks inbound event envelopes and debug-trigger
// requests before they reach the handler, returning per-field details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

const maxEventIDLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// ValidateEnvelope checks the fields every delivered event must carry.
func ValidateEnvelope(env *events.Envelope) error {
	errs := make(map[string]string)
	if strings.TrimSpace(env.ID) == "" {
		errs["id"] = "id is required"
	} else if len(env.ID) > maxEventIDLength {
		errs["id"] = fmt.Sprintf("id must be at most %d characters", maxEventIDLength)
	}
	if env.Type == "" {
		errs["type"] = "type is required"
	}
	if env.Type == events.TypeObjectCreated && env.Subject == "" && len(env.Data) == 0 {
		errs["subject"] = "object events need a subject or data"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateProcessRequest checks a debug trigger request. An empty container
// is allowed; the caller substitutes the configured document container.
func ValidateProcessRequest(req *ingestion.ProcessRequest) error {
	errs := make(map[string]string)
	if strings.TrimSpace(req.BlobName) == "" {
		errs["blob_name"] = "blob_name is required"
	} else if err := objectstore.ValidateName(req.BlobName); err != nil {
		errs["blob_name"] = err.Error()
	}
	if req.ContainerName != "" {
		if err := objectstore.ValidateContainer(req.ContainerName); err != nil {
			errs["container_name"] = err.Error()
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
