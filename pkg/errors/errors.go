// Package errors defines the pipeline's sentinel errors, an HTTP-aware
// AppError wrapper, and the mapping from errors to handler outcomes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrObjectNotFound      = errors.New("object not found")
	ErrRecordNotFound      = errors.New("record not found")
	ErrSchemaValidation    = errors.New("schema validation failed")
	ErrAnalyzerPublish     = errors.New("analyzer publish failed")
	ErrExtractionTimeout   = errors.New("extraction timed out")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrMalformedExtraction = errors.New("malformed extraction result")
	ErrTransient           = errors.New("transient failure")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInternal            = errors.New("internal error")
	ErrBootstrap           = errors.New("subscription bootstrap failed")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Transient wraps err so that it classifies as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Class is the retry classification of an error.
type Class int

const (
	ClassNone Class = iota
	ClassRetryable
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Classify decides whether err should be retried by the delivery system.
// Anything not known to be retryable is permanent.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrExtractionTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

// Kind returns a short stable label for logs and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrObjectNotFound):
		return "object_not_found"
	case errors.Is(err, ErrSchemaValidation):
		return "schema_validation"
	case errors.Is(err, ErrAnalyzerPublish):
		return "analyzer_publish"
	case errors.Is(err, ErrExtractionTimeout):
		return "extraction_timeout"
	case errors.Is(err, ErrExtractionFailed):
		return "extraction_failed"
	case errors.Is(err, ErrMalformedExtraction):
		return "malformed_extraction"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	switch Classify(err) {
	case ClassRetryable:
		return http.StatusServiceUnavailable
	case ClassPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
