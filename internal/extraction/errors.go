package extraction

import (
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// ExtractionTimeoutError is returned when an analysis does not reach a
// terminal status within the configured timeout. Callers may retry.
type ExtractionTimeoutError struct {
	Analyzer string
	Object   string
	Timeout  time.Duration
}

func (e *ExtractionTimeoutError) Error() string {
	return fmt.Sprintf("analysis of %s with %s did not finish within %s", e.Object, e.Analyzer, e.Timeout)
}

func (e *ExtractionTimeoutError) Unwrap() error { return apperrors.ErrExtractionTimeout }

// ExtractionError is a terminal failure reported by the service, or a
// response the client cannot interpret. Retrying the same input will not
// help.
type ExtractionError struct {
	Analyzer   string
	Object     string
	StatusCode int
	Code       string
	Message    string
}

func (e *ExtractionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis of %s with %s failed (http %d, %s): %s", e.Object, e.Analyzer, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("analysis of %s with %s failed (%s): %s", e.Object, e.Analyzer, e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error { return apperrors.ErrExtractionFailed }

// AnalyzerPublishError carries the upstream status and body of a rejected
// analyzer create-or-replace. Status is zero when no response was received.
type AnalyzerPublishError struct {
	Analyzer string
	Status   int
	Body     string
}

func (e *AnalyzerPublishError) Error() string {
	return fmt.Sprintf("publishing analyzer %s: status %d: %s", e.Analyzer, e.Status, e.Body)
}

func (e *AnalyzerPublishError) Unwrap() error { return apperrors.ErrAnalyzerPublish }
