package extraction

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the terminal state of an extraction as seen by callers.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Span locates a value in the analyzed content.
type Span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Field is one extracted value with its optional provenance.
type Field struct {
	Type       string   `json:"type"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	Spans      []Span   `json:"spans,omitempty"`
}

// Result is the parsed outcome of one analysis.
type Result struct {
	AnalyzerID string           `json:"analyzerId"`
	Status     Status           `json:"status"`
	Fields     map[string]Field `json:"fields"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// Keys returns the extracted field keys in sorted order.
func (r *Result) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AverageConfidence averages the confidence of fields that report one.
func (r *Result) AverageConfidence() float64 {
	var sum float64
	var n int
	for _, f := range r.Fields {
		if f.Confidence != nil {
			sum += *f.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

type operation struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result"`
	AnalyzeResult json.RawMessage `json:"analyzeResult"`
	Error         *serviceError   `json:"error"`
}

type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzeResult struct {
	AnalyzerID string `json:"analyzerId"`
	Contents   []struct {
		Fields map[string]rawField `json:"fields"`
	} `json:"contents"`
	Warnings []serviceError `json:"warnings"`
}

type rawField struct {
	Type         string              `json:"type"`
	ValueString  *string             `json:"valueString"`
	ValueNumber  *float64            `json:"valueNumber"`
	ValueInteger *int64              `json:"valueInteger"`
	ValueDate    *string             `json:"valueDate"`
	ValueTime    *string             `json:"valueTime"`
	ValueBoolean *bool               `json:"valueBoolean"`
	ValueArray   []rawField          `json:"valueArray"`
	ValueObject  map[string]rawField `json:"valueObject"`
	Confidence   *float64            `json:"confidence"`
	Source       string              `json:"source"`
	Spans        []Span              `json:"spans"`
}

// value returns the typed value and whether the service supplied one.
func (f rawField) value() (any, bool) {
	switch {
	case f.ValueString != nil:
		return *f.ValueString, true
	case f.ValueNumber != nil:
		return *f.ValueNumber, true
	case f.ValueInteger != nil:
		return *f.ValueInteger, true
	case f.ValueDate != nil:
		return *f.ValueDate, true
	case f.ValueTime != nil:
		return *f.ValueTime, true
	case f.ValueBoolean != nil:
		return *f.ValueBoolean, true
	case f.ValueArray != nil:
		out := make([]any, 0, len(f.ValueArray))
		for _, item := range f.ValueArray {
			if v, ok := item.value(); ok {
				out = append(out, v)
			}
		}
		return out, true
	case f.ValueObject != nil:
		out := make(map[string]any, len(f.ValueObject))
		for k, member := range f.ValueObject {
			if v, ok := member.value(); ok {
				out[k] = v
			}
		}
		return out, true
	}
	return nil, false
}

// parseResult turns a succeeded operation body into a Result. Fields without
// a value are left out; the first content that carries a key wins.
func parseResult(op *operation) (*Result, error) {
	payload := op.Result
	if len(payload) == 0 || string(payload) == "null" {
		payload = op.AnalyzeResult
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil, fmt.Errorf("succeeded operation carries no result")
	}
	var ar analyzeResult
	if err := json.Unmarshal(payload, &ar); err != nil {
		return nil, fmt.Errorf("decoding analyze result: %w", err)
	}

	res := &Result{
		AnalyzerID: ar.AnalyzerID,
		Status:     StatusSucceeded,
		Fields:     make(map[string]Field),
	}
	for _, content := range ar.Contents {
		for key, rf := range content.Fields {
			if _, seen := res.Fields[key]; seen {
				continue
			}
			v, ok := rf.value()
			if !ok {
				continue
			}
			res.Fields[key] = Field{
				Type:       rf.Type,
				Value:      v,
				Confidence: rf.Confidence,
				Source:     rf.Source,
				Spans:      rf.Spans,
			}
		}
	}
	for _, w := range ar.Warnings {
		msg := w.Message
		if w.Code != "" {
			msg = w.Code + ": " + msg
		}
		res.Warnings = append(res.Warnings, msg)
	}
	if len(res.Warnings) > 0 {
		res.Status = StatusPartial
	}
	return res, nil
}
