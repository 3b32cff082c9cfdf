// Package record turns an extraction result into the persisted document
// record. Builds are deterministic apart from the injected clock.
package record

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/extraction"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/docflow/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/google/uuid"
)

// Namespace scopes document ids; changing it re-keys every record.
var Namespace = uuid.MustParse("6f1f7d0e-5a3b-4c52-9d43-2f0e8b6c1a77")

// DocumentRecord is the stored shape of a processed document. DocumentID is
// the partition key.
type DocumentRecord struct {
	DocumentID      string             `json:"documentId"`
	FileName        string             `json:"fileName"`
	Container       string             `json:"container"`
	ObjectName      string             `json:"objectName"`
	ContentType     string             `json:"contentType"`
	ContentSHA256   string             `json:"contentSha256"`
	Size            int64              `json:"size"`
	Analyzer        string             `json:"analyzer"`
	Status          extraction.Status  `json:"status"`
	ProcessedAt     time.Time          `json:"processedAt"`
	ExtractedFields map[string]any     `json:"extractedFields"`
	Confidence      map[string]float64 `json:"confidence,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// DocumentID derives the record key from the object's identity. The same
// container and name always map to the same id, whatever the content.
func DocumentID(container, objectName string) string {
	return uuid.NewSHA1(Namespace, []byte(container+"/"+objectName)).String()
}

// MalformedExtractionError means the builder was handed a result it must not
// persist. It signals a broken contract upstream, not a runtime condition.
type MalformedExtractionError struct {
	Object string
	Reason string
}

func (e *MalformedExtractionError) Error() string {
	return fmt.Sprintf("malformed extraction for %s: %s", e.Object, e.Reason)
}

func (e *MalformedExtractionError) Unwrap() error { return apperrors.ErrMalformedExtraction }

// Builder maps extraction results to records. With a schema, only declared
// keys are copied and each value must match its declared type.
type Builder struct {
	schema *schema.Document
	now    func() time.Time
}

type Option func(*Builder)

// WithClock replaces time.Now for processedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithSchema restricts and type-checks fields against doc.
func WithSchema(doc *schema.Document) Option {
	return func(b *Builder) { b.schema = doc }
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the record for obj. Values are copied as the service
// returned them, except that integers declared as number become float64.
func (b *Builder) Build(obj objectstore.ObjectInfo, analyzer string, res *extraction.Result) (*DocumentRecord, error) {
	ref := obj.Container + "/" + obj.Name
	switch {
	case obj.Container == "" || obj.Name == "":
		return nil, &MalformedExtractionError{Object: ref, Reason: "object identity is incomplete"}
	case res == nil:
		return nil, &MalformedExtractionError{Object: ref, Reason: "no extraction result"}
	case res.Status == extraction.StatusFailed:
		return nil, &MalformedExtractionError{Object: ref, Reason: "extraction result has failed status"}
	case res.Status != extraction.StatusSucceeded && res.Status != extraction.StatusPartial:
		return nil, &MalformedExtractionError{Object: ref, Reason: fmt.Sprintf("unexpected status %q", res.Status)}
	}

	fields := make(map[string]any, len(res.Fields))
	var confidence map[string]float64
	for key, f := range res.Fields {
		value := f.Value
		if b.schema != nil {
			decl, ok := b.schema.Lookup(key)
			if !ok {
				continue
			}
			v, err := conform(decl.Type, value)
			if err != nil {
				return nil, &MalformedExtractionError{Object: ref, Reason: fmt.Sprintf("field %s: %v", key, err)}
			}
			value = v
		} else if !knownServiceType(f.Type) {
			return nil, &MalformedExtractionError{Object: ref, Reason: fmt.Sprintf("field %s has undeclared type %q", key, f.Type)}
		}
		fields[key] = value
		if f.Confidence != nil {
			if confidence == nil {
				confidence = make(map[string]float64)
			}
			confidence[key] = *f.Confidence
		}
	}

	return &DocumentRecord{
		DocumentID:      DocumentID(obj.Container, obj.Name),
		FileName:        obj.FileName(),
		Container:       obj.Container,
		ObjectName:      obj.Name,
		ContentType:     obj.ContentType,
		ContentSHA256:   obj.SHA256,
		Size:            obj.Size,
		Analyzer:        analyzer,
		Status:          res.Status,
		ProcessedAt:     b.now().UTC(),
		ExtractedFields: fields,
		Confidence:      confidence,
		Warnings:        append([]string(nil), res.Warnings...),
	}, nil
}

func knownServiceType(t string) bool {
	switch t {
	case "string", "number", "integer", "date", "time", "boolean", "array", "object":
		return true
	}
	return false
}

// conform checks value against the declared type.
func conform(declared schema.FieldType, value any) (any, error) {
	switch declared {
	case schema.TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case schema.TypeString, schema.TypeDate:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case schema.TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case schema.TypeArray:
		if v, ok := value.([]any); ok {
			return v, nil
		}
	case schema.TypeObject:
		if v, ok := value.(map[string]any); ok {
			return v, nil
		}
	default:
		return nil, fmt.Errorf("undeclared type %q", declared)
	}
	return nil, fmt.Errorf("value of kind %T does not match declared type %s", value, declared)
}
