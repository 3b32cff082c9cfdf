// Package events defines the notification envelope that flows from the
// object store through the delivery system to subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeObjectCreated          = "Object.Created"
	TypeObjectDeleted          = "Object.Deleted"
	TypeSubscriptionValidation = "Delivery.SubscriptionValidation"
	TypeDocumentProcessed      = "Document.Processed"
)

// Envelope is one notification. Data is kept raw so the delivery system can
// forward it without knowing its shape.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Headers returns the envelope attributes as Kafka headers using the
// ce_ prefix, so consumers can route without decoding the body.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		"ce_id":      e.ID,
		"ce_type":    e.Type,
		"ce_source":  e.Source,
		"ce_subject": e.Subject,
	}
}

// ObjectData is the payload of Object.* events.
type ObjectData struct {
	Container   string `json:"container"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
	URL         string `json:"url,omitempty"`
}

// DocumentData is the payload of Document.Processed events.
type DocumentData struct {
	DocumentID  string    `json:"documentId"`
	Container   string    `json:"container"`
	Name        string    `json:"name"`
	Analyzer    string    `json:"analyzer"`
	Status      string    `json:"status"`
	FieldCount  int       `json:"fieldCount"`
	ProcessedAt time.Time `json:"processedAt"`
}

// DocumentSubject returns the subject used for events about a record.
func DocumentSubject(documentID string) string {
	return "/documents/" + documentID
}

// ValidationData is the payload of a subscription validation event.
type ValidationData struct {
	ValidationCode string `json:"validationCode"`
}

// ValidationResponse is what an endpoint answers to a validation event.
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// New builds an envelope with a fresh id and the current time.
func New(eventType, source, subject string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s data: %w", eventType, err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    raw,
	}, nil
}

// ObjectSubject returns the subject used for events about an object.
func ObjectSubject(container, name string) string {
	return "/containers/" + container + "/objects/" + name
}

// ParseObjectSubject splits a subject produced by ObjectSubject.
func ParseObjectSubject(subject string) (container, name string, err error) {
	rest, ok := strings.CutPrefix(subject, "/containers/")
	if !ok {
		return "", "", fmt.Errorf("subject %q is not an object subject", subject)
	}
	container, name, ok = strings.Cut(rest, "/objects/")
	if !ok || container == "" || name == "" {
		return "", "", fmt.Errorf("subject %q is not an object subject", subject)
	}
	return container, name, nil
}
