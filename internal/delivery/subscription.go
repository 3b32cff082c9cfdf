// Package delivery is the event delivery system. It keeps named
// subscriptions, validates their endpoints with a handshake, and pushes
// matching object notifications to them with bounded retries and a
// time-to-live, dead-lettering whatever cannot be delivered.
package delivery

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// TargetKind says how a subscription endpoint is addressed.
type TargetKind string

const (
	// TargetHandler is a resource id the delivery service resolves itself
	// and authenticates to with signed tokens.
	TargetHandler TargetKind = "handler"
	// TargetWebhook is a plain URL.
	TargetWebhook TargetKind = "webhook"
)

type Target struct {
	Kind       TargetKind `json:"kind"`
	ResourceID string     `json:"resourceId,omitempty"`
	URL        string     `json:"url,omitempty"`
}

type Filter struct {
	EventTypes    []string `json:"eventTypes"`
	SubjectPrefix string   `json:"subjectPrefix,omitempty"`
}

// Subscription is a named registration. Name is its identity: registering
// the same name again updates it in place.
type Subscription struct {
	Name                string    `json:"name"`
	SourceTopic         string    `json:"sourceTopic"`
	Target              Target    `json:"target"`
	Filter              Filter    `json:"filter"`
	MaxDeliveryAttempts int       `json:"maxDeliveryAttempts"`
	EventTTLMinutes     int       `json:"eventTtlMinutes"`
	CreatedAt           time.Time `json:"createdAt,omitzero"`
	UpdatedAt           time.Time `json:"updatedAt,omitzero"`
}

const (
	maxDeliveryAttemptsLimit = 30
	maxEventTTLMinutes       = 1440
)

// Normalize sorts and de-duplicates the event type set so equal
// registrations compare equal.
func (s *Subscription) Normalize() {
	types := slices.Clone(s.Filter.EventTypes)
	slices.Sort(types)
	s.Filter.EventTypes = slices.Compact(types)
	s.Target.URL = strings.TrimSpace(s.Target.URL)
}

// Validate checks a registration request.
func (s *Subscription) Validate() error {
	var problems []string
	if !namePattern(s.Name) {
		problems = append(problems, "name must be 3-64 characters of letters, digits and dashes")
	}
	if s.SourceTopic == "" {
		problems = append(problems, "sourceTopic is required")
	}
	switch s.Target.Kind {
	case TargetHandler:
		if s.Target.ResourceID == "" {
			problems = append(problems, "target.resourceId is required for handler targets")
		}
	case TargetWebhook:
		u, err := url.Parse(s.Target.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "target.url must be an absolute http(s) URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("target.kind must be %q or %q", TargetHandler, TargetWebhook))
	}
	if len(s.Filter.EventTypes) == 0 {
		problems = append(problems, "filter.eventTypes must not be empty")
	}
	if s.MaxDeliveryAttempts < 1 || s.MaxDeliveryAttempts > maxDeliveryAttemptsLimit {
		problems = append(problems, fmt.Sprintf("maxDeliveryAttempts must be between 1 and %d", maxDeliveryAttemptsLimit))
	}
	if s.EventTTLMinutes < 1 || s.EventTTLMinutes > maxEventTTLMinutes {
		problems = append(problems, fmt.Sprintf("eventTtlMinutes must be between 1 and %d", maxEventTTLMinutes))
	}
	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalidInput, 400, strings.Join(problems, "; "))
	}
	return nil
}

func namePattern(name string) bool {
	if len(name) < 3 || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// Matches reports whether env passes the subscription filter.
func (s *Subscription) Matches(env events.Envelope) bool {
	if !slices.Contains(s.Filter.EventTypes, env.Type) {
		return false
	}
	return strings.HasPrefix(env.Subject, s.Filter.SubjectPrefix)
}

// TTL is how long an event stays deliverable.
func (s *Subscription) TTL() time.Duration {
	return time.Duration(s.EventTTLMinutes) * time.Minute
}

// sameSettings compares everything but timestamps.
func (s *Subscription) sameSettings(o *Subscription) bool {
	return s.Name == o.Name &&
		s.SourceTopic == o.SourceTopic &&
		s.Target == o.Target &&
		slices.Equal(s.Filter.EventTypes, o.Filter.EventTypes) &&
		s.Filter.SubjectPrefix == o.Filter.SubjectPrefix &&
		s.MaxDeliveryAttempts == o.MaxDeliveryAttempts &&
		s.EventTTLMinutes == o.EventTTLMinutes
}

// UpsertStatus says what an upsert did.
type UpsertStatus string

const (
	StatusCreated   UpsertStatus = "created"
	StatusUpdated   UpsertStatus = "updated"
	StatusUnchanged UpsertStatus = "unchanged"
)

// UpsertResult is returned by the registry and the management API.
type UpsertResult struct {
	Status       UpsertStatus `json:"status"`
	Subscription Subscription `json:"subscription"`
}
