package delivery

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

const source = "docflow/delivery"

// ErrEndpointValidation means a subscription endpoint did not complete the
// validation handshake.
var ErrEndpointValidation = errors.New("endpoint validation failed")

// TokenMinter signs tokens for handler targets. *token.Signer implements it.
type TokenMinter interface {
	Mint(audience, subscription string) (string, error)
}

// Sender posts events to subscription endpoints.
type Sender struct {
	client            *http.Client
	minter            TokenMinter
	resources         map[string]string
	validationTimeout time.Duration
}

// NewSender creates a Sender. resources maps handler resource ids to
// endpoint URLs; minter may be nil when no handler targets are used.
func NewSender(client *http.Client, minter TokenMinter, resources map[string]string, validationTimeout time.Duration) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if validationTimeout <= 0 {
		validationTimeout = 10 * time.Second
	}
	return &Sender{client: client, minter: minter, resources: resources, validationTimeout: validationTimeout}
}

// Endpoint resolves a target to the URL events are posted to.
func (s *Sender) Endpoint(t Target) (string, error) {
	switch t.Kind {
	case TargetHandler:
		u, ok := s.resources[t.ResourceID]
		if !ok {
			return "", apperrors.Newf(apperrors.ErrInvalidInput, 400, "unknown handler resource %q", t.ResourceID)
		}
		return u, nil
	case TargetWebhook:
		return t.URL, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalidInput, 400, "unknown target kind %q", t.Kind)
}

// Send posts env to sub's endpoint and returns the response status and
// body. A transport failure returns status 0 and the error.
func (s *Sender) Send(ctx context.Context, sub *Subscription, env events.Envelope) (int, []byte, error) {
	endpoint, err := s.Endpoint(sub.Target)
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding event %s: %w", env.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", env.ID)
	req.Header.Set("X-Event-Type", env.Type)
	req.Header.Set("X-Subscription", sub.Name)
	if s.minter != nil {
		audience := sub.Target.ResourceID
		if sub.Target.Kind == TargetWebhook {
			audience = sub.Target.URL
		}
		tok, err := s.minter.Mint(audience, sub.Name)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("posting to %s: %w", sub.Name, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, respBody, nil
}

// Validate runs the handshake: the endpoint must echo a random code sent in
// a validation event.
func (s *Sender) Validate(ctx context.Context, sub *Subscription) error {
	code, err := validationCode()
	if err != nil {
		return err
	}
	env, err := events.New(events.TypeSubscriptionValidation, source, "/subscriptions/"+sub.Name,
		events.ValidationData{ValidationCode: code})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.validationTimeout)
	defer cancel()

	status, body, err := s.Send(ctx, sub, env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointValidation, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: endpoint answered %d", ErrEndpointValidation, status)
	}
	var resp events.ValidationResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ValidationResponse != code {
		return fmt.Errorf("%w: endpoint did not echo the validation code", ErrEndpointValidation)
	}
	return nil
}

func validationCode() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating validation code: %w", err)
	}
	return hex.EncodeToString(b), nil
}
