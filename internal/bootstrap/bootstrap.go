// Package bootstrap registers the ingestion handler with the delivery
// system after a deployment. The handler may still be starting, so the
// registration is retried a bounded number of times.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/delivery"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
)

// Config describes the registration to converge on.
type Config struct {
	DeliveryURL         string
	APIKey              string
	SubscriptionName    string
	SourceTopic         string
	ResourceID          string
	WebhookURL          string
	EventTypes          []string
	SubjectPrefix       string
	MaxDeliveryAttempts int
	EventTTLMinutes     int
	WarmUp              time.Duration
	MaxAttempts         int
	RetryDelay          time.Duration
	RequestTimeout      time.Duration
}

// SubscriptionBootstrapError is returned when no attempt succeeded. The
// pipeline is not operational until a later run succeeds.
type SubscriptionBootstrapError struct {
	Subscription string
	Attempts     int
	Last         error
}

func (e *SubscriptionBootstrapError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", apperrors.ErrBootstrap, e.Subscription, e.Attempts, e.Last)
}

func (e *SubscriptionBootstrapError) Unwrap() []error {
	return []error{apperrors.ErrBootstrap, e.Last}
}

// statusError is a non-2xx answer from the management API.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("delivery API answered %d: %s", e.Status, e.Body)
}

// retryable reports whether another attempt could succeed. Rejected
// registrations fail fast.
func retryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

type Bootstrapper struct {
	cfg    Config
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

func New(cfg Config, client *http.Client) *Bootstrapper {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Bootstrapper{
		cfg:    cfg,
		client: client,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "bootstrap", "subscription", cfg.SubscriptionName),
	}
}

// Target prefers a handler resource id and falls back to a webhook URL.
func (b *Bootstrapper) Target() (delivery.Target, error) {
	switch {
	case b.cfg.ResourceID != "":
		return delivery.Target{Kind: delivery.TargetHandler, ResourceID: b.cfg.ResourceID}, nil
	case b.cfg.WebhookURL != "":
		return delivery.Target{Kind: delivery.TargetWebhook, URL: b.cfg.WebhookURL}, nil
	}
	return delivery.Target{}, apperrors.New(apperrors.ErrInvalidInput, 400, "neither a handler resource id nor a webhook URL is configured")
}

// Subscription is the registration Run converges on.
func (b *Bootstrapper) Subscription() (delivery.Subscription, error) {
	target, err := b.Target()
	if err != nil {
		return delivery.Subscription{}, err
	}
	sub := delivery.Subscription{
		Name:        b.cfg.SubscriptionName,
		SourceTopic: b.cfg.SourceTopic,
		Target:      target,
		Filter: delivery.Filter{
			EventTypes:    b.cfg.EventTypes,
			SubjectPrefix: b.cfg.SubjectPrefix,
		},
		MaxDeliveryAttempts: b.cfg.MaxDeliveryAttempts,
		EventTTLMinutes:     b.cfg.EventTTLMinutes,
	}
	sub.Normalize()
	return sub, sub.Validate()
}

// Run waits for the warm-up interval and then upserts the registration,
// retrying with a fixed delay. Running it again against a correct
// registration reports unchanged.
func (b *Bootstrapper) Run(ctx context.Context) (*delivery.UpsertResult, error) {
	sub, err := b.Subscription()
	if err != nil {
		return nil, err
	}
	b.logger.Info("bootstrapping subscription",
		"target_kind", sub.Target.Kind,
		"warm_up", b.cfg.WarmUp,
		"max_attempts", b.cfg.MaxAttempts,
	)
	if err := b.sleep(ctx, b.cfg.WarmUp); err != nil {
		return nil, fmt.Errorf("bootstrap aborted during warm-up: %w", err)
	}

	var last error
	attempts := 0
	for attempts < b.cfg.MaxAttempts {
		attempts++
		var res *delivery.UpsertResult
		err := resilience.WithTimeout(ctx, b.cfg.RequestTimeout, "subscription upsert", func(ctx context.Context) error {
			var err error
			res, err = b.put(ctx, sub)
			return err
		})
		if err == nil {
			b.logger.Info("subscription in place", "status", res.Status, "attempt", attempts)
			return res, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bootstrap aborted: %w", ctx.Err())
		}
		if !retryable(err) {
			b.logger.Error("subscription rejected", "attempt", attempts, "error", err)
			break
		}
		if attempts == b.cfg.MaxAttempts {
			break
		}
		b.logger.Warn("subscription attempt failed, retrying", "attempt", attempts, "error", err, "next_delay", b.cfg.RetryDelay)
		if err := b.sleep(ctx, b.cfg.RetryDelay); err != nil {
			return nil, fmt.Errorf("bootstrap aborted: %w", err)
		}
	}
	return nil, &SubscriptionBootstrapError{Subscription: sub.Name, Attempts: attempts, Last: last}
}

func (b *Bootstrapper) put(ctx context.Context, sub delivery.Subscription) (*delivery.UpsertResult, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encoding subscription: %w", err)
	}
	endpoint := strings.TrimRight(b.cfg.DeliveryURL, "/") + "/api/v1/subscriptions/" + url.PathEscape(sub.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling delivery API: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var res delivery.UpsertResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding delivery API response: %w", err)
	}
	return &res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
