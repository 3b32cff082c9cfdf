package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/events"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// Dead-letter reasons.
const (
	ReasonRejected          = "rejected"
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonExpired           = "ttl_expired"
	ReasonUnresolvable      = "unresolvable"
)

// DeadLetter is published for every event a subscription gave up on.
type DeadLetter struct {
	Subscription string          `json:"subscription"`
	Reason       string          `json:"reason"`
	Attempts     int             `json:"attempts"`
	LastStatus   int             `json:"lastStatus,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	FailedAt     time.Time       `json:"failedAt"`
	Event        events.Envelope `json:"event"`
}

// dropStatus lists responses that mean the endpoint will never accept the
// event, so retrying is pointless.
var dropStatus = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusUnauthorized:          true,
	http.StatusForbidden:             true,
	http.StatusNotFound:              true,
	http.StatusGone:                  true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

// DispatcherConfig bounds one delivery attempt and the backoff between
// attempts. The attempt budget and time-to-live come from each
// subscription.
type DispatcherConfig struct {
	Topic          string
	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher fans notifications out to matching subscriptions.
type Dispatcher struct {
	cfg        DispatcherConfig
	registry   Registry
	sender     *Sender
	deadLetter kafka.Publisher
	metrics    *metrics.Metrics
	backoff    resilience.RetryConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig, registry Registry, sender *Sender, deadLetter kafka.Publisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		sender:     sender,
		deadLetter: deadLetter,
		metrics:    m,
		backoff: resilience.RetryConfig{
			InitialDelay:   cfg.InitialBackoff,
			MaxDelay:       cfg.MaxBackoff,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		now:    time.Now,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "dispatcher"),
	}
}

// HandleMessage is the Kafka message handler. It returns an error only when
// shutting down, leaving the offset uncommitted so the event is
// redelivered after restart.
func (d *Dispatcher) HandleMessage(ctx context.Context, _ []byte, value []byte) error {
	env, err := kafka.DecodeJSON[events.Envelope](value)
	if err != nil {
		d.logger.Error("dropping undecodable notification", "error", err, "value_size", len(value))
		return nil
	}
	return d.Dispatch(ctx, env)
}

// Dispatch delivers env to every matching subscription in parallel and
// returns once each has delivered or given up.
func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) error {
	subs, err := d.registry.List(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range subs {
		sub := &subs[i]
		if sub.SourceTopic != d.cfg.Topic || !sub.Matches(env) {
			continue
		}
		g.Go(func() error { return d.deliver(gctx, sub, env) })
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, env events.Envelope) error {
	log := d.logger.With("subscription", sub.Name, "event_id", env.ID, "subject", env.Subject)
	published := env.Time
	if published.IsZero() {
		published = d.now()
	}
	expires := published.Add(sub.TTL())

	var lastStatus int
	var lastErr error
	for attempt := 1; ; attempt++ {
		if !d.now().Before(expires) {
			return d.giveUp(ctx, sub, env, ReasonExpired, attempt-1, lastStatus, lastErr)
		}

		status, err := d.attempt(ctx, sub, env)
		lastStatus, lastErr = status, err
		switch {
		case err == nil && status >= 200 && status < 300:
			d.count(sub, "delivered")
			log.Debug("event delivered", "attempt", attempt, "status", status)
			return nil
		case errors.Is(err, apperrors.ErrInvalidInput):
			d.count(sub, "unresolvable")
			return d.giveUp(ctx, sub, env, ReasonUnresolvable, attempt, 0, err)
		case err == nil && dropStatus[status]:
			d.count(sub, "rejected")
			return d.giveUp(ctx, sub, env, ReasonRejected, attempt, status, nil)
		}

		d.count(sub, "failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= sub.MaxDeliveryAttempts {
			return d.giveUp(ctx, sub, env, ReasonAttemptsExhausted, attempt, lastStatus, lastErr)
		}
		delay := resilience.ComputeDelay(attempt, d.backoff)
		if remaining := expires.Sub(d.now()); delay > remaining {
			delay = remaining
		}
		log.Warn("delivery failed, retrying", "attempt", attempt, "status", status, "error", err, "next_delay", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, env events.Envelope) (int, error) {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}
	status, _, err := d.sender.Send(ctx, sub, env)
	return status, err
}

// giveUp dead-letters env for sub. It only fails when ctx is done.
func (d *Dispatcher) giveUp(ctx context.Context, sub *Subscription, env events.Envelope, reason string, attempts, status int, err error) error {
	dl := DeadLetter{
		Subscription: sub.Name,
		Reason:       reason,
		Attempts:     attempts,
		LastStatus:   status,
		FailedAt:     d.now().UTC(),
		Event:        env,
	}
	if err != nil {
		dl.LastError = err.Error()
	}
	d.logger.Error("event dead-lettered",
		"subscription", sub.Name,
		"event_id", env.ID,
		"subject", env.Subject,
		"reason", reason,
		"attempts", attempts,
		"last_status", status,
		"error", err,
	)
	if d.metrics != nil {
		d.metrics.DeliveryDeadLetters.WithLabelValues(sub.Name, reason).Inc()
	}
	if d.deadLetter == nil {
		return nil
	}
	if pubErr := d.deadLetter.Publish(ctx, kafka.Event{Key: env.ID, Value: dl}); pubErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Error("failed to publish dead letter", "event_id", env.ID, "error", pubErr)
	}
	return nil
}

func (d *Dispatcher) count(sub *Subscription, result string) {
	if d.metrics != nil {
		d.metrics.DeliveryAttempts.WithLabelValues(sub.Name, result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
