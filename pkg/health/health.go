// Package health serves liveness and readiness probes. Each binary
// registers one Check per dependency; readiness runs them concurrently and
// fails only when a critical one is down.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Status is the state of one dependency or of the service overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

func (s Status) worse(than Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[s] > rank[than]
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one Check.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the readiness response body.
type Report struct {
	Service    string                     `json:"service"`
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds the registered checks for one service.
type Checker struct {
	service      string
	checkTimeout time.Duration
	mu           sync.RWMutex
	checks       map[string]Check
	logger       *slog.Logger
}

// NewChecker creates an empty Checker for the named service.
func NewChecker(service string) *Checker {
	return &Checker{
		service:      service,
		checkTimeout: 2 * time.Second,
		checks:       make(map[string]Check),
		logger:       slog.Default().With("component", "health", "service", service),
	}
}

// Register adds or replaces the check for name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// PingCheck adapts a ping-style probe. Non-critical dependencies report
// degraded instead of down when the probe fails.
func PingCheck(ping func(ctx context.Context) error, critical bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: failed(critical), Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// BreakerCheck reports degraded while cb is not closed. Callers still get
// answers from a tripped dependency, only slower or as retryable errors.
func BreakerCheck(cb *resilience.CircuitBreaker) Check {
	return func(context.Context) ComponentHealth {
		if s := cb.GetState(); s != resilience.StateClosed {
			return ComponentHealth{Status: StatusDegraded, Message: "circuit " + s.String()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// KafkaCheck dials the brokers in order and is up as soon as one answers.
func KafkaCheck(brokers []string, critical bool) Check {
	return func(ctx context.Context) ComponentHealth {
		var lastErr error
		for _, addr := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				return ComponentHealth{Status: StatusUp}
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no brokers configured")
		}
		return ComponentHealth{Status: failed(critical), Message: lastErr.Error()}
	}
}

func failed(critical bool) Status {
	if critical {
		return StatusDown
	}
	return StatusDegraded
}

// Run executes every check concurrently, each bounded by the checker's
// per-check timeout. The overall status is the worst component status.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
			defer cancel()
			start := time.Now()
			res := checks[i](checkCtx)
			res.Latency = time.Since(start).Round(time.Millisecond).String()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Service:    c.service,
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(names)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for i, name := range names {
		comp := results[i]
		report.Components[name] = comp
		if comp.Status == StatusDown {
			c.logger.Warn("dependency down", "dependency", name, "message", comp.Message)
		}
		if comp.Status.worse(report.Status) {
			report.Status = comp.Status
		}
	}
	return report
}

// LiveHandler reports process liveness. It never consults dependencies.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"service":   c.service,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyHandler answers 503 only when a critical dependency is down.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
