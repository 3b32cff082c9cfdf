// Package extraction is the client for the external document extraction
// service: it publishes analyzers, submits documents, polls the analysis
// until it reaches a terminal status, and parses the extracted fields.
package extraction

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

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
)

const (
	keyHeader       = "Ocp-Apim-Subscription-Key"
	operationHeader = "Operation-Location"
	maxErrorBody    = 4 << 10
)

// Document is the content submitted for analysis.
type Document struct {
	Container   string
	Name        string
	ContentType string
	Content     []byte
}

// TokenSource supplies a bearer token for each request.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to the extraction service. It is safe for concurrent use.
type Client struct {
	cfg        config.ExtractionConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	token      TokenSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource adds an Authorization: Bearer header to every call.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithMetrics records extraction outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a Client. The circuit breaker counts only transient failures,
// so a run of documents the service rejects does not open it.
func New(cfg config.ExtractionConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     slog.Default().With("component", "extraction-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		IsFailure:        func(err error) bool { return errors.Is(err, apperrors.ErrTransient) },
	}
	if c.metrics != nil {
		cbCfg.OnStateChange = c.metrics.BreakerStateHook()
	}
	c.breaker = resilience.NewCircuitBreaker("extraction", cbCfg)
	return c
}

func (c *Client) baseURL() string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	if p := strings.Trim(c.cfg.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func (c *Client) withVersion(u string) string {
	if c.cfg.APIVersion == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "api-version=" + url.QueryEscape(c.cfg.APIVersion)
}

// Extract submits doc to the named analyzer and waits for the analysis. The
// whole call, submission included, is bounded by the configured timeout.
func (c *Client) Extract(ctx context.Context, analyzer string, doc Document) (*Result, error) {
	if analyzer == "" {
		return nil, &ExtractionError{Object: doc.Name, Code: "NoAnalyzer", Message: "no analyzer configured"}
	}
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.extract(opCtx, analyzer, doc)
	if err != nil {
		if ctx.Err() == nil && opCtx.Err() != nil {
			err = &ExtractionTimeoutError{Analyzer: analyzer, Object: objectRef(doc), Timeout: c.cfg.Timeout}
		}
		c.observe(outcomeLabel(err), start)
		return nil, err
	}
	c.observe(string(res.Status), start)
	c.logger.Info("extraction complete",
		"object", objectRef(doc),
		"analyzer", analyzer,
		"status", res.Status,
		"fields", len(res.Fields),
		"field_keys", res.Keys(),
		"average_confidence", res.AverageConfidence(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (c *Client) extract(ctx context.Context, analyzer string, doc Document) (*Result, error) {
	var location string
	err := c.breaker.Execute(func() error {
		var err error
		location, err = c.submit(ctx, analyzer, doc)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, apperrors.Transient(err)
	}
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, analyzer, doc, location)
}

func (c *Client) submit(ctx context.Context, analyzer string, doc Document) (string, error) {
	u := c.withVersion(fmt.Sprintf("%s/analyzers/%s:analyze", c.baseURL(), url.PathEscape(analyzer)))
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := c.do(ctx, http.MethodPost, u, contentType, bytes.NewReader(doc.Content))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", c.statusError(resp, analyzer, doc)
	}
	if loc := resp.Header.Get(operationHeader); loc != "" {
		return loc, nil
	}
	var op operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil || op.ID == "" {
		return "", &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), StatusCode: resp.StatusCode, Code: "NoOperation", Message: "response carried neither Operation-Location nor an id"}
	}
	return c.withVersion(fmt.Sprintf("%s/analyzerResults/%s", c.baseURL(), url.PathEscape(op.ID))), nil
}

// poll reads the operation until it is terminal. Transient poll failures are
// tolerated; only the deadline ends a stalled analysis.
func (c *Client) poll(ctx context.Context, analyzer string, doc Document, location string) (*Result, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		op, err := c.fetchOperation(ctx, analyzer, doc, location)
		switch {
		case err == nil:
			switch strings.ToLower(op.Status) {
			case "succeeded":
				res, perr := parseResult(op)
				if perr != nil {
					return nil, &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), Code: "MalformedResult", Message: perr.Error()}
				}
				return res, nil
			case "failed":
				ee := &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), Code: "Failed", Message: "unknown error"}
				if op.Error != nil {
					if op.Error.Code != "" {
						ee.Code = op.Error.Code
					}
					if op.Error.Message != "" {
						ee.Message = op.Error.Message
					}
				}
				return nil, ee
			case "notstarted", "running":
			default:
				return nil, &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), Code: "UnknownStatus", Message: fmt.Sprintf("unknown status %q", op.Status)}
			}
		case errors.Is(err, apperrors.ErrTransient):
			if ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn("poll failed, will retry", "object", objectRef(doc), "error", err)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchOperation(ctx context.Context, analyzer string, doc Document, location string) (*operation, error) {
	resp, err := c.do(ctx, http.MethodGet, location, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, analyzer, doc)
	}
	var op operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), StatusCode: resp.StatusCode, Code: "MalformedResponse", Message: err.Error()}
	}
	return &op, nil
}

// PublishAnalyzer creates or replaces the analyzer name with def. When the
// service accepts the request asynchronously the call waits for the
// operation, bounded by the extraction timeout.
func (c *Client) PublishAnalyzer(ctx context.Context, name string, def *schema.AnalyzerDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding analyzer %s: %w", name, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.withVersion(fmt.Sprintf("%s/analyzers/%s", c.baseURL(), url.PathEscape(name)))
	resp, err := c.do(opCtx, http.MethodPut, u, "application/json", bytes.NewReader(body))
	if err != nil {
		return &AnalyzerPublishError{Analyzer: name, Body: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &AnalyzerPublishError{Analyzer: name, Status: resp.StatusCode, Body: readBody(resp.Body)}
	}
	location := resp.Header.Get(operationHeader)
	if location == "" {
		c.logger.Info("analyzer published", "analyzer", name, "status", resp.StatusCode)
		return nil
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		op, err := c.fetchOperation(opCtx, name, Document{Name: name}, location)
		if err != nil && !errors.Is(err, apperrors.ErrTransient) {
			return &AnalyzerPublishError{Analyzer: name, Body: err.Error()}
		}
		if err == nil {
			switch strings.ToLower(op.Status) {
			case "succeeded", "ready":
				c.logger.Info("analyzer published", "analyzer", name)
				return nil
			case "failed":
				msg := "analyzer creation failed"
				if op.Error != nil && op.Error.Message != "" {
					msg = op.Error.Message
				}
				return &AnalyzerPublishError{Analyzer: name, Status: http.StatusOK, Body: msg}
			}
		}
		select {
		case <-opCtx.Done():
			return &AnalyzerPublishError{Analyzer: name, Body: "timed out waiting for analyzer: " + opCtx.Err().Error()}
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, u, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(keyHeader, c.cfg.APIKey)
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, apperrors.Transient(fmt.Errorf("acquiring token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Transient(fmt.Errorf("%s %s: %w", method, redact(u), err))
	}
	return resp, nil
}

// statusError classifies a non-success response: throttling, timeouts and
// server errors are transient, anything else is a permanent rejection.
func (c *Client) statusError(resp *http.Response, analyzer string, doc Document) error {
	body := readBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.Transient(fmt.Errorf("extraction service answered %d: %s", resp.StatusCode, body))
	}
	ee := &ExtractionError{Analyzer: analyzer, Object: objectRef(doc), StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: body}
	var envelope struct {
		Error *serviceError `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) == nil && envelope.Error != nil {
		if envelope.Error.Code != "" {
			ee.Code = envelope.Error.Code
		}
		if envelope.Error.Message != "" {
			ee.Message = envelope.Error.Message
		}
	}
	return ee
}

func (c *Client) observe(result string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ExtractionsTotal.WithLabelValues(result).Inc()
	c.metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
}

// Breaker exposes the circuit breaker for readiness checks.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrExtractionTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

func objectRef(doc Document) string {
	if doc.Container == "" {
		return doc.Name
	}
	return doc.Container + "/" + doc.Name
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func redact(u string) string {
	if i := strings.Index(u, "?"); i >= 0 {
		return u[:i]
	}
	return u
}
