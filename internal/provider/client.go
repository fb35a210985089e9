package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const maxResponseBytes = 8 << 20

// Credentials identify the user's agent at the provider.
type Credentials struct {
	AgentID string
	APIKey  string
}

// Feed lists the executions a provider has recorded for an agent.
type Feed interface {
	Name() string
	// Currency is the ISO code the provider reports costs in.
	Currency() string
	FetchExecutions(ctx context.Context, creds Credentials) ([]billing.ExecutionRecord, error)
}

type CallRequest struct {
	From string
	To   string
}

type CallPlacer interface {
	PlaceCall(ctx context.Context, creds Credentials, req CallRequest) (json.RawMessage, error)
}

type BatchScheduler interface {
	ScheduleBatch(ctx context.Context, creds Credentials, batchID string, at time.Time) (json.RawMessage, error)
}

type Config struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

type request struct {
	method      string
	path        string
	auth        string
	body        []byte
	contentType string
}

// client is the shared HTTP plumbing behind every provider.
type client struct {
	name     string
	baseURL  string
	http     *http.Client
	executor failsafe.Executor[[]byte]
	metrics  *metrics.Metrics
	logger   logging.Logger
}

func newClient(name, baseURL string, cfg Config, m *metrics.Metrics, logger logging.Logger) *client {
	cfg = cfg.normalize()
	policy := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool { return retryable(err) }).
		Build()
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	return &client{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		executor: failsafe.With[[]byte](policy),
		metrics:  m,
		logger:   logger,
	}
}

func (c *client) do(ctx context.Context, req request) ([]byte, error) {
	var lastErr error
	attempts := 0
	data, err := c.executor.WithContext(ctx).Get(func() ([]byte, error) {
		attempts++
		body, err := c.once(ctx, req)
		lastErr = err
		return body, err
	})
	if err == nil {
		c.metrics.ObserveProvider(c.name, "ok")
		return data, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		lastErr = ctxErr
	} else if lastErr == nil {
		lastErr = err
	}
	classified := c.classify(lastErr)
	c.metrics.ObserveProvider(c.name, string(billing.KindOf(classified)))
	c.logger.WithFields(logging.Fields{
		"provider": c.name,
		"path":     req.path,
		"attempts": attempts,
		"error":    lastErr,
	}).Warn("provider request failed")
	return nil, classified
}

func (c *client) once(ctx context.Context, req request) ([]byte, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, err
	}
	if req.auth != "" {
		httpReq.Header.Set("Authorization", req.auth)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Provider: c.name, StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
	}
	return payload, nil
}

func (c *client) classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return billing.NewError(billing.KindAuth, c.name+" rejected the credentials", err)
		case se.StatusCode == http.StatusNotFound:
			return billing.NewError(billing.KindNotFound, c.name+" has no data for this agent", err)
		case se.StatusCode == http.StatusTooManyRequests:
			return billing.NewError(billing.KindRateLimited, c.name+" rate limit exceeded", err)
		case se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity:
			return billing.NewError(billing.KindBadInput, c.name+" rejected the request", err)
		default:
			return billing.NewError(billing.KindProvider, c.name+" request failed", err)
		}
	}
	return billing.NewError(billing.KindTransient, c.name+" unreachable", err)
}

func (c *client) getJSON(ctx context.Context, path, auth string, dest any) error {
	data, err := c.do(ctx, request{method: http.MethodGet, path: path, auth: auth})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return billing.NewError(billing.KindProvider, c.name+" returned malformed JSON", err)
	}
	return nil
}

func (c *client) postJSON(ctx context.Context, path, auth string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, request{method: http.MethodPost, path: path, auth: auth, body: body, contentType: "application/json"})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func bearer(apiKey string) string {
	return "Bearer " + apiKey
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
