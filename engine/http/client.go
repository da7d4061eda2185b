// Package http starts workflow runs on an external engine over its REST API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// IdempotencyKeyHeader carries the trigger message id so the engine can
// collapse redelivered start requests into one run.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// StatusError is returned when the engine answers with a non 2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine answered %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type startRequest struct {
	RunId         string          `json:"runId"`
	Definition    string          `json:"definition"`
	CorrelationId string          `json:"correlationId,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
}

type startResponse struct {
	RunId string `json:"runId"`
}

// Client implements rbx.Engine. Requests go through a circuit breaker that
// only counts transport errors and temporary statuses as failures.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  rbx.Logger
}

var _ rbx.Engine = (*Client)(nil)
var _ rbx.Loggable = (*Client)(nil)

func New(baseURL string, c *http.Client, s gobreaker.Settings) *Client {
	if baseURL == "" {
		panic("baseURL is mandatory")
	}
	if c == nil {
		c = http.DefaultClient
	}
	if s.Name == "" {
		s.Name = "workflow-engine"
	}
	if s.IsSuccessful == nil {
		s.IsSuccessful = isSuccessful
	}
	cl := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
		logger:  &rbx.NopLogger{},
	}
	onStateChange := s.OnStateChange
	s.OnStateChange = func(name string, from, to gobreaker.State) {
		cl.logger.Warn(fmt.Sprintf("circuit breaker %s changed from %s to %s", name, from, to))
		if onStateChange != nil {
			onStateChange(name, from, to)
		}
	}
	cl.breaker = gobreaker.NewCircuitBreaker(s)
	return cl
}

func (c *Client) SetLogger(l rbx.Logger) {
	c.logger = l
}

// StartRun posts the process descriptor to /runs and returns the engine run id.
func (c *Client) StartRun(ctx context.Context, p rbx.ProcessDescriptor, headers map[string]string) (string, error) {
	body, err := json.Marshal(startRequest{
		RunId:         p.RunId.String(),
		Definition:    p.Definition,
		CorrelationId: p.CorrelationId,
		Input:         p.Input,
	})
	if err != nil {
		return "", err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body, headers)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Client) post(ctx context.Context, body []byte, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if key, ok := headers[rbx.IdempotencyHeader]; ok {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding engine response: %w", err)
	}
	if out.RunId == "" {
		return "", errors.New("engine response without runId")
	}
	return out.RunId, nil
}

// isSuccessful keeps client errors from tripping the breaker.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}
