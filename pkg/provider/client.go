// Package provider calls the configured LLM endpoint and turns its answers into plans and addon specs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/otelhelper"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/taxonomy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSystemPrompt = "You are an expert Blender add-on planner. Produce a concise implementation plan for scaffold edits and validation steps."
	DefaultTimeout      = 30 * time.Second
	MaxRetries          = 5

	redacted = "[REDACTED]"
)

// KeyResolver returns the API key to send for settings, "" when none is configured.
type KeyResolver func(settings models.Settings) string

// Request is one completion call.
type Request struct {
	Prompt       string
	Model        string
	SystemPrompt string
	Operation    string
	Timeout      time.Duration // per attempt
	MaxRetries   int

	// OnSpan receives the finished provider span, success or not.
	OnSpan func(span protocol.Span)
}

// Response is the assistant text of a successful call.
type Response struct {
	Provider string
	Model    string
	Content  string
	Usage    map[string]any
	Attempts int
	Retries  int
}

// Client sends completion requests using the request shape of the configured provider.
type Client struct {
	http     *http.Client
	keys     KeyResolver
	recorder *metrics.Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewClient(keys KeyResolver, recorder *metrics.Recorder, tracer trace.Tracer, logger *slog.Logger) *Client {
	if tracer == nil {
		tracer = otelhelper.Noop()
	}

	return &Client{
		http:     &http.Client{},
		keys:     keys,
		recorder: recorder,
		tracer:   tracer,
		logger:   logger.With("module", "provider"),
	}
}

// Complete sends req, retrying timeouts, 5xx answers and connection failures up to req.MaxRetries times.
func (c *Client) Complete(ctx context.Context, req Request, settings models.Settings) (*Response, error) {
	apiKey := strings.TrimSpace(c.keys(settings))
	if apiKey == "" {
		return nil, taxonomy.New(taxonomy.CodeMissingAPIKey, "No API key configured for provider call.")
	}

	cfg := ResolveRequestConfig(settings)
	adp := adapterFor(cfg.Provider)

	if req.SystemPrompt == "" {
		req.SystemPrompt = DefaultSystemPrompt
	}

	if req.Operation == "" {
		req.Operation = "provider_call"
	}

	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	retries := min(max(req.MaxRetries, 0), MaxRetries)
	startedAt := time.Now().UTC()

	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "provider."+cfg.Provider+".request",
		attribute.String(otelhelper.ProviderKey, cfg.Provider),
		attribute.String(otelhelper.ModelKey, req.Model),
		attribute.String(otelhelper.OperationKey, req.Operation),
	)
	defer span.End()

	var (
		lastErr error
		used    int
	)

	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := c.attempt(ctx, cfg, adp, apiKey, req)
		if err == nil {
			resp.Attempts = attempt + 1
			resp.Retries = attempt
			c.finish(cfg, req, startedAt, attempt, nil, span)

			return resp, nil
		}

		lastErr = err
		used = attempt

		if ctx.Err() != nil || attempt == retries || !retryable(err) {
			break
		}

		c.logger.WarnContext(ctx, "retrying provider call",
			"provider", cfg.Provider, "operation", req.Operation, "attempt", attempt+1, "error", err)
	}

	c.finish(cfg, req, startedAt, used, lastErr, span)

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, cfg RequestConfig, adp adapter, apiKey string, req Request) (*Response, error) {
	body, err := json.Marshal(adp.buildRequest(cfg, req.Model, req.SystemPrompt, req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, cfg.ResolvedURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(cfg.KeyHeader, cfg.KeyPrefix+apiKey)

	if cfg.AnthropicVersion != "" {
		httpReq.Header.Set("anthropic-version", cfg.AnthropicVersion)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, taxonomy.Newf(taxonomy.CodeProviderTimeout,
				"Provider request timed out after %dms.", req.Timeout.Milliseconds())
		}

		return nil, &NetworkError{Err: errors.New(scrub(err.Error(), apiKey)), cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: errors.New(scrub(err.Error(), apiKey)), cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		details := strings.TrimSpace(string(raw))
		if details == "" {
			details = "{}"
		}

		return nil, taxonomy.Newf(taxonomy.CodeProviderHTTPError,
			"Provider request failed (%d): %s", resp.StatusCode, scrub(details, apiKey)).
			WithDetail("status", resp.StatusCode)
	}

	payload := decodePayload(raw)

	content := adp.extractContent(payload)
	if content == "" {
		return nil, taxonomy.New(taxonomy.CodeEmptyProviderContent, "Provider returned empty assistant content.")
	}

	return &Response{
		Provider: cfg.Provider,
		Model:    req.Model,
		Content:  content,
		Usage:    adp.extractUsage(payload),
	}, nil
}

func (c *Client) finish(cfg RequestConfig, req Request, startedAt time.Time, retries int, err error, span trace.Span) {
	endedAt := time.Now().UTC()

	if c.recorder != nil {
		c.recorder.RecordProviderCall(metrics.ProviderCall{
			Provider:  cfg.Provider,
			Operation: req.Operation,
			Success:   err == nil,
			Latency:   endedAt.Sub(startedAt),
			Retries:   retries,
		})
	}

	span.SetAttributes(attribute.Int(otelhelper.AttemptCountKey, retries+1))

	if err != nil {
		otelhelper.SetError(span, err)
	}

	if req.OnSpan != nil {
		req.OnSpan(protocol.Span{
			Name:      "provider." + cfg.Provider + ".request",
			Component: "provider",
			StartedAt: startedAt,
			EndedAt:   endedAt,
			Attributes: map[string]any{
				"provider":  cfg.Provider,
				"operation": req.Operation,
				"model":     req.Model,
				"attempts":  retries + 1,
				"retries":   retries,
			},
			Err: err,
		})
	}
}

// NetworkError is a transport failure before any HTTP status was received.
type NetworkError struct {
	Err   error // scrubbed message
	cause error
}

func (e *NetworkError) Error() string {
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.cause
}

func retryable(err error) bool {
	switch taxonomy.CodeOf(err) {
	case taxonomy.CodeProviderTimeout:
		return true
	case taxonomy.CodeProviderHTTPError:
		var coded *taxonomy.Error
		if errors.As(err, &coded) {
			status, _ := coded.Details["status"].(int)

			return status >= 500
		}

		return false
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var opErr net.Error

	return errors.As(err, &opErr) && opErr.Timeout()
}

func scrub(text, secret string) string {
	if secret == "" {
		return text
	}

	return strings.ReplaceAll(text, secret, redacted)
}
