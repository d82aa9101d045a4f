package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/rules"
	"github.com/rendis/flowpilot/pkg/schema"
)

// HTTPConfig configures api_call steps.
type HTTPConfig struct {
	BaseURL         string // relative step URLs resolve against it
	DefaultTimeout  time.Duration
	MaxResponseBody int64
	Client          *http.Client
	Breakers        *CircuitBreakers
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// APICallHandler performs the HTTP request described by the step config.
// url, method, headers and body are interpolated against the variables.
type APICallHandler struct {
	config HTTPConfig
	base   *url.URL
	logger *slog.Logger
}

// NewAPICallHandler creates an api_call handler.
func NewAPICallHandler(cfg HTTPConfig, logger *slog.Logger) (*APICallHandler, error) {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakers(DefaultCircuitBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &APICallHandler{config: cfg, logger: logger}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid http base url %q", cfg.BaseURL)
		}
		h.base = u
	}
	return h, nil
}

func (h *APICallHandler) Type() schema.StepType { return schema.StepTypeAPICall }

func (h *APICallHandler) ValidateConfig(config map[string]any) error {
	if stringParam(config, "url", "") == "" {
		return schema.NewError(schema.ErrCodeDefinition, "api_call requires config.url")
	}
	return nil
}

// Breakers exposes the per-host circuit breakers.
func (h *APICallHandler) Breakers() *CircuitBreakers { return h.config.Breakers }

func (h *APICallHandler) Execute(ctx context.Context, req Request) (*Outcome, error) {
	config := req.Config()
	if err := h.ValidateConfig(config); err != nil {
		return nil, err
	}

	target, err := h.resolveURL(rules.Interpolate(stringParam(config, "url", ""), req.Vars))
	if err != nil {
		return nil, err
	}
	call := httpCall{
		method:  strings.ToUpper(rules.Interpolate(stringParam(config, "method", http.MethodGet), req.Vars)),
		url:     target.String(),
		headers: map[string]string{},
		timeout: durationParam(config, "timeout", h.config.DefaultTimeout),
	}
	for k, v := range mapParam(config, "headers") {
		call.headers[k] = rules.Interpolate(fmt.Sprint(v), req.Vars)
	}
	if rawBody, ok := config["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rules.InterpolateValue(rawBody, req.Vars))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "api_call: failed to marshal body as JSON").WithCause(err)
		}
		call.body = b
	}

	policy := parseRetryPolicy(config["retry"])
	host := target.Host
	log := logging.LogWith(ctx, h.logger)

	var (
		out      map[string]any
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := h.config.Breakers.Allow(host); err != nil {
			lastErr = err
			break
		}
		attempts++
		out, lastErr = h.do(ctx, call)
		if lastErr == nil {
			h.config.Breakers.Success(host)
			break
		}
		if isRetryable(lastErr) {
			h.config.Breakers.Failure(host)
		}
		if ctx.Err() != nil || !isRetryable(lastErr) || attempt == policy.MaxAttempts-1 {
			break
		}
		delay := computeBackoff(policy, attempt)
		log.Warn("api_call attempt failed, retrying",
			"url", call.url, "attempt", attempt+1, "delay", delay, "error", lastErr)
		if err := waitForBackoff(ctx, delay); err != nil {
			return nil, err
		}
	}

	result := h.shape(config, out)
	if lastErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fe := schema.ToFlowError(lastErr, schema.ErrCodeStepExecution)
		return result, fe.WithDetails(map[string]any{"url": call.url, "attempts": attempts})
	}
	return result, nil
}

// shape applies output_key and merge_response to the raw call output.
func (h *APICallHandler) shape(config map[string]any, out map[string]any) *Outcome {
	if out == nil {
		return nil
	}
	output := out
	if boolParam(config, "merge_response", false) {
		output = make(map[string]any, len(out))
		for k, v := range out {
			output[k] = v
		}
		if data, ok := out["data"].(map[string]any); ok {
			for k, v := range data {
				output[k] = v
			}
		}
	}
	if key := stringParam(config, "output_key", ""); key != "" {
		output = map[string]any{key: output}
	}
	return &Outcome{Output: output}
}

func (h *APICallHandler) resolveURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "api_call: invalid url %q", raw).WithCause(err)
	}
	if !u.IsAbs() {
		if h.base == nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"api_call: relative url %q and no base url configured", raw)
		}
		u = h.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "api_call: unsupported scheme in %q", raw)
	}
	return u, nil
}

type httpCall struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

// do performs one attempt. Non-2xx responses return the parsed output and a
// STEP_EXECUTION_ERROR carrying status_code.
func (h *APICallHandler) do(ctx context.Context, call httpCall) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, call.method, call.url, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "api_call: failed to create request").WithCause(err)
	}
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "api_call: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "api_call: failed to read response body").WithCause(err)
	}
	if int64(len(data)) > h.config.MaxResponseBody {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"api_call: response body exceeds %d bytes", h.config.MaxResponseBody)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	out := map[string]any{
		"success": ok,
		"status":  resp.StatusCode,
		"data":    parseBody(data),
	}
	if !ok {
		return out, schema.NewErrorf(schema.ErrCodeStepExecution,
			"API call failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return out, nil
}

func parseBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}
