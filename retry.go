package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept for classification.
const maxErrorBody = 4096

// minPollDelay keeps the polling loop from spinning when neither the server
// nor the endpoint supplies a delay.
const minPollDelay = 100 * time.Millisecond

// AttemptFunc performs exactly one attempt of a logical operation. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) (*http.Response, error)

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryHooks observe attempts. OnError receives every failed attempt; when the
// policy gives up, the final call carries the terminal error.
type RetryHooks struct {
	OnSuccess func(resp *http.Response, attempt int)
	OnError   func(err error, attempt int)
}

func (h RetryHooks) success(resp *http.Response, attempt int) {
	if h.OnSuccess != nil {
		h.OnSuccess(resp, attempt)
	}
}

func (h RetryHooks) failure(err error, attempt int) {
	if h.OnError != nil {
		h.OnError(err, attempt)
	}
}

// RetryResult is the response that ended the retry loop.
type RetryResult struct {
	Response *http.Response
	Attempt  int
	Waited   time.Duration
}

// ExponentialConfig configures client-side exponential backoff.
type ExponentialConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries" koanf:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay" koanf:"retry_delay"`
}

// PollingConfig configures server-driven polling.
type PollingConfig struct {
	MaxRetryDelay     time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" koanf:"max_retry_delay"`
	DefaultRetryDelay time.Duration `json:"default_retry_delay" yaml:"default_retry_delay" koanf:"default_retry_delay"`
}

// RetryConfig holds the retry discipline of every endpoint the pipeline calls.
type RetryConfig struct {
	Create   ExponentialConfig `json:"create" yaml:"create" koanf:"create"`
	Delete   ExponentialConfig `json:"delete" yaml:"delete" koanf:"delete"`
	Chunk    ExponentialConfig `json:"chunk" yaml:"chunk" koanf:"chunk"`
	Finalize PollingConfig     `json:"finalize" yaml:"finalize" koanf:"finalize"`
	Metadata PollingConfig     `json:"metadata" yaml:"metadata" koanf:"metadata"`
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	c.Create = c.Create.orDefault(def.Create)
	c.Delete = c.Delete.orDefault(def.Delete)
	c.Chunk = c.Chunk.orDefault(def.Chunk)
	c.Finalize = c.Finalize.orDefault(def.Finalize)
	c.Metadata = c.Metadata.orDefault(def.Metadata)
	return c
}

func (c ExponentialConfig) orDefault(def ExponentialConfig) ExponentialConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

func (c PollingConfig) orDefault(def PollingConfig) PollingConfig {
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = def.DefaultRetryDelay
	}
	return c
}

// RetryExhaustedError is returned once the exponential policy runs out of attempts.
// It is distinct from a failure the server reported on its own.
type RetryExhaustedError struct {
	Attempts int
	Waited   time.Duration
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("Max retry delay exceeded after %d attempts (%s waited): %v", e.Attempts, e.Waited, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// PollTimeoutError is returned when the server never finished processing
// within the polling ceiling. It reports HTTP status 504.
type PollTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	Ceiling  time.Duration
	Last     error
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("server processing timed out after %s (ceiling %s, %d attempts)", e.Elapsed, e.Ceiling, e.Attempts)
}

func (e *PollTimeoutError) Unwrap() error {
	return e.Last
}

func (e *PollTimeoutError) StatusCode() int {
	return http.StatusGatewayTimeout
}

// ExponentialRetry retries transient transport failures with doubling delays.
// Use it for chunk PUTs and generic POSTs.
type ExponentialRetry struct {
	config         ExponentialConfig
	acceptAccepted bool
	sleep          sleepFunc
}

// NewExponentialRetry returns a policy for cfg, filling zero fields from the
// chunk defaults.
func NewExponentialRetry(cfg ExponentialConfig) *ExponentialRetry {
	return &ExponentialRetry{
		config: cfg.orDefault(DefaultRetryConfig().Chunk),
		sleep:  sleepContext,
	}
}

// WithAcceptedAsSuccess makes a 202 response terminal instead of transient.
func (r *ExponentialRetry) WithAcceptedAsSuccess(accept bool) *ExponentialRetry {
	r.acceptAccepted = accept
	return r
}

// Do calls op until it returns a non-transient response, the attempts run out
// or ctx is done. Exhaustion yields a *RetryExhaustedError.
func (r *ExponentialRetry) Do(ctx context.Context, op AttemptFunc, hooks RetryHooks) (*RetryResult, error) {
	maxRetries := r.config.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	delay := r.config.RetryDelay
	var waited time.Duration
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := op(ctx, attempt)
		if err == nil && !isTransientStatus(resp.StatusCode, r.acceptAccepted) {
			hooks.success(resp, attempt)
			return &RetryResult{Response: resp, Attempt: attempt, Waited: waited}, nil
		}

		if err != nil {
			if cerr := contextFailure(ctx, err); cerr != nil {
				return nil, cerr
			}
			lastErr = err
		} else {
			lastErr = consumeResponseError("attempt", resp)
		}

		if attempt == maxRetries {
			break
		}

		hooks.failure(lastErr, attempt)

		if err := r.sleepFn()(ctx, delay); err != nil {
			return nil, err
		}
		waited += delay
		delay *= 2
	}

	exhausted := &RetryExhaustedError{Attempts: maxRetries, Waited: waited, Last: lastErr}
	hooks.failure(exhausted, maxRetries)
	return nil, exhausted
}

func (r *ExponentialRetry) sleepFn() sleepFunc {
	if r.sleep != nil {
		return r.sleep
	}
	return sleepContext
}

// ExtraRetryCheck inspects a response the status alone considers final and
// reports whether the server is still not ready (e.g. 200 with an empty payload).
type ExtraRetryCheck func(resp *http.Response, body []byte) bool

// PollingRetry polls endpoints the server processes asynchronously, honoring
// Retry-After. Use it for finalize and metadata fetches.
type PollingRetry struct {
	config     PollingConfig
	extraCheck ExtraRetryCheck
	sleep      sleepFunc
}

// NewPollingRetry returns a policy for cfg, filling zero fields from the
// finalize defaults.
func NewPollingRetry(cfg PollingConfig) *PollingRetry {
	return &PollingRetry{
		config: cfg.orDefault(DefaultRetryConfig().Finalize),
		sleep:  sleepContext,
	}
}

func (r *PollingRetry) WithExtraRetryCheck(check ExtraRetryCheck) *PollingRetry {
	r.extraCheck = check
	return r
}

// Do polls op until the server reports it is done. Waits follow Retry-After
// when present; passing the ceiling yields a *PollTimeoutError.
func (r *PollingRetry) Do(ctx context.Context, op AttemptFunc, hooks RetryHooks) (*RetryResult, error) {
	var elapsed time.Duration
	var lastErr error
	attempt := 0

	for elapsed < r.config.MaxRetryDelay {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt++
		resp, err := op(ctx, attempt)

		wait := r.config.DefaultRetryDelay
		if err != nil {
			if cerr := contextFailure(ctx, err); cerr != nil {
				return nil, cerr
			}
			lastErr = err
		} else {
			retry := isTransientStatus(resp.StatusCode, false)
			if !retry && r.extraCheck != nil {
				body, rerr := bufferBody(resp)
				if rerr != nil {
					if cerr := contextFailure(ctx, rerr); cerr != nil {
						return nil, cerr
					}
					retry = true
				} else {
					retry = r.extraCheck(resp, body)
				}
			}

			if !retry {
				hooks.success(resp, attempt)
				return &RetryResult{Response: resp, Attempt: attempt, Waited: elapsed}, nil
			}

			if after, ok := retryAfter(resp.Header); ok && after > wait {
				wait = after
			}
			lastErr = consumeResponseError("poll", resp)
		}

		hooks.failure(lastErr, attempt)

		if wait <= 0 {
			wait = minPollDelay
		}
		if err := r.sleepFn()(ctx, wait); err != nil {
			return nil, err
		}
		elapsed += wait
	}

	timeout := &PollTimeoutError{
		Attempts: attempt,
		Elapsed:  elapsed,
		Ceiling:  r.config.MaxRetryDelay,
		Last:     lastErr,
	}
	hooks.failure(timeout, attempt)
	return nil, timeout
}

func (r *PollingRetry) sleepFn() sleepFunc {
	if r.sleep != nil {
		return r.sleep
	}
	return sleepContext
}

func isTransientStatus(code int, acceptAccepted bool) bool {
	switch {
	case code == http.StatusAccepted:
		return !acceptAccepted
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// contextFailure returns a non-nil error when ctx is done and err must not be
// retried. A cancellation error seen while ctx is live is an ordinary
// transport failure.
func contextFailure(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return nil
	}

	if errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %v", ctxErr, err)
}

// retryAfter parses a Retry-After header given either in seconds or as an HTTP date.
func retryAfter(h http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}

// bufferBody reads the whole body and replaces it so callers can read it again.
func bufferBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// consumeResponseError drains and closes resp, returning it as a ResponseError.
func consumeResponseError(op string, resp *http.Response) *ResponseError {
	out := &ResponseError{Op: op, StatusCode: resp.StatusCode}
	if resp.Body == nil {
		return out
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	out.Body = strings.TrimSpace(string(data))
	return out
}
