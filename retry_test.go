package uploader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	return nil
}

func (c *fakeClock) total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for _, d := range c.waits {
		sum += d
	}
	return sum
}

func newResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExponentialRetryExhausts(t *testing.T) {
	clock := &fakeClock{}
	policy := &ExponentialRetry{
		config: ExponentialConfig{MaxRetries: 3, RetryDelay: time.Second},
		sleep:  clock.sleep,
	}

	attempts := 0
	var hookAttempts []int
	_, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		attempts++
		return nil, errors.New("connection reset")
	}, RetryHooks{
		OnError: func(err error, attempt int) {
			hookAttempts = append(hookAttempts, attempt)
		},
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, clock.total(), 3*time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.waits)
	assert.Contains(t, err.Error(), "Max retry delay exceeded")

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []int{1, 2, 3}, hookAttempts)
}

func TestExponentialRetrySucceedsOnThirdAttempt(t *testing.T) {
	clock := &fakeClock{}
	policy := &ExponentialRetry{
		config: ExponentialConfig{MaxRetries: 4, RetryDelay: time.Second},
		sleep:  clock.sleep,
	}

	var successAttempt int
	res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		if attempt < 3 {
			return newResponse(http.StatusServiceUnavailable, "busy"), nil
		}
		return newResponse(http.StatusOK, ""), nil
	}, RetryHooks{
		OnSuccess: func(resp *http.Response, attempt int) {
			successAttempt = attempt
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, 3, successAttempt)
	assert.Equal(t, 3*time.Second, res.Waited)
}

func TestExponentialRetryStatusHandling(t *testing.T) {
	t.Run("client error is returned without retry", func(t *testing.T) {
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 4, RetryDelay: time.Second}, sleep: (&fakeClock{}).sleep}

		attempts := 0
		res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			return newResponse(http.StatusConflict, "exists"), nil
		}, RetryHooks{})

		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, http.StatusConflict, res.Response.StatusCode)
	})

	t.Run("accepted is transient by default", func(t *testing.T) {
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 2, RetryDelay: time.Second}, sleep: (&fakeClock{}).sleep}

		attempts := 0
		_, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			return newResponse(http.StatusAccepted, ""), nil
		}, RetryHooks{})

		require.Error(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("accepted can be treated as success", func(t *testing.T) {
		policy := NewExponentialRetry(ExponentialConfig{MaxRetries: 2}).WithAcceptedAsSuccess(true)
		policy.sleep = (&fakeClock{}).sleep

		res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
			return newResponse(http.StatusAccepted, ""), nil
		}, RetryHooks{})

		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempt)
	})

	t.Run("too many requests is retried", func(t *testing.T) {
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, sleep: (&fakeClock{}).sleep}

		res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
			if attempt == 1 {
				return newResponse(http.StatusTooManyRequests, ""), nil
			}
			return newResponse(http.StatusOK, ""), nil
		}, RetryHooks{})

		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempt)
	})
}

func TestExponentialRetryCancellation(t *testing.T) {
	t.Run("cancelled error is not retried", func(t *testing.T) {
		clock := &fakeClock{}
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 4, RetryDelay: time.Second}, sleep: clock.sleep}

		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		_, err := policy.Do(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			cancel()
			return nil, context.Canceled
		}, RetryHooks{})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Empty(t, clock.waits)
	})

	t.Run("cancelled error with live context is retried", func(t *testing.T) {
		clock := &fakeClock{}
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 3, RetryDelay: time.Second}, sleep: clock.sleep}

		attempts := 0
		_, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			return nil, context.Canceled
		}, RetryHooks{})

		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.waits)
	})

	t.Run("cancelled context makes no attempt", func(t *testing.T) {
		policy := &ExponentialRetry{config: ExponentialConfig{MaxRetries: 4, RetryDelay: time.Second}, sleep: (&fakeClock{}).sleep}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		attempts := 0
		_, err := policy.Do(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			return newResponse(http.StatusOK, ""), nil
		}, RetryHooks{})

		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, attempts)
	})
}

func TestPollingRetryHonorsRetryAfterUntilCeiling(t *testing.T) {
	clock := &fakeClock{}
	policy := &PollingRetry{
		config: PollingConfig{MaxRetryDelay: 2 * time.Second, DefaultRetryDelay: 500 * time.Millisecond},
		sleep:  clock.sleep,
	}

	attempts := 0
	_, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		attempts++
		resp := newResponse(http.StatusAccepted, "")
		resp.Header.Set("Retry-After", "1")
		return resp, nil
	}, RetryHooks{})

	var timeout *PollTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, http.StatusGatewayTimeout, timeout.StatusCode())
	assert.Equal(t, 2*time.Second, clock.total())
	assert.Equal(t, 2, attempts)
	assert.Equal(t, KindTimeout, ClassifyError(err).Kind)
	assert.Equal(t, http.StatusGatewayTimeout, ClassifyError(err).StatusCode)
}

func TestPollingRetryUsesDefaultDelayWhenLarger(t *testing.T) {
	clock := &fakeClock{}
	policy := &PollingRetry{
		config: PollingConfig{MaxRetryDelay: time.Minute, DefaultRetryDelay: 3 * time.Second},
		sleep:  clock.sleep,
	}

	res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		if attempt == 1 {
			resp := newResponse(http.StatusServiceUnavailable, "")
			resp.Header.Set("Retry-After", "1")
			return resp, nil
		}
		return newResponse(http.StatusOK, ""), nil
	}, RetryHooks{})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.waits)
}

func TestPollingRetryExtraCheck(t *testing.T) {
	clock := &fakeClock{}
	policy := NewPollingRetry(PollingConfig{MaxRetryDelay: time.Minute, DefaultRetryDelay: time.Second}).
		WithExtraRetryCheck(metadataNotReady)
	policy.sleep = clock.sleep

	res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		if attempt < 3 {
			return newResponse(http.StatusOK, `{"numPages":0}`), nil
		}
		return newResponse(http.StatusOK, `{"numPages":12}`), nil
	}, RetryHooks{})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)

	body, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"numPages":12}`, string(body))
}

func TestPollingRetryTransportErrorsAreRetried(t *testing.T) {
	clock := &fakeClock{}
	policy := &PollingRetry{
		config: PollingConfig{MaxRetryDelay: time.Minute, DefaultRetryDelay: time.Second},
		sleep:  clock.sleep,
	}

	res, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		if attempt == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return newResponse(http.StatusOK, ""), nil
	}, RetryHooks{})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)
}

func TestPollingRetryCancellation(t *testing.T) {
	policy := &PollingRetry{
		config: PollingConfig{MaxRetryDelay: time.Minute, DefaultRetryDelay: time.Second},
		sleep:  sleepContext,
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := policy.Do(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
		attempts++
		cancel()
		return newResponse(http.StatusAccepted, ""), nil
	}, RetryHooks{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
		ok     bool
	}{
		{name: "seconds", header: "5", want: 5 * time.Second, ok: true},
		{name: "empty", header: "", ok: false},
		{name: "negative", header: "-1", ok: false},
		{name: "garbage", header: "soon", ok: false},
		{name: "past date", header: "Mon, 02 Jan 2006 15:04:05 GMT", want: 0, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := make(http.Header)
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			got, ok := retryAfter(h)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryConfig{Finalize: PollingConfig{MaxRetryDelay: time.Minute}}.withDefaults()

	assert.Equal(t, DefaultMaxRetries, cfg.Chunk.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, cfg.Create.RetryDelay)
	assert.Equal(t, time.Minute, cfg.Finalize.MaxRetryDelay)
	assert.Equal(t, DefaultFinalizeRetryDelay, cfg.Finalize.DefaultRetryDelay)
	assert.Equal(t, DefaultMetadataMaxRetryDelay, cfg.Metadata.MaxRetryDelay)
}
