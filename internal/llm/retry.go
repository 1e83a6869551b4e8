package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/backoff"
	"github.com/yejunhao159/comfyui-agent/internal/events"
)

// Client wraps a Provider with retry on transient failures. Rate limits and
// server errors back off exponentially with jitter; a Retry-After hint from
// the backend overrides the computed delay. Each retry is announced on the
// bus as llm.retry.
type Client struct {
	provider   Provider
	bus        *events.Bus
	maxRetries int
	policy     backoff.Policy
	randFn     func() float64
	sleepFn    func(context.Context, time.Duration) error
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithMaxRetries overrides the default of 5 attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelays overrides the backoff base delay and cap, both in
// milliseconds. Non-positive values keep the defaults.
func WithRetryDelays(baseMS, maxMS int) ClientOption {
	return func(c *Client) {
		if baseMS > 0 {
			c.policy.InitialMs = float64(baseMS)
		}
		if maxMS > 0 {
			c.policy.MaxMs = float64(maxMS)
		}
	}
}

// WithRand injects the jitter random source for deterministic tests.
func WithRand(fn func() float64) ClientOption {
	return func(c *Client) { c.randFn = fn }
}

// WithSleep injects the delay function for tests.
func WithSleep(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleepFn = fn }
}

// NewClient wraps the provider. bus may be nil.
func NewClient(provider Provider, bus *events.Bus, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		provider:   provider,
		bus:        bus,
		maxRetries: 5,
		policy:     backoff.LLMPolicy(),
		randFn:     rand.Float64,
		sleepFn:    sleepCtx,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat runs the request, retrying transient failures up to the attempt cap.
// sessionID scopes the llm.retry events it publishes.
func (c *Client) Chat(ctx context.Context, sessionID string, req *Request, stream StreamEvents) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.provider.Chat(ctx, req, stream)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perr *ProviderError
		if !errors.As(err, &perr) || !perr.Retryable() {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		delay := backoff.ComputeWithRand(c.policy, attempt, c.randFn())
		if perr.RetryAfter > 0 {
			delay = perr.RetryAfter
		}

		c.logger.Warn("llm call failed, retrying",
			"provider", c.provider.Name(),
			"attempt", attempt,
			"delay", delay,
			"err", err)
		if c.bus != nil {
			c.bus.Publish(events.New(events.LLMRetry, sessionID, map[string]any{
				"attempt":     attempt,
				"max_retries": c.maxRetries,
				"delay_ms":    delay.Milliseconds(),
				"error":       err.Error(),
			}))
		}

		if err := c.sleepFn(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
