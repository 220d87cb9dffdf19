package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy bounds the retry loop of a Client.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %s", p.InitialBackoff)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %s", p.AttemptTimeout)
	}
	return nil
}

// MaxBackoff caps the doubling pause between attempts.
const MaxBackoff = 5 * time.Minute

// Backoff is the pause that follows failed attempt n (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// AttemptObserver is told the outcome of every attempt: "success" or a Kind name.
type AttemptObserver func(outcome string)

type Option func(*Client)

func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) { c.sleep = sleep }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithAttemptObserver(observer AttemptObserver) Option {
	return func(c *Client) { c.observe = observer }
}

// Client fetches payload batches under the retry policy.
type Client struct {
	fetcher Fetcher
	policy  Policy
	sleep   Sleeper
	observe AttemptObserver
	logger  *zap.Logger
}

func NewClient(fetcher Fetcher, policy Policy, opts ...Option) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	c := &Client{
		fetcher: fetcher,
		policy:  policy,
		sleep:   waitWithContext,
		observe: func(string) {},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPayloads returns the first successful batch. Authorization failures
// and caller cancellation stop immediately; timeouts and other transport
// failures are retried with exponential backoff until attempts run out.
func (c *Client) FetchPayloads(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		payloads, err := c.fetcher.Fetch(attemptCtx)
		cancel()
		if err == nil {
			c.observe("success")
			if attempt > 1 {
				c.logger.Info("fetch succeeded after retry", zap.Int("attempt", attempt), zap.Int("payloads", len(payloads)))
			}
			return payloads, nil
		}

		kind := Classify(ctx, err)
		c.observe(kind.String())

		switch kind {
		case KindCancelled:
			return nil, fmt.Errorf("%w on attempt %d: %w", ErrCancelled, attempt, ctx.Err())
		case KindAuth:
			c.logger.Warn("fetch rejected credentials", zap.Int("attempt", attempt), zap.Error(err))
			return nil, newConnectivityError(kind, attempt, err)
		}

		lastErr = newConnectivityError(kind, attempt, err)
		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Backoff(attempt)
		c.logger.Warn("fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.String("kind", kind.String()),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w during backoff after attempt %d: %w", ErrCancelled, attempt, err)
		}
	}

	c.logger.Warn("fetch gave up", zap.Int("attempts", c.policy.MaxAttempts), zap.Error(lastErr))
	return nil, lastErr
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
