// Package retry wraps storage writes with exponential backoff on
// rate-limit errors.
package retry

import (
	"context"
	"log/slog"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/TobiSchelling/ToolPulse/internal/config"
	"github.com/TobiSchelling/ToolPulse/internal/database"
)

// Timer abstracts sleeping between attempts so tests can observe delays.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

// Policy retries an operation while it fails with a retryable error.
// Delay before retry n (0-based) is min(BaseDelay*2^n, MaxDelay); the
// operation runs at most MaxRetries+1 times.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	// Retryable classifies errors. Defaults to database.IsRateLimited.
	Retryable func(error) bool
	Timer     Timer
	Logger    *slog.Logger
}

// New creates a policy from configuration.
func New(cfg config.Retry, logger *slog.Logger) *Policy {
	return &Policy{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	}
}

// Do runs fn, retrying on retryable errors. Non-retryable errors are
// returned immediately; on exhaustion the last error is returned.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = database.IsRateLimited
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.MaxRetries + 1)),
		retrygo.Delay(p.BaseDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.RetryIf(retryable),
		retrygo.LastErrorOnly(true),
		retrygo.OnRetry(func(n uint, err error) {
			logger.Warn("storage rate limited, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retrygo.MaxDelay(p.MaxDelay))
	}
	if p.Timer != nil {
		opts = append(opts, retrygo.WithTimer(p.Timer))
	}

	return retrygo.Do(func() error { return fn(ctx) }, opts...)
}
