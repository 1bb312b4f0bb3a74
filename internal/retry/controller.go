// Package retry wraps a single chunk translation with bounded retries and capped backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// Defaults for the retry policy
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 8 * time.Second
	DefaultMultiplier = 2.0
)

// Translator is the single-chunk engine call
type Translator interface {
	Translate(ctx context.Context, chunkText, sourceLang, targetLang string) (string, error)
}

// Config holds the retry policy
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Logger     *slog.Logger

	// sleep waits for d or until ctx is done, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of all attempts for one chunk
type Result struct {
	Text     string
	Attempts int
	Err      error
}

// Controller retries transient engine failures for one chunk
type Controller struct {
	translator Translator
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// NewController creates a retry controller around translator
func NewController(translator Translator, cfg *Config) *Controller {
	c := &Controller{
		translator: translator,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		sleep:      cfg.sleep,
		logger:     cfg.Logger,
	}

	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	if c.multiplier < 1 {
		c.multiplier = DefaultMultiplier
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Attempt translates text, retrying transient failures up to MaxRetries times.
// The total number of engine calls never exceeds MaxRetries+1.
func (c *Controller) Attempt(ctx context.Context, text, sourceLang, targetLang string) Result {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt, Err: context.Cause(ctx)}
		}

		translated, err := c.translator.Translate(ctx, text, sourceLang, targetLang)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Chunk translated after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return Result{Text: translated, Attempts: attempt + 1}
		}

		lastErr = err

		if !domain.IsTransient(err) {
			return Result{Attempts: attempt + 1, Err: err}
		}

		if attempt < c.maxRetries {
			delay := c.Backoff(attempt, err)
			c.logger.Warn("Transient engine failure, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", c.maxRetries+1),
				slog.Duration("retry_after", delay),
				slog.String("error", err.Error()),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return Result{Attempts: attempt + 1, Err: context.Cause(ctx)}
			}
		}
	}

	c.logger.Error("Chunk failed after all retries",
		slog.Int("attempts", c.maxRetries+1),
		slog.String("error", lastErr.Error()),
	)

	return Result{Attempts: c.maxRetries + 1, Err: lastErr}
}

// Backoff returns the delay before the retry that follows the given zero-based attempt
func (c *Controller) Backoff(attempt int, err error) time.Duration {
	delay := float64(c.baseDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.multiplier
		if delay >= float64(c.maxDelay) {
			delay = float64(c.maxDelay)
			break
		}
	}

	backoff := time.Duration(delay)
	if backoff > c.maxDelay {
		backoff = c.maxDelay
	}

	var upstreamErr *domain.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.RetryAfter > backoff {
		backoff = min(upstreamErr.RetryAfter, c.maxDelay)
	}

	return backoff
}

// MaxRetries is the number of retries after the first attempt
func (c *Controller) MaxRetries() int {
	return c.maxRetries
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
