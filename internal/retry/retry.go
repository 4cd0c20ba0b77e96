// Package retry provides backoff with jitter and transient-error classification for
// order fetches and failed detection runs.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/rollchain/internal/broker"
)

// Config bounds retries and backoff.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig is used for zero-valued fields.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     5 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Do calls fn until it succeeds, returns a non-transient error, ctx ends or the
// attempts are used up. Waits between attempts grow by NextBackoff.
func Do(ctx context.Context, cfg Config, logger logrus.FieldLogger, op string, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == cfg.MaxAttempts {
			break
		}

		logger.WithError(lastErr).WithFields(logrus.Fields{"op": op, "attempt": attempt, "backoff": backoff}).
			Warn("Transient error detected, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = NextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed: %w", op, lastErr)
}

// NextBackoff grows current by half, caps it at max and adds up to a quarter of jitter.
func NextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	return backoff + jitter(backoff)
}

// Delay is the wait before retrying a run that has failed failures times in a row.
func Delay(cfg Config, failures int) time.Duration {
	cfg = cfg.withDefaults()
	backoff := cfg.InitialBackoff
	for i := 1; i < failures && backoff < cfg.MaxBackoff; i++ {
		backoff = time.Duration(float64(backoff) * 1.5)
	}
	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff + jitter(backoff)
}

func jitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return 0
	}
	return time.Duration(v.Int64())
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"too many requests",
	"network",
	"dns",
	"tcp",
	"database is locked",
}

// IsTransient reports whether err is worth retrying. Upstream 429 and 5xx responses,
// network errors and deadline overruns of a single call qualify; cancellation does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
