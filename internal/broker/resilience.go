package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 requests.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerSource wraps an OrderSource with circuit breaker functionality
type CircuitBreakerSource struct {
	source  OrderSource
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerSource creates a CircuitBreakerSource with custom settings
func NewCircuitBreakerSource(source OrderSource, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerSource {
	gbSettings := gobreaker.Settings{
		Name:        "OrderSourceCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about upstream health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerSource{
		source:  source,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// FetchOrders wraps the underlying source call with circuit breaker
func (c *CircuitBreakerSource) FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error) {
	return execCircuitBreaker(c.breaker, func() ([]models.RawOrder, error) {
		return c.source.FetchOrders(ctx, user, since)
	})
}

// State reports the breaker state.
func (c *CircuitBreakerSource) State() gobreaker.State {
	return c.breaker.State()
}

// RateLimitedSource spaces out requests to an upstream source.
type RateLimitedSource struct {
	source  OrderSource
	limiter *rate.Limiter
}

// NewRateLimitedSource allows perSecond requests with the given burst. A non-positive
// rate disables limiting.
func NewRateLimitedSource(source OrderSource, perSecond float64, burst int) *RateLimitedSource {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSource{source: source, limiter: rate.NewLimiter(limit, burst)}
}

// FetchOrders waits for a token, honoring ctx, then delegates.
func (r *RateLimitedSource) FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.source.FetchOrders(ctx, user, since)
}
