// Package fetchers provides the OCSP and CRL revocation clients used by the
// validation pipeline.
// This file contains retry and circuit-breaker support for outbound calls.
package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig configures retry behavior for external requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first try.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter is the fraction of randomness applied to each delay, 0..1.
	Jitter float64
}

// DefaultRetryConfig returns retry defaults with exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// calculateDelay computes the backoff delay for an attempt number.
func (c *RetryConfig) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		jitterRange := delay * c.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}
	return time.Duration(delay)
}

// isRetryable reports whether an error should trigger a retry. Context
// cancellation never retries.
func (c *RetryConfig) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Retry executes fn with retry logic, returning the first successful value
// or the combined error of all attempts.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	var attemptErrs []string

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		attemptErrs = append(attemptErrs, fmt.Sprintf("attempt %d: %v", attempt, err))

		if attempt >= config.MaxAttempts || !config.isRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			attemptErrs = append(attemptErrs, ctx.Err().Error())
			return zero, fmt.Errorf("all attempts failed: %s", strings.Join(attemptErrs, "; "))
		case <-time.After(config.calculateDelay(attempt)):
		}
	}

	return zero, fmt.Errorf("all attempts failed: %s", strings.Join(attemptErrs, "; "))
}

// RetryMultiURL tries fn against each URL in order with per-URL retries,
// returning on the first success.
func RetryMultiURL[T any](
	ctx context.Context,
	config *RetryConfig,
	urls []string,
	fn func(ctx context.Context, url string) (T, error),
) (T, error) {
	var zero T
	var urlErrs []string

	for _, u := range urls {
		value, err := Retry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, u)
		})
		if err == nil {
			return value, nil
		}
		urlErrs = append(urlErrs, fmt.Sprintf("%s: %v", u, err))

		if ctx.Err() != nil {
			break
		}
	}

	if len(urlErrs) == 0 {
		return zero, errors.New("no URLs to try")
	}
	return zero, fmt.Errorf("all URLs failed: %s", strings.Join(urlErrs, "; "))
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements a circuit breaker for external revocation
// services so that a dead responder does not stall every validation call.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitClosed,
	}
}

// DefaultCircuitBreaker returns a circuit breaker with default settings.
func DefaultCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreaker(5, 2, 30*time.Second)
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	}
}
