package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/engine"
)

// RetryConfig bounds the supervisor's retry loop for transient agent errors
// (empty output, parseable error payload).
type RetryConfig struct {
	MaxRetries uint
	Delay      time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Delay:      5 * time.Second,
	}
}

// errEmptyOutput marks an invocation that produced no response text.
var errEmptyOutput = errors.New("agent produced empty output")

// agentPayloadError marks an error record found in the parsed agent stream.
type agentPayloadError struct {
	message string
}

func (e *agentPayloadError) Error() string {
	return "agent reported error: " + e.message
}

// BreakerRegistry manages one circuit breaker per engine type, so a
// misbehaving CLI stops being invoked after repeated consecutive failures.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given engine type, creating it on
// first use.
func (r *BreakerRegistry) Get(engineType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[engineType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        engineType,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not an engine failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[engineType] = cb
	return cb
}

// executeWithRetry invokes the engine through its circuit breaker, retrying
// transient agent errors with a constant delay up to the configured maximum.
// Process-level failures are permanent here; the failure controller decides
// whether they latch the run.
func executeWithRetry(ctx context.Context, eng engine.Engine, prompt string, opts engine.Options, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (*engine.Result, error) {
	var result *engine.Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return eng.Execute(ctx, prompt, opts)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			// Subprocess failure: not a transient agent error.
			return backoff.Permanent(err)
		}

		res := out.(*engine.Result)
		if res.IsError {
			return &agentPayloadError{message: res.ErrorMessage}
		}
		if res.ResponseText == "" {
			return errEmptyOutput
		}

		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Delay), uint64(cfg.MaxRetries)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}
