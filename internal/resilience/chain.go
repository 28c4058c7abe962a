package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoResult is returned when every backend in a [Chain] fails or sits
// behind an open circuit breaker.
var ErrNoResult = errors.New("resilience: no backend produced a result")

// ChainConfig configures the per-backend circuit breaker a [Chain] creates
// for each added backend. The breaker Name is overwritten with the
// backend's name.
type ChainConfig struct {
	Breaker CircuitBreakerConfig
}

// link pairs one backend with its dedicated breaker.
type link[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// Chain tries backends of one type in registration order until one
// succeeds. Backends whose breaker is open are skipped without being
// called, so a persistently failing primary stops costing latency.
//
// Chain is safe for concurrent use once assembled; Add is not safe to call
// concurrently with Execute.
type Chain[T any] struct {
	cfg   ChainConfig
	links []link[T]
}

// NewChain creates an empty chain. Backends are registered with
// [Chain.Add] in the order they should be tried.
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend behind a fresh circuit breaker and returns the
// chain for fluent assembly.
func (c *Chain[T]) Add(name string, backend T) *Chain[T] {
	bcfg := c.cfg.Breaker
	bcfg.Name = name
	c.links = append(c.links, link[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(bcfg),
	})
	return c
}

// Len reports the number of registered backends.
func (c *Chain[T]) Len() int {
	return len(c.links)
}

// Execute runs fn against each backend in order and returns on the first
// success. Every failure is logged with the backend's name; if no backend
// succeeds the result is [ErrNoResult] wrapping the last failure.
func (c *Chain[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		err := l.breaker.Execute(func() error {
			return fn(l.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", l.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", l.name, "err", err)
		}
	}
	if lastErr == nil {
		return ErrNoResult
	}
	return fmt.Errorf("%w: %v", ErrNoResult, lastErr)
}

// ExecuteWithResult is [Chain.Execute] for callables that produce a value.
// It is a package-level function because methods cannot carry their own
// type parameters.
func ExecuteWithResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.links {
		l := &c.links[i]
		var result R
		err := l.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(l.backend)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", l.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", l.name, "err", err)
		}
	}
	if lastErr == nil {
		return zero, ErrNoResult
	}
	return zero, fmt.Errorf("%w: %v", ErrNoResult, lastErr)
}
