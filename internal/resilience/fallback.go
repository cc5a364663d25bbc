package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its open breaker.
var ErrAllFailed = errors.New("all alternatives failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// overwritten with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// ShouldFallback decides whether an entry's error allows the next entry
	// to run. Errors it rejects are returned as they are. [ErrCircuitOpen]
	// always falls through. Default: every error falls through.
	ShouldFallback func(error) bool
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a preferred value and ordered alternatives of the same
// type. Each entry has its own [CircuitBreaker], so an entry that keeps
// failing is skipped without being called.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first entry is preferred.
func NewFallbackGroup[T any](preferred T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(name, preferred)
	return fg
}

// AddFallback appends an alternative tried after every earlier entry.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	fg.AddFallbackWithBreaker(name, value, fg.cfg.CircuitBreaker)
}

// AddFallbackWithBreaker is like [FallbackGroup.AddFallback] but gives the
// entry its own breaker settings instead of the group template.
func (fg *FallbackGroup[T]) AddFallbackWithBreaker(name string, value T, cbCfg CircuitBreakerConfig) {
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Breaker returns the breaker of the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for i := range fg.entries {
		if fg.entries[i].name == name {
			return fg.entries[i].breaker
		}
	}
	return nil
}

// Execute runs fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry in order and returns the
// first successful result. An error rejected by ShouldFallback stops the
// walk; it is returned unwrapped when it is the first failure. Otherwise the
// result matches [ErrAllFailed] and every error seen.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping alternative (circuit open)", "entry", entry.name)
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if fg.cfg.ShouldFallback != nil && !fg.cfg.ShouldFallback(err) {
			if len(errs) == 1 {
				return zero, err
			}
			break
		}
		if i < len(fg.entries)-1 {
			slog.Warn("alternative failed, trying next", "entry", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
