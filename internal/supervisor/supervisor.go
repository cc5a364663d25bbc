// Package supervisor starts recording sessions with a one-shot fallback to
// single-source capture.
//
// The preferred plan acquires the meeting audio and the microphone and mixes
// them. If the microphone cannot be acquired, or either source turns out to
// be unreadable while the audio graph is assembled, the partially built
// session is torn down and the primary-only plan runs once with the same
// encoding options. A second failure is returned to the caller.
//
// Failures after setup are not the supervisor's concern; the recorder reports
// them through its observer.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/resilience"
	"github.com/MrWong99/meetrec/pkg/audio"
)

// Mode is the capture topology a session ended up with.
type Mode int

const (
	// ModeDual mixes the primary and secondary sources.
	ModeDual Mode = iota

	// ModePrimaryOnly records the primary source alone.
	ModePrimaryOnly
)

// String returns "dual" or "primary-only".
func (m Mode) String() string {
	if m == ModePrimaryOnly {
		return "primary-only"
	}
	return "dual"
}

// Starter begins recording from acquired sources and takes ownership of
// them. [*recorder.Recorder] is the production implementation.
type Starter interface {
	Start(ctx context.Context, primary, secondary audio.Source) error
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithBreaker tunes the circuit breaker of the dual plan. After MaxFailures
// consecutive microphone failures the dual plan is skipped until the reset
// timeout elapses.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Supervisor) { s.breaker = cfg }
}

// PrimaryOnly disables the dual plan, for deployments without a microphone.
func PrimaryOnly() Option {
	return func(s *Supervisor) { s.primaryOnly = true }
}

// Supervisor chooses and runs the capture plan of each session. It is safe
// for concurrent use.
type Supervisor struct {
	acq         audio.Acquirer
	metrics     *observe.Metrics
	breaker     resilience.CircuitBreakerConfig
	primaryOnly bool
	plans       *resilience.FallbackGroup[Mode]
}

// New creates a Supervisor that acquires sources from acq.
func New(acq audio.Acquirer, opts ...Option) *Supervisor {
	s := &Supervisor{
		acq: acq,
		breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 5 * time.Minute,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	// Only the microphone trips the dual plan's breaker. The primary-only
	// plan never opens: a flaky meeting tab must not lock out later sessions.
	dual := s.breaker
	dual.IsFailure = microphoneFailure
	never := resilience.CircuitBreakerConfig{IsFailure: func(error) bool { return false }}

	if s.primaryOnly {
		s.plans = resilience.NewFallbackGroup(ModePrimaryOnly, ModePrimaryOnly.String(), resilience.FallbackConfig{
			CircuitBreaker: never,
			ShouldFallback: ShouldFallback,
		})
	} else {
		s.plans = resilience.NewFallbackGroup(ModeDual, ModeDual.String(), resilience.FallbackConfig{
			CircuitBreaker: dual,
			ShouldFallback: ShouldFallback,
		})
		s.plans.AddFallbackWithBreaker(ModePrimaryOnly.String(), ModePrimaryOnly, never)
	}
	return s
}

func microphoneFailure(err error) bool {
	kind, ok := audio.FailedKind(err)
	return ok && kind == audio.SourceSecondary
}

// ShouldFallback reports whether a setup error allows the primary-only plan:
// a microphone that could not be acquired, or any source lost while the
// graph was assembled.
func ShouldFallback(err error) bool {
	if errors.Is(err, audio.ErrSourceLost) {
		return true
	}
	kind, ok := audio.FailedKind(err)
	return ok && kind == audio.SourceSecondary && errors.Is(err, audio.ErrSourceAcquisition)
}

// Start acquires sources and starts rec, falling back once to primary-only
// capture. When both plans fail the error matches
// [resilience.ErrAllFailed] and both causes. Errors that do not allow a
// fallback, such as a missing primary source, are returned as they are. On
// error the returned mode is the last plan that was attempted.
func (s *Supervisor) Start(ctx context.Context, rec Starter) (Mode, error) {
	attempted := ModeDual
	if s.primaryOnly {
		attempted = ModePrimaryOnly
	}
	mode, err := resilience.ExecuteWithResult(s.plans, func(m Mode) (Mode, error) {
		attempted = m
		return m, s.attempt(ctx, rec, m)
	})
	if err != nil {
		slog.Error("supervisor: session setup failed", "mode", attempted, "err", err)
		return attempted, err
	}
	if mode == ModePrimaryOnly && !s.primaryOnly {
		s.metrics.Fallbacks.Add(ctx, 1)
		slog.Warn("supervisor: recording without microphone")
	}
	return mode, nil
}

// attempt runs one plan. Sources acquired before a failure are released.
func (s *Supervisor) attempt(ctx context.Context, rec Starter, mode Mode) error {
	primary, err := s.acq.Acquire(ctx, audio.SourcePrimary)
	if err != nil {
		return err
	}

	var secondary audio.Source
	if mode == ModeDual {
		secondary, err = s.acq.Acquire(ctx, audio.SourceSecondary)
		if err != nil {
			if stopErr := primary.Stop(); stopErr != nil {
				slog.Warn("supervisor: releasing primary source", "err", stopErr)
			}
			return err
		}
	}

	slog.Debug("supervisor: starting session", "mode", mode)
	return rec.Start(ctx, primary, secondary)
}
