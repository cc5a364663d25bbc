// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Acquirer] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	tab := mock.NewSource("tab", audio.SourcePrimary, audio.Format{SampleRate: 48000, Channels: 2}, 16)
//	acq := &mock.Acquirer{
//	    Sources: map[audio.SourceKind]audio.Source{audio.SourcePrimary: tab},
//	    Errors:  map[audio.SourceKind]error{audio.SourceSecondary: errors.New("no mic")},
//	}
//	src, err := acq.Acquire(ctx, audio.SourcePrimary)
//	tab.Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Acquirer = (*Acquirer)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a channel-backed mock implementation of [audio.Source].
// Feed it with [Source.Push]; end the stream with [Source.End] or Stop.
type Source struct {
	id     string
	kind   audio.SourceKind
	format audio.Format
	frames chan audio.Frame

	mu     sync.Mutex
	closed bool

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// NewSource creates a mock source whose Frames channel has the given buffer
// capacity.
func NewSource(id string, kind audio.SourceKind, format audio.Format, buffer int) *Source {
	return &Source{
		id:     id,
		kind:   kind,
		format: format,
		frames: make(chan audio.Frame, buffer),
	}
}

// ID implements [audio.Source].
func (s *Source) ID() string { return s.id }

// Kind implements [audio.Source].
func (s *Source) Kind() audio.SourceKind { return s.kind }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Push delivers f to the source's channel. It reports false when the source
// has already ended. Push blocks while the buffer is full.
func (s *Source) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// PushConstant pushes n frames of length samples where every sample of
// channel c equals values[c].
func (s *Source) PushConstant(n, samples int, values ...float32) {
	for range n {
		f := audio.NewFrame(s.format.Channels, samples, s.format.SampleRate)
		for c := range f.Data {
			v := values[c%len(values)]
			for i := range f.Data[c] {
				f.Data[c][i] = v
			}
		}
		s.Push(f)
	}
}

// End closes the Frames channel without counting as a Stop call, simulating
// a track that ends on its own.
func (s *Source) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Stop implements [audio.Source]. Returns StopError.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.closeLocked()
	return s.StopError
}

// Stopped reports whether Stop has been called at least once.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop > 0
}

func (s *Source) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// ─── Acquirer ─────────────────────────────────────────────────────────────────

// Acquirer is a mock implementation of [audio.Acquirer].
type Acquirer struct {
	mu sync.Mutex

	// Sources maps each kind to the source returned by Acquire.
	Sources map[audio.SourceKind]audio.Source

	// Factory, when non-nil, is consulted before Sources. It lets a test hand
	// out a fresh source per call.
	Factory func(kind audio.SourceKind) audio.Source

	// Errors maps each kind to the error returned by Acquire. A non-nil error
	// takes precedence over Sources and is wrapped with
	// [audio.AcquisitionError].
	Errors map[audio.SourceKind]error

	// Calls records the kinds passed to Acquire, in order.
	Calls []audio.SourceKind
}

// Acquire implements [audio.Acquirer].
func (a *Acquirer) Acquire(_ context.Context, kind audio.SourceKind) (audio.Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, kind)
	if err := a.Errors[kind]; err != nil {
		return nil, audio.AcquisitionError(kind, err)
	}
	if a.Factory != nil {
		if src := a.Factory(kind); src != nil {
			return src, nil
		}
	}
	src, ok := a.Sources[kind]
	if !ok {
		return nil, audio.AcquisitionError(kind, nil)
	}
	return src, nil
}

// CallCount returns how many times Acquire was called for kind.
func (a *Acquirer) CallCount(kind audio.SourceKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.Calls {
		if k == kind {
			n++
		}
	}
	return n
}
