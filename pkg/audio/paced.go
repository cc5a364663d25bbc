package audio

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Source = (*PacedSource)(nil)

// DefaultFrameDuration is the wall-clock length of one frame emitted by a
// [PacedSource] when no period is supplied.
const DefaultFrameDuration = 20 * time.Millisecond

const pacedChannelBuffer = 64

// Generator produces the next frame of n samples per channel. It returns
// false when the stream has ended.
type Generator func(n int) (Frame, bool)

// PacedSource turns a pull-style [Generator] into a live [Source] that emits
// one frame per period in real time. Frames that the consumer does not pick
// up in time are dropped rather than blocking the pacer.
//
// PacedSource is safe for concurrent use.
type PacedSource struct {
	id      string
	kind    SourceKind
	format  Format
	period  time.Duration
	samples int
	gen     Generator
	onStop  func() error

	frames chan Frame
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// PacedOption is a functional option for [NewPacedSource].
type PacedOption func(*PacedSource)

// WithPeriod sets the emission period. Non-positive values are ignored.
func WithPeriod(d time.Duration) PacedOption {
	return func(p *PacedSource) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithStopHook registers fn to run exactly once when the source stops,
// e.g. to close a file handle. Its error is returned from [PacedSource.Stop].
func WithStopHook(fn func() error) PacedOption {
	return func(p *PacedSource) { p.onStop = fn }
}

// NewPacedSource creates a source of the given format backed by gen. Call
// [PacedSource.Run] to start emitting.
func NewPacedSource(id string, kind SourceKind, format Format, gen Generator, opts ...PacedOption) *PacedSource {
	p := &PacedSource{
		id:     id,
		kind:   kind,
		format: format,
		period: DefaultFrameDuration,
		gen:    gen,
		frames: make(chan Frame, pacedChannelBuffer),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.samples = int(int64(format.SampleRate) * int64(p.period) / int64(time.Second))
	if p.samples < 1 {
		p.samples = 1
	}
	return p
}

// Run starts the pacing goroutine. It is a no-op after the first call. The
// source ends when ctx is cancelled, the generator runs out, or Stop is
// called.
func (p *PacedSource) Run(ctx context.Context) {
	p.startOnce.Do(func() { go p.loop(ctx) })
}

func (p *PacedSource) loop(ctx context.Context) {
	defer close(p.frames)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	var ts time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
		}

		f, ok := p.gen(p.samples)
		if !ok {
			return
		}
		f.Timestamp = ts
		ts += f.Duration()

		select {
		case p.frames <- f:
		default:
		}
	}
}

// ID implements [Source].
func (p *PacedSource) ID() string { return p.id }

// Kind implements [Source].
func (p *PacedSource) Kind() SourceKind { return p.kind }

// Format implements [Source].
func (p *PacedSource) Format() Format { return p.format }

// Frames implements [Source].
func (p *PacedSource) Frames() <-chan Frame { return p.frames }

// Stop implements [Source]. A source that was never Run has its channel
// closed here directly.
func (p *PacedSource) Stop() error {
	p.stopOnce.Do(func() {
		close(p.done)
		started := true
		p.startOnce.Do(func() { started = false })
		if !started {
			close(p.frames)
		}
		if p.onStop != nil {
			p.stopErr = p.onStop()
		}
	})
	return p.stopErr
}

// SamplesPerFrame returns the number of samples per channel in each emitted
// frame.
func (p *PacedSource) SamplesPerFrame() int { return p.samples }
