// Package mixer implements the session audio graph: it combines a primary and
// an optional secondary [audio.Source] into one mixed stream.
//
// Each source is converted to the graph's output format, attenuated by its
// gain, and summed sample-wise into a shared bus:
//
//	mixed[c][i] = g1·primary[c][i] + g2·secondary[c][i]
//
// When the secondary source is absent the graph degrades to a pass-through of
// the primary with no mixing stage. A monitor tap can route the primary
// source to local playback at a reduced gain; the tap never feeds the mix.
//
// The graph is pull-driven. [Graph.Read] never blocks: it drains whatever
// frames the sources have delivered since the last call and renders missing
// input as silence.
package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Mixer = (*Graph)(nil)

const (
	// DefaultPrimaryGain is applied to the meeting audio.
	DefaultPrimaryGain = 0.7

	// DefaultSecondaryGain is applied to the microphone.
	DefaultSecondaryGain = 0.8

	// DefaultMonitorGain is the playback level of the monitor tap.
	DefaultMonitorGain = 0.5

	// maxBacklog bounds how much unread audio a source may queue, in seconds
	// of output. Older samples are dropped beyond it.
	maxBacklog = 2
)

// ErrClosed is returned by [Graph.Read] after [Graph.Close].
var ErrClosed = errors.New("mixer: graph closed")

// DefaultFormat is the graph's output format unless [WithFormat] is given.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Gains holds the per-source attenuation of a session. Both values must lie
// in [0, 1]. Gains are fixed when the graph is opened.
type Gains struct {
	Primary   float64
	Secondary float64
}

// DefaultGains returns the standard meeting/microphone balance.
func DefaultGains() Gains {
	return Gains{Primary: DefaultPrimaryGain, Secondary: DefaultSecondaryGain}
}

// Validate reports gains outside [0, 1].
func (g Gains) Validate() error {
	var errs []error
	if g.Primary < 0 || g.Primary > 1 {
		errs = append(errs, fmt.Errorf("mixer: primary gain %v out of range [0,1]", g.Primary))
	}
	if g.Secondary < 0 || g.Secondary > 1 {
		errs = append(errs, fmt.Errorf("mixer: secondary gain %v out of range [0,1]", g.Secondary))
	}
	return errors.Join(errs...)
}

// Option configures a [Graph] during construction.
type Option func(*Graph)

// WithFormat sets the output sample rate and channel count. Sources in a
// different format are converted.
func WithFormat(f audio.Format) Option {
	return func(g *Graph) {
		g.format = f
	}
}

// WithMonitor routes the primary source to sink at the given gain. sink is
// called synchronously from [Graph.Read], outside the graph's lock, and must
// not block.
func WithMonitor(sink func(audio.Frame), gain float64) Option {
	return func(g *Graph) {
		g.monitor = sink
		g.monitorGain = float32(gain)
	}
}

// input is one source attached to the graph.
type input struct {
	src   audio.Source
	gain  float32
	conv  audio.FormatConverter
	queue *fifo
	ended bool
}

// Graph is the concrete [audio.Mixer]. All exported methods are safe for
// concurrent use.
type Graph struct {
	format      audio.Format
	monitor     func(audio.Frame)
	monitorGain float32

	mu        sync.Mutex
	primary   *input
	secondary *input // nil in pass-through mode
	position  int64  // samples per channel emitted so far
	dropped   int64  // backlog samples discarded
	micLevel  *levelMeter
	closed    bool
}

// Open assembles a graph over primary and, when non-nil, secondary.
//
// A source that reports zero channels, or whose stream has already ended,
// fails Open with an error matching [audio.ErrSourceLost]; the failing kind
// can be recovered with [audio.FailedKind]. On any error both sources are
// stopped.
func Open(primary, secondary audio.Source, gains Gains, opts ...Option) (*Graph, error) {
	g := &Graph{format: DefaultFormat}
	for _, o := range opts {
		o(g)
	}

	fail := func(err error) (*Graph, error) {
		stopAll(primary, secondary)
		return nil, err
	}

	if primary == nil {
		return fail(audio.LostError(audio.SourcePrimary, errors.New("no primary source")))
	}
	if !g.format.Valid() {
		return fail(fmt.Errorf("mixer: invalid output format %s", g.format))
	}
	if err := gains.Validate(); err != nil {
		return fail(err)
	}

	var err error
	if g.primary, err = g.attach(primary, gains.Primary); err != nil {
		return fail(err)
	}
	if secondary != nil {
		if g.secondary, err = g.attach(secondary, gains.Secondary); err != nil {
			return fail(err)
		}
		g.micLevel = newLevelMeter(secondary.ID(), g.format.SampleRate)
	}

	slog.Debug("mixer: graph opened",
		"primary", primary.ID(),
		"mixing", secondary != nil,
		"format", g.format.String(),
	)
	return g, nil
}

// attach validates src and wraps it in an input. A frame that is already
// buffered is kept so no audio is lost to the readability probe.
func (g *Graph) attach(src audio.Source, gain float64) (*input, error) {
	if src.Format().Channels <= 0 {
		return nil, audio.LostError(src.Kind(), fmt.Errorf("source %q has no audio channels", src.ID()))
	}
	in := &input{
		src:   src,
		gain:  float32(gain),
		conv:  audio.FormatConverter{Target: g.format},
		queue: newFIFO(g.format.Channels),
	}
	select {
	case f, ok := <-src.Frames():
		if !ok {
			return nil, audio.LostError(src.Kind(), fmt.Errorf("source %q ended before capture started", src.ID()))
		}
		in.queue.push(in.conv.Convert(f))
	default:
	}
	return in, nil
}

// Format returns the graph's output format.
func (g *Graph) Format() audio.Format { return g.format }

// Mixing reports whether a secondary source is attached.
func (g *Graph) Mixing() bool { return g.secondary != nil }

// Read returns the next n samples per channel of the mixed stream.
//
// Read never blocks. Once the primary source has ended and its queued audio
// is exhausted Read returns an error matching [audio.ErrSourceLost]. A
// secondary source that ends is rendered as silence from then on.
func (g *Graph) Read(n int) (audio.Frame, error) {
	var tapped []audio.Frame

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return audio.Frame{}, ErrClosed
	}

	tapped = g.pull(g.primary, g.monitor != nil)
	if g.secondary != nil {
		wasEnded := g.secondary.ended
		g.pull(g.secondary, false)
		if g.secondary.ended && !wasEnded {
			slog.Warn("mixer: secondary source ended, continuing with silence",
				"source", g.secondary.src.ID())
		}
	}

	if g.primary.ended && g.primary.queue.len() == 0 {
		g.mu.Unlock()
		g.tap(tapped)
		return audio.Frame{}, audio.LostError(audio.SourcePrimary,
			fmt.Errorf("source %q stopped producing samples", g.primary.src.ID()))
	}

	out := audio.NewFrame(g.format.Channels, n, g.format.SampleRate)
	out.Timestamp = time.Duration(g.position) * time.Second / time.Duration(g.format.SampleRate)
	g.primary.queue.mixInto(out.Data, g.primary.gain)
	if g.secondary != nil {
		g.secondary.queue.mixInto(out.Data, g.secondary.gain)
	}
	g.position += int64(n)
	g.micLevel.advance(g.position)
	g.mu.Unlock()

	g.tap(tapped)
	return out, nil
}

// pull moves every frame the source has already delivered into its queue.
// When keep is true the converted frames are also returned for the monitor.
func (g *Graph) pull(in *input, keep bool) []audio.Frame {
	if in.ended {
		return nil
	}
	var kept []audio.Frame
	for {
		select {
		case f, ok := <-in.src.Frames():
			if !ok {
				in.ended = true
				return kept
			}
			f = in.conv.Convert(f)
			if f.Len() == 0 {
				continue
			}
			in.queue.push(f)
			if in == g.secondary {
				g.micLevel.add(f)
			}
			if keep {
				kept = append(kept, f)
			}
			g.trim(in)
		default:
			return kept
		}
	}
}

// trim drops the oldest queued samples beyond the backlog bound.
func (g *Graph) trim(in *input) {
	limit := g.format.SampleRate * maxBacklog
	if over := in.queue.len() - limit; over > 0 {
		in.queue.discard(over)
		if g.dropped == 0 {
			slog.Warn("mixer: source backlog exceeded, dropping oldest samples",
				"source", in.src.ID(), "samples", over)
		}
		g.dropped += int64(over)
	}
}

// tap delivers primary frames to the monitor sink at the monitor gain.
func (g *Graph) tap(frames []audio.Frame) {
	for _, f := range frames {
		scaled := audio.NewFrame(f.Channels(), f.Len(), f.SampleRate)
		scaled.Timestamp = f.Timestamp
		for c := range f.Data {
			for i, s := range f.Data[c] {
				scaled.Data[c][i] = s * g.monitorGain
			}
		}
		g.monitor(scaled)
	}
}

// Close disconnects the graph and stops every attached source. It is safe to
// call more than once; subsequent calls return nil.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	primary, secondary := g.primary.src, audio.Source(nil)
	if g.secondary != nil {
		secondary = g.secondary.src
	}
	g.mu.Unlock()

	return stopAll(primary, secondary)
}

// stopAll stops every non-nil source and joins their errors. Frames still
// buffered or in flight are drained so producers never block on a graph that
// no longer reads.
func stopAll(sources ...audio.Source) error {
	var errs []error
	for _, s := range sources {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("mixer: stop %s source %q: %w", s.Kind(), s.ID(), err))
		}
		go audio.Drain(s.Frames())
	}
	return errors.Join(errs...)
}
