// Package encoder implements the isolated encoding unit of a recording
// session.
//
// A [Unit] runs on its own goroutine and is reachable only through messages:
// the controller sends [Command] values with [Unit.Send] and reads [Event]
// values from [Unit.Events]. The unit owns its working set exclusively; no
// memory is shared with the controller apart from frames whose ownership is
// transferred with each [Record].
//
// Send blocks until the unit accepts the command, so at most one frame is in
// flight at a time. Events are queued in an unbounded mailbox so the unit
// never blocks on emission; they are delivered in the order they were
// produced.
//
// Lifecycle:
//
//	Spawn ─► Loaded ─► Init ─► Start ─► Record* ─┬─► Finish ─► Progress* ─► Complete
//	                                             ├─► (limit) ─► Timeout ─► Progress* ─► Complete
//	                                             └─► Cancel ─► Canceled
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/meetrec/internal/mailbox"
	"github.com/MrWong99/meetrec/pkg/audio"
)

// ErrTerminated is reported by [Unit.Send] after the unit has stopped.
var ErrTerminated = errors.New("encoder: unit terminated")

// UnitOption configures a [Unit] at spawn time.
type UnitOption func(*Unit)

// WithBackend overrides the backend used for format.
func WithBackend(format Format, b Backend) UnitOption {
	return func(u *Unit) {
		u.backends[format] = b
	}
}

// Unit is one isolated encoder. Create it with [Spawn].
type Unit struct {
	format   Format
	backends map[Format]Backend

	inbox  chan Command
	events *mailbox.Mailbox[Event]
	cancel context.CancelFunc
	done   chan struct{}

	// Everything below is owned by the run goroutine.
	backend    Backend
	loaded     bool
	sampleRate int
	channels   int
	opts       Options
	ready      bool
	active     bool
	maxFrames  int
	frames     int
	streamed   int
	pcm        []int16
	sink       Sink
}

// Spawn starts a unit for format. The unit probes its backend immediately and
// emits [Loaded], or [Failed] with an error matching [audio.ErrEncoderInit].
// The unit runs until ctx is cancelled or [Unit.Terminate] is called.
func Spawn(ctx context.Context, format Format, opts ...UnitOption) *Unit {
	ctx, cancel := context.WithCancel(ctx)
	u := &Unit{
		format:   format,
		backends: defaultBackends(),
		inbox:    make(chan Command),
		events:   mailbox.New[Event](),
		cancel:   cancel,
		done:     make(chan struct{}),
		opts:     DefaultOptions(),
	}
	for _, o := range opts {
		o(u)
	}
	go u.run(ctx)
	return u
}

// Format returns the format the unit was spawned for.
func (u *Unit) Format() Format { return u.format }

// Send delivers cmd to the unit, blocking until the unit accepts it. It
// returns [ErrTerminated] once the unit has stopped.
func (u *Unit) Send(cmd Command) error {
	select {
	case <-u.done:
		return ErrTerminated
	default:
	}
	select {
	case u.inbox <- cmd:
		return nil
	case <-u.done:
		return ErrTerminated
	}
}

// Events returns the unit's event stream. It is closed after the unit stops
// and every pending event has been read.
func (u *Unit) Events() <-chan Event { return u.events.C() }

// Terminate stops the unit, aborting any in-progress encode. It is safe to
// call more than once and does not wait for the goroutine to exit.
func (u *Unit) Terminate() { u.cancel() }

// Done is closed once the unit's goroutine has exited.
func (u *Unit) Done() <-chan struct{} { return u.done }

// ─── Run loop ─────────────────────────────────────────────────────────────────

func (u *Unit) run(ctx context.Context) {
	defer close(u.done)
	defer u.events.Close()
	defer u.discard()

	u.load()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-u.inbox:
			u.handle(ctx, cmd)
		}
	}
}

func (u *Unit) emit(ev Event) { u.events.Put(ev) }

func (u *Unit) fail(err error) {
	slog.Error("encoder: unit failed", "format", u.format, "err", err)
	u.discard()
	u.emit(Failed{Err: err})
}

func initError(err error) error {
	return fmt.Errorf("%w: %w", audio.ErrEncoderInit, err)
}

// load resolves and probes the backend for the unit's format.
func (u *Unit) load() {
	b, ok := u.backends[u.format]
	if !ok {
		u.fail(initError(fmt.Errorf("no backend for format %q", u.format)))
		return
	}
	if err := b.Probe(); err != nil {
		u.fail(initError(err))
		return
	}
	u.backend = b
	u.loaded = true
	u.emit(Loaded{Format: u.format})
}

func (u *Unit) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case Init:
		u.handleInit(c)
	case SetOptions:
		u.handleSetOptions(c)
	case Start:
		u.handleStart(ctx, c)
	case Record:
		u.handleRecord(ctx, c)
	case Cancel:
		u.discard()
		u.emit(Canceled{})
	case Finish:
		if !u.active {
			slog.Debug("encoder: finish outside active window ignored")
			return
		}
		u.finalize(ctx)
	default:
		panic(fmt.Sprintf("encoder: unhandled command %T", cmd))
	}
}

func (u *Unit) handleInit(c Init) {
	if u.active {
		slog.Warn("encoder: init while recording ignored")
		return
	}
	if !u.loaded {
		u.fail(initError(errors.New("backend not loaded")))
		return
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		u.fail(initError(fmt.Errorf("invalid stream format %d Hz x %d", c.SampleRate, c.Channels)))
		return
	}
	if c.Options.Format != u.format {
		u.fail(initError(fmt.Errorf("unit loaded for %s, init requested %s", u.format, c.Options.Format)))
		return
	}
	if err := c.Options.Validate(); err != nil {
		u.fail(initError(err))
		return
	}
	u.sampleRate, u.channels, u.opts = c.SampleRate, c.Channels, c.Options
	u.ready = true
}

func (u *Unit) handleSetOptions(c SetOptions) {
	if u.active {
		slog.Debug("encoder: options change while recording ignored")
		return
	}
	next := c.Options
	if next.Format != u.format {
		slog.Warn("encoder: format change needs a new unit, keeping current format",
			"current", u.format, "requested", next.Format)
		next.Format = u.format
	}
	if err := next.Validate(); err != nil {
		slog.Warn("encoder: invalid options ignored", "err", err)
		return
	}
	u.opts = next
}

func (u *Unit) handleStart(ctx context.Context, c Start) {
	if u.active {
		slog.Debug("encoder: duplicate start ignored")
		return
	}
	if !u.ready {
		u.fail(initError(errors.New("start before init")))
		return
	}
	if c.BufferSize <= 0 {
		u.fail(initError(fmt.Errorf("invalid buffer size %d", c.BufferSize)))
		return
	}

	u.frames = 0
	u.streamed = 0
	u.pcm = u.pcm[:0]
	u.maxFrames = MaxFrames(u.opts.TimeLimit, u.sampleRate, c.BufferSize)

	if !u.opts.EncodeAfterRecord {
		sink, err := u.backend.NewSink(ctx, u.sampleRate, u.channels, u.opts)
		if err != nil {
			u.fail(initError(err))
			return
		}
		u.sink = sink
	}
	u.active = true
	slog.Debug("encoder: recording started",
		"format", u.format, "bufferSize", c.BufferSize, "maxFrames", u.maxFrames)
}

func (u *Unit) handleRecord(ctx context.Context, c Record) {
	if !u.active {
		return
	}
	f := c.Frame
	if f.Channels() != u.channels {
		slog.Warn("encoder: frame channel count mismatch, dropping",
			"got", f.Channels(), "want", u.channels)
		return
	}

	if u.opts.EncodeAfterRecord {
		u.pcm = appendInt16(u.pcm, f)
	} else {
		if err := u.sink.Write(appendInt16(nil, f)); err != nil {
			u.fail(err)
			return
		}
		u.streamed += f.Len()
	}
	u.frames++

	if u.maxFrames > 0 && u.frames >= u.maxFrames {
		slog.Info("encoder: time limit reached", "frames", u.frames, "limit", u.opts.TimeLimit)
		u.emit(Timeout{Frames: u.frames})
		u.finalize(ctx)
	}
}

// finalize closes the active window and produces the artifact.
func (u *Unit) finalize(ctx context.Context) {
	u.active = false
	start := time.Now()

	if u.opts.EncodeAfterRecord {
		sink, err := u.backend.NewSink(ctx, u.sampleRate, u.channels, u.opts)
		if err != nil {
			u.fail(err)
			return
		}
		u.sink = sink
		if err := u.encodeBuffered(ctx); err != nil {
			u.fail(err)
			return
		}
	}

	data, err := u.sink.Close()
	u.sink = nil
	if err != nil {
		u.fail(err)
		return
	}

	samples := u.frameSamples()
	u.pcm = u.pcm[:0]
	slog.Debug("encoder: artifact ready",
		"format", u.format, "bytes", len(data), "frames", u.frames, "took", time.Since(start))
	u.emit(Complete{
		Data:     data,
		MIMEType: u.format.MIMEType(),
		Format:   u.format,
		Duration: time.Duration(samples) * time.Second / time.Duration(u.sampleRate),
		Frames:   u.frames,
	})
}

// encodeBuffered feeds the accumulated PCM to the sink one progress interval
// at a time, emitting a progress event after each chunk.
func (u *Unit) encodeBuffered(ctx context.Context) error {
	total := len(u.pcm)
	if total == 0 {
		u.emit(Progress{Fraction: 1})
		return nil
	}
	chunk := int(u.opts.ProgressInterval.Seconds()*float64(u.sampleRate)) * u.channels
	if chunk <= 0 {
		chunk = total
	}
	for off := 0; off < total; off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunk, total)
		if err := u.sink.Write(u.pcm[off:end]); err != nil {
			return err
		}
		u.emit(Progress{Fraction: float64(end) / float64(total)})
	}
	return nil
}

// frameSamples returns the recorded samples per channel.
func (u *Unit) frameSamples() int {
	if u.opts.EncodeAfterRecord && u.channels > 0 {
		return len(u.pcm) / u.channels
	}
	return u.streamed
}

// discard drops the working set without producing output.
func (u *Unit) discard() {
	u.active = false
	u.pcm = u.pcm[:0]
	if u.sink != nil {
		u.sink.Abort()
		u.sink = nil
	}
}

// MaxFrames returns how many frames of bufferSize samples fit into limit at
// sampleRate, rounded up. It returns 0 (no limit) when limit is zero.
func MaxFrames(limit time.Duration, sampleRate, bufferSize int) int {
	if limit <= 0 || sampleRate <= 0 || bufferSize <= 0 {
		return 0
	}
	samples := int64(limit) * int64(sampleRate) / int64(time.Second)
	return int((samples + int64(bufferSize) - 1) / int64(bufferSize))
}

// appendInt16 appends f as interleaved 16-bit samples.
func appendInt16(dst []int16, f audio.Frame) []int16 {
	n, chans := f.Len(), f.Channels()
	for i := range n {
		for c := range chans {
			dst = append(dst, audio.Int16(f.Data[c][i]))
		}
	}
	return dst
}
