// Package recorder implements the session controller that drives one
// capture-to-artifact lifecycle.
//
// A [Recorder] owns the audio graph, the [CaptureBuffer] and the encoder unit
// of its session. Frames flow from the graph through the capture buffer to
// the unit one at a time; the unit's events flow back and are relayed to an
// [Observer].
//
// All public operations return immediately. Their outcomes (artifact,
// cancellation acknowledgement, failures) arrive later through the observer.
// Operations invoked in a state where they are not valid do nothing, so
// duplicate UI events are harmless.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/pkg/artifact"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/audio/mixer"
)

// Status is a point-in-time view of a recorder.
type Status struct {
	State         State
	Format        encoder.Format
	EncoderLoaded bool
	Mixing        bool
	Capturing     bool
	Frames        int
	Recorded      time.Duration
	StartedAt     time.Time
}

// Recorder is the session controller. Create it with [New]; release it with
// [Recorder.Close].
type Recorder struct {
	key         string
	bufferSize  int
	format      audio.Format
	gains       mixer.Gains
	monitor     func(audio.Frame)
	monitorGain float64
	newTicker   func(time.Duration) Ticker
	newUnit     UnitFactory
	metrics     *observe.Metrics

	obs      Observer
	dispatch *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	opts        encoder.Options
	unit        Unit
	unitGen     uint64
	loaded      bool
	gen         uint64
	graph       *mixer.Graph
	capture     *CaptureBuffer
	mixing      bool
	frames      int
	maxFrames   int
	startedAt   time.Time
	encodeStart time.Time
	closed      bool
}

// New creates an idle recorder and spawns its encoder unit. obs receives
// OnEncoderLoading immediately and OnEncoderLoaded once the unit is ready.
func New(ctx context.Context, opts encoder.Options, obs Observer, options ...Option) (*Recorder, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	r := &Recorder{
		bufferSize: DefaultBufferSize,
		format:     mixer.DefaultFormat,
		gains:      mixer.DefaultGains(),
		newTicker:  NewTicker,
		newUnit:    spawnEncoder,
		obs:        obs,
		opts:       opts,
	}
	for _, o := range options {
		o(r)
	}
	if err := r.gains.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if !r.format.Valid() {
		return nil, fmt.Errorf("recorder: invalid mix format %s", r.format)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.dispatch = newDispatcher()

	r.mu.Lock()
	r.spawnLocked()
	r.mu.Unlock()
	return r, nil
}

// ─── Public operations ────────────────────────────────────────────────────────

// Start begins recording from primary and, when non-nil, secondary. It is
// only valid from [StateIdle].
//
// The recorder takes ownership of both sources: they are stopped on teardown,
// on a setup failure, and when Start is ignored. Setup failures from the audio
// graph are returned and match [audio.ErrSourceLost]; the recorder stays
// idle. Everything after setup is reported through the observer.
func (r *Recorder) Start(ctx context.Context, primary, secondary audio.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.state != StateIdle {
		slog.Debug("recorder: start ignored", "session", r.key, "state", r.state)
		stopSources(primary, secondary)
		return nil
	}
	if err := ctx.Err(); err != nil {
		stopSources(primary, secondary)
		return err
	}

	graphOpts := []mixer.Option{mixer.WithFormat(r.format)}
	if r.monitor != nil && r.monitorGain > 0 {
		graphOpts = append(graphOpts, mixer.WithMonitor(r.monitor, r.monitorGain))
	}
	graph, err := mixer.Open(primary, secondary, r.gains, graphOpts...)
	if err != nil {
		return err
	}

	r.gen++
	gen := r.gen
	r.graph = graph
	r.mixing = graph.Mixing()
	r.frames = 0
	r.maxFrames = encoder.MaxFrames(r.opts.TimeLimit, r.format.SampleRate, r.bufferSize)
	r.startedAt = time.Now()
	r.setStateLocked(StateRecording)

	if err := r.unit.Send(encoder.Init{
		SampleRate: r.format.SampleRate,
		Channels:   r.format.Channels,
		Options:    r.opts,
	}); err != nil {
		r.failLocked(fmt.Errorf("recorder: init encoder: %w", err))
		return nil
	}
	if err := r.unit.Send(encoder.Start{BufferSize: r.bufferSize}); err != nil {
		r.failLocked(fmt.Errorf("recorder: start encoder: %w", err))
		return nil
	}

	r.capture = NewCaptureBuffer(graph, r.bufferSize, r.format.SampleRate, r.newTicker,
		func(f audio.Frame) { r.deliver(gen, f) },
		func(err error) { r.captureFailed(gen, err) },
	)
	r.capture.Start(r.ctx)

	slog.Info("recorder: recording started",
		"session", r.key,
		"format", r.opts.Format,
		"mixing", r.mixing,
		"bufferSize", r.bufferSize,
		"period", r.capture.Period(),
	)
	return nil
}

// Finish stops capture and asks the encoder for the artifact. It is only
// valid from [StateRecording]; the artifact arrives via OnComplete.
func (r *Recorder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		slog.Debug("recorder: finish ignored", "session", r.key, "state", r.state)
		return
	}
	r.finishLocked()
}

// Cancel stops capture and discards everything recorded. It is only valid
// from [StateRecording]. The recorder returns to [StateIdle] once the encoder
// acknowledges, which is reported via OnEncodingCanceled.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		slog.Debug("recorder: cancel ignored", "session", r.key, "state", r.state)
		return
	}
	r.setStateLocked(StateCanceled)
	r.stopCaptureLocked()
	if err := r.unit.Send(encoder.Cancel{}); err != nil {
		r.failLocked(fmt.Errorf("recorder: cancel encoder: %w", err))
	}
}

// CancelEncoding abandons an encode-after-record pass that is still running.
// The encoder unit is replaced by a fresh one and the recorder returns to
// [StateIdle]. It does nothing unless the recorder is encoding with
// encode-after-record enabled.
func (r *Recorder) CancelEncoding() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateEncoding || !r.opts.EncodeAfterRecord {
		slog.Debug("recorder: cancel encoding ignored",
			"session", r.key, "state", r.state, "encodeAfterRecord", r.opts.EncodeAfterRecord)
		return
	}
	slog.Info("recorder: pending encode discarded", "session", r.key)
	r.setStateLocked(StateIdle)
	r.notify(r.obs.OnEncodingCanceled)
	r.spawnLocked()
}

// Configure applies ov to the encoding options. It is a no-op while capture
// is running or after the session ended. A format change replaces the
// encoder unit and returns the recorder to [StateIdle], discarding an
// encode in progress. Invalid resulting options are rejected with an error
// and leave the current options untouched.
func (r *Recorder) Configure(ov encoder.Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || (r.state != StateIdle && r.state != StateEncoding) {
		slog.Debug("recorder: configure ignored", "session", r.key, "state", r.state)
		return nil
	}

	next := r.opts.Apply(ov)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("recorder: configure: %w", err)
	}
	prev := r.opts
	r.opts = next

	if next.Format != prev.Format {
		slog.Info("recorder: encoding format changed, reloading encoder",
			"session", r.key, "from", prev.Format, "to", next.Format)
		if r.state == StateEncoding {
			r.setStateLocked(StateIdle)
			r.notify(r.obs.OnEncodingCanceled)
		}
		r.spawnLocked()
		return nil
	}

	if r.state == StateIdle {
		if err := r.unit.Send(encoder.SetOptions{Options: next}); err != nil {
			return fmt.Errorf("recorder: configure: %w", err)
		}
	}
	return nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Options returns the current encoding options.
func (r *Recorder) Options() encoder.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Frames returns how many frames the current recording has delivered to the
// encoder.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Status returns a snapshot of the recorder.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:         r.state,
		Format:        r.opts.Format,
		EncoderLoaded: r.loaded,
		Mixing:        r.mixing,
		Capturing:     r.state.Capturing() && r.capture != nil,
		Frames:        r.frames,
		Recorded:      time.Duration(r.frames*r.bufferSize) * time.Second / time.Duration(r.format.SampleRate),
		StartedAt:     r.startedAt,
	}
}

// Close tears the session down on any path: capture stops, the graph and its
// sources are released and the encoder unit is terminated. Queued observer
// callbacks still run. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	capture := r.capture
	r.stopCaptureLocked()
	if r.unit != nil {
		r.unit.Terminate()
	}
	r.unitGen++
	r.mu.Unlock()

	if capture != nil {
		<-capture.Done()
	}
	r.cancel()
	r.dispatch.close()
	return nil
}

// ─── Frame path ───────────────────────────────────────────────────────────────

// deliver hands one frame to the unit. Send blocks until the unit takes the
// frame, so at most one frame is in flight. Capture stops with the frame that
// fills the time limit; the unit's Timeout event moves the state on.
func (r *Recorder) deliver(gen uint64, f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.state != StateRecording || gen != r.gen || r.limitReachedLocked() {
		return
	}
	if err := r.unit.Send(encoder.Record{Frame: f}); err != nil {
		r.failLocked(fmt.Errorf("recorder: deliver frame: %w", err))
		return
	}
	r.frames++
	r.metrics.FramesRecorded.Add(r.ctx, 1)
	if r.limitReachedLocked() {
		r.stopCaptureLocked()
	}
}

func (r *Recorder) limitReachedLocked() bool {
	return r.maxFrames > 0 && r.frames >= r.maxFrames
}

// captureFailed handles a graph read error during recording. The primary
// source is gone, so what was recorded so far is finalised.
func (r *Recorder) captureFailed(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.state != StateRecording || gen != r.gen {
		return
	}
	slog.Warn("recorder: capture stopped, finalising recording", "session", r.key, "err", err)
	r.finishLocked()
}

func (r *Recorder) finishLocked() {
	r.setStateLocked(StateFinishing)
	r.stopCaptureLocked()
	if err := r.unit.Send(encoder.Finish{}); err != nil {
		r.failLocked(fmt.Errorf("recorder: finish encoder: %w", err))
		return
	}
	r.encodeStart = time.Now()
	r.setStateLocked(StateEncoding)
}

// ─── Encoder events ───────────────────────────────────────────────────────────

func (r *Recorder) pump(gen uint64, u Unit) {
	for ev := range u.Events() {
		r.handleEvent(gen, ev)
	}
}

func (r *Recorder) handleEvent(gen uint64, ev encoder.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.unitGen {
		return
	}

	switch e := ev.(type) {
	case encoder.Loaded:
		r.loaded = true
		slog.Debug("recorder: encoder loaded", "session", r.key, "format", e.Format)
		r.notify(r.obs.OnEncoderLoaded)

	case encoder.Progress:
		if r.state != StateEncoding {
			return
		}
		if fn := r.obs.OnEncodingProgress; fn != nil {
			fraction := e.Fraction
			r.dispatch.post(func() { fn(fraction) })
		}

	case encoder.Timeout:
		if r.state != StateRecording {
			return
		}
		slog.Info("recorder: time limit reached", "session", r.key, "frames", e.Frames)
		r.setStateLocked(StateTimedOut)
		r.metrics.Timeouts.Add(r.ctx, 1)
		r.notify(r.obs.OnTimeout)
		// The unit finalises on its own; only the local bookkeeping of a
		// finish is needed here.
		r.setStateLocked(StateFinishing)
		r.stopCaptureLocked()
		r.encodeStart = time.Now()
		r.setStateLocked(StateEncoding)

	case encoder.Complete:
		if r.state != StateEncoding {
			slog.Debug("recorder: late artifact dropped", "session", r.key, "state", r.state)
			return
		}
		a := artifact.Artifact{
			ID:         uuid.NewString(),
			SessionKey: r.key,
			MIMEType:   e.MIMEType,
			Format:     string(e.Format),
			Data:       e.Data,
			Duration:   e.Duration,
			CreatedAt:  time.Now(),
		}
		r.metrics.RecordEncode(r.ctx, string(e.Format), time.Since(r.encodeStart))
		slog.Info("recorder: artifact ready",
			"session", r.key, "format", e.Format, "bytes", len(e.Data), "duration", e.Duration)
		r.teardownLocked()
		r.setStateLocked(StateComplete)
		if fn := r.obs.OnComplete; fn != nil {
			r.dispatch.post(func() { fn(a) })
		}

	case encoder.Canceled:
		if r.state != StateCanceled {
			return
		}
		r.setStateLocked(StateIdle)
		r.notify(r.obs.OnEncodingCanceled)

	case encoder.Failed:
		if errors.Is(e.Err, audio.ErrEncoderInit) {
			r.loaded = false
		}
		if r.state == StateIdle {
			slog.Warn("recorder: encoder unavailable", "session", r.key, "err", e.Err)
			r.notifyError(e.Err)
			return
		}
		if r.state.Terminal() {
			return
		}
		r.failLocked(e.Err)
	}
}

// ─── Internals ────────────────────────────────────────────────────────────────

// spawnLocked replaces the encoder unit with a fresh one for the current
// format. Events of the previous unit are ignored from here on.
func (r *Recorder) spawnLocked() {
	if r.unit != nil {
		r.unit.Terminate()
	}
	r.unitGen++
	gen := r.unitGen
	u := r.newUnit(r.ctx, r.opts.Format)
	r.unit = u
	r.loaded = false
	r.notify(r.obs.OnEncoderLoading)
	go r.pump(gen, u)
}

func (r *Recorder) stopCaptureLocked() {
	if r.capture != nil {
		r.capture.Stop()
		r.capture = nil
	}
	if r.graph != nil {
		if err := r.graph.Close(); err != nil {
			slog.Warn("recorder: releasing sources", "session", r.key, "err", err)
		}
		r.graph = nil
	}
}

// teardownLocked releases every resource of the session.
func (r *Recorder) teardownLocked() {
	r.stopCaptureLocked()
	if r.unit != nil {
		r.unit.Terminate()
	}
	r.unitGen++
}

func (r *Recorder) failLocked(err error) {
	slog.Error("recorder: session failed", "session", r.key, "state", r.state, "err", err)
	r.teardownLocked()
	r.setStateLocked(StateFailed)
	r.notifyError(err)
}

func (r *Recorder) setStateLocked(s State) {
	if r.state == s {
		return
	}
	slog.Debug("recorder: state change", "session", r.key, "from", r.state, "to", s)
	r.state = s
	if fn := r.obs.OnStateChange; fn != nil {
		r.dispatch.post(func() { fn(s) })
	}
}

func (r *Recorder) notify(fn func()) {
	if fn != nil {
		r.dispatch.post(fn)
	}
}

func (r *Recorder) notifyError(err error) {
	if fn := r.obs.OnError; fn != nil {
		r.dispatch.post(func() { fn(err) })
	}
}

func stopSources(sources ...audio.Source) {
	for _, s := range sources {
		if s != nil {
			_ = s.Stop()
		}
	}
}
