package recorder

import (
	"context"
	"time"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/audio/mixer"
)

// DefaultBufferSize is the frame length used when none is configured.
const DefaultBufferSize = 4096

// Unit is the controller's view of an isolated encoder.
// [*encoder.Unit] is the production implementation.
type Unit interface {
	Send(cmd encoder.Command) error
	Events() <-chan encoder.Event
	Terminate()
}

// UnitFactory spawns an encoder unit for format.
type UnitFactory func(ctx context.Context, format encoder.Format) Unit

func spawnEncoder(ctx context.Context, format encoder.Format) Unit {
	return encoder.Spawn(ctx, format)
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithSessionKey tags logs and artifacts with the owning session.
func WithSessionKey(key string) Option {
	return func(r *Recorder) { r.key = key }
}

// WithBufferSize sets the frame length in samples per channel. Zero selects
// [DefaultBufferSize].
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithTicker replaces the wall-clock audio clock.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(r *Recorder) { r.newTicker = fn }
}

// WithUnitFactory replaces how encoder units are spawned.
func WithUnitFactory(fn UnitFactory) Option {
	return func(r *Recorder) { r.newUnit = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithMixFormat sets the sample rate and channel count of the mix.
func WithMixFormat(f audio.Format) Option {
	return func(r *Recorder) { r.format = f }
}

// WithGains sets the per-source gains applied by the audio graph.
func WithGains(g mixer.Gains) Option {
	return func(r *Recorder) { r.gains = g }
}

// WithMonitor routes the primary source to sink at gain for local playback.
func WithMonitor(sink func(audio.Frame), gain float64) Option {
	return func(r *Recorder) {
		r.monitor = sink
		r.monitorGain = gain
	}
}
