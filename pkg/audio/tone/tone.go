// Package tone provides a signal-generator [audio.Acquirer]. It produces a
// continuous sine wave in real time and is used for demos, smoke tests and
// as a stand-in microphone on headless hosts.
package tone

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Acquirer = (*Acquirer)(nil)

// Config describes the generated signal.
type Config struct {
	// Frequency of the sine in Hz. Defaults to 440.
	Frequency float64

	// Amplitude in [0, 1]. Defaults to 0.5.
	Amplitude float64

	// Format of the generated stream. Defaults to 48 kHz stereo.
	Format audio.Format
}

func (c Config) withDefaults() Config {
	if c.Frequency <= 0 {
		c.Frequency = 440
	}
	if c.Amplitude == 0 {
		c.Amplitude = 0.5
	}
	if !c.Format.Valid() {
		c.Format = audio.Format{SampleRate: 48000, Channels: 2}
	}
	return c
}

// Acquirer opens sine-wave sources.
type Acquirer struct {
	cfg  Config
	opts []audio.PacedOption
}

// New returns an Acquirer for cfg. Extra options are passed to every
// [audio.PacedSource] it creates.
func New(cfg Config, opts ...audio.PacedOption) (*Acquirer, error) {
	cfg = cfg.withDefaults()
	if cfg.Amplitude < 0 || cfg.Amplitude > 1 {
		return nil, fmt.Errorf("tone: amplitude %v outside [0, 1]", cfg.Amplitude)
	}
	if cfg.Frequency*2 > float64(cfg.Format.SampleRate) {
		return nil, fmt.Errorf("tone: frequency %v Hz above Nyquist for %d Hz", cfg.Frequency, cfg.Format.SampleRate)
	}
	return &Acquirer{cfg: cfg, opts: opts}, nil
}

// Acquire implements [audio.Acquirer]. The returned source is already
// running and ends when ctx is cancelled or it is stopped.
func (a *Acquirer) Acquire(ctx context.Context, kind audio.SourceKind) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, audio.AcquisitionError(kind, err)
	}
	id := fmt.Sprintf("tone:%gHz", a.cfg.Frequency)
	src := audio.NewPacedSource(id, kind, a.cfg.Format, Generator(a.cfg), a.opts...)
	src.Run(ctx)
	return src, nil
}

// Generator returns an endless [audio.Generator] for cfg. Phase is carried
// across frames so consecutive frames join without discontinuity.
func Generator(cfg Config) audio.Generator {
	cfg = cfg.withDefaults()
	step := 2 * math.Pi * cfg.Frequency / float64(cfg.Format.SampleRate)
	var phase float64
	return func(n int) (audio.Frame, bool) {
		f := audio.NewFrame(cfg.Format.Channels, n, cfg.Format.SampleRate)
		for i := range n {
			v := float32(cfg.Amplitude * math.Sin(phase))
			for c := range f.Data {
				f.Data[c][i] = v
			}
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		return f, true
	}
}
