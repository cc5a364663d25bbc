// Package filesrc provides an [audio.Acquirer] that replays a WAV file in
// real time. It stands in for a live capture device when recording a
// prepared meeting or running the service without Discord.
package filesrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Acquirer = (*Acquirer)(nil)

// ErrInvalidWAV is returned when the file is not a readable PCM WAV file.
var ErrInvalidWAV = errors.New("filesrc: not a valid WAV file")

// Option is a functional option for [New].
type Option func(*Acquirer)

// WithLoop replays the file from the start when it ends instead of closing
// the source.
func WithLoop() Option {
	return func(a *Acquirer) { a.loop = true }
}

// WithPacing passes options through to every [audio.PacedSource].
func WithPacing(opts ...audio.PacedOption) Option {
	return func(a *Acquirer) { a.pacing = append(a.pacing, opts...) }
}

// Acquirer opens the configured file once per Acquire call.
type Acquirer struct {
	path   string
	loop   bool
	pacing []audio.PacedOption
}

// New returns an Acquirer for the WAV file at path. The file is probed once
// so a bad path fails at startup rather than at the first session.
func New(path string, opts ...Option) (*Acquirer, error) {
	a := &Acquirer{path: path}
	for _, o := range opts {
		o(a)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filesrc: open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := probe(f); err != nil {
		return nil, fmt.Errorf("filesrc: %q: %w", path, err)
	}
	return a, nil
}

// Acquire implements [audio.Acquirer].
func (a *Acquirer) Acquire(ctx context.Context, kind audio.SourceKind) (audio.Source, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, audio.AcquisitionError(kind, err)
	}
	r, err := newReader(f, a.loop)
	if err != nil {
		f.Close()
		return nil, audio.AcquisitionError(kind, err)
	}

	opts := append([]audio.PacedOption{audio.WithStopHook(f.Close)}, a.pacing...)
	src := audio.NewPacedSource(a.path, kind, r.format, r.next, opts...)
	src.Run(ctx)
	slog.Debug("filesrc: opened", "path", a.path, "kind", kind, "format", r.format)
	return src, nil
}

// probe validates the WAV header and returns a decoder positioned at the
// PCM chunk.
func probe(rs io.ReadSeeker) (*wav.Decoder, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 || dec.BitDepth == 0 {
		return nil, ErrInvalidWAV
	}
	return dec, nil
}

// reader pulls fixed-size frames from a WAV decoder.
type reader struct {
	rs     io.ReadSeeker
	dec    *wav.Decoder
	format audio.Format
	depth  int
	loop   bool
	buf    *goaudio.IntBuffer
}

func newReader(rs io.ReadSeeker, loop bool) (*reader, error) {
	dec, err := probe(rs)
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return &reader{
		rs:     rs,
		dec:    dec,
		format: format,
		depth:  int(dec.BitDepth),
		loop:   loop,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: int(dec.BitDepth),
		},
	}, nil
}

// next implements [audio.Generator]. A short final read is zero-padded to n.
func (r *reader) next(n int) (audio.Frame, bool) {
	want := n * r.format.Channels
	if cap(r.buf.Data) < want {
		r.buf.Data = make([]int, want)
	}
	r.buf.Data = r.buf.Data[:want]

	got, err := r.dec.PCMBuffer(r.buf)
	if got == 0 && r.loop && r.rewind() {
		got, err = r.dec.PCMBuffer(r.buf)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("filesrc: decode error", "err", err)
		return audio.Frame{}, false
	}
	if got == 0 {
		return audio.Frame{}, false
	}

	f := audio.FromInts(r.buf.Data[:got], r.format.Channels, r.depth, r.format.SampleRate)
	if f.Len() < n {
		padded := audio.NewFrame(r.format.Channels, n, r.format.SampleRate)
		for c := range f.Data {
			copy(padded.Data[c], f.Data[c])
		}
		f = padded
	}
	return f, true
}

// rewind restarts decoding from the beginning of the file.
func (r *reader) rewind() bool {
	if _, err := r.rs.Seek(0, io.SeekStart); err != nil {
		slog.Warn("filesrc: rewind failed", "err", err)
		return false
	}
	dec, err := probe(r.rs)
	if err != nil {
		slog.Warn("filesrc: rewind failed", "err", err)
		return false
	}
	r.dec = dec
	return true
}
