package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmFormatTag is the WAVE format tag for integer PCM.
const pcmFormatTag = 1

// WAVBackend encodes 16-bit PCM WAVE files in memory.
type WAVBackend struct{}

// Probe always succeeds; WAV encoding has no external requirements.
func (WAVBackend) Probe() error { return nil }

// NewSink implements [Backend].
func (WAVBackend) NewSink(_ context.Context, sampleRate, channels int, _ Options) (Sink, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("encoder: wav: invalid format %d Hz x %d", sampleRate, channels)
	}
	buf := &writeSeeker{}
	s := &wavSink{
		buf: buf,
		enc: wav.NewEncoder(buf, sampleRate, 16, channels, pcmFormatTag),
		format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
	}
	// An empty write emits the RIFF and data chunk headers so that a
	// recording without samples still closes into a valid file.
	if err := s.Write(nil); err != nil {
		return nil, err
	}
	return s, nil
}

type wavSink struct {
	buf    *writeSeeker
	enc    *wav.Encoder
	format *goaudio.Format
	ints   []int
	done   bool
}

func (s *wavSink) Write(pcm []int16) error {
	if s.done {
		return errors.New("encoder: wav: write after close")
	}
	s.ints = s.ints[:0]
	for _, v := range pcm {
		s.ints = append(s.ints, int(v))
	}
	err := s.enc.Write(&goaudio.IntBuffer{
		Format:         s.format,
		Data:           s.ints,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("encoder: wav: write: %w", err)
	}
	return nil
}

func (s *wavSink) Close() ([]byte, error) {
	if s.done {
		return nil, errors.New("encoder: wav: already closed")
	}
	s.done = true
	if err := s.enc.Close(); err != nil {
		return nil, fmt.Errorf("encoder: wav: finalize header: %w", err)
	}
	return s.buf.Bytes(), nil
}

func (s *wavSink) Abort() {
	s.done = true
	s.buf = &writeSeeker{}
}

// writeSeeker is an in-memory io.WriteSeeker. The WAV encoder seeks back to
// patch chunk sizes once the data length is known.
type writeSeeker struct {
	data []byte
	pos  int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.data) {
		if end > cap(w.data) {
			grown := make([]byte, end, max(end, 2*cap(w.data)))
			copy(grown, w.data)
			w.data = grown
		} else {
			w.data = w.data[:end]
		}
	}
	n := copy(w.data[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.data)) + offset
	default:
		return 0, fmt.Errorf("encoder: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("encoder: negative seek position")
	}
	w.pos = int(abs)
	return abs, nil
}

// Bytes returns the written data.
func (w *writeSeeker) Bytes() []byte { return w.data }
