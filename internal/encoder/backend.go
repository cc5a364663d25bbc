package encoder

import "context"

// Sink receives interleaved signed 16-bit PCM for one recording and produces
// the encoded artifact.
type Sink interface {
	// Write encodes the next block of interleaved samples.
	Write(pcm []int16) error

	// Close flushes the encoder and returns the complete artifact bytes.
	Close() ([]byte, error)

	// Abort releases the sink without producing output.
	Abort()
}

// Backend creates sinks for one format.
type Backend interface {
	// Probe reports whether the backend can encode at all (e.g., whether an
	// external encoder binary is installed).
	Probe() error

	// NewSink opens a sink for one recording. ctx bounds the sink's
	// lifetime; cancelling it aborts any external process.
	NewSink(ctx context.Context, sampleRate, channels int, opts Options) (Sink, error)
}

// defaultBackends returns the built-in backend for every format.
func defaultBackends() map[Format]Backend {
	return map[Format]Backend{
		FormatWAV: WAVBackend{},
		FormatMP3: &MP3Backend{},
	}
}
