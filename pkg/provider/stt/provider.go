// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A transcriber turns one finished recording (a WAV or MP3 artifact) into
// text. Transcription is a best-effort, single-attempt step that runs after a
// session completes; callers surface failures to the user instead of retrying.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned when a backend cannot read the audio
// container it was given.
var ErrUnsupportedFormat = errors.New("stt: unsupported audio format")

// Audio is one complete recording handed to a transcriber.
type Audio struct {
	// Data holds the encoded file bytes.
	Data []byte

	// MIMEType is the container type, e.g. "audio/wav" or "audio/mpeg".
	MIMEType string

	// FileName is forwarded to backends that infer the format from the
	// upload name.
	FileName string
}

// Options carries per-request recognition hints. Empty fields fall back to
// the backend's configured defaults.
type Options struct {
	// Language is the BCP-47 language code (e.g., "en", "de"). Empty lets the
	// backend auto-detect, if supported.
	Language string

	// Model overrides the backend's default model.
	Model string
}

// Segment is a timed slice of the transcript, when the backend reports
// timings.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Transcript is the result of transcribing one recording.
type Transcript struct {
	// Text is the full transcribed speech content.
	Text string

	// Language is the detected or requested language, if known.
	Language string

	// Segments holds timed fragments. May be nil.
	Segments []Segment
}

// Empty reports whether the transcript carries no speech.
func (t Transcript) Empty() bool { return strings.TrimSpace(t.Text) == "" }

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe converts audio to text. It returns an error if the backend
	// rejects the input or ctx is cancelled before the result arrives.
	Transcribe(ctx context.Context, audio Audio, opts Options) (Transcript, error)
}

// IsWAV reports whether a MIME type names a WAV container.
func IsWAV(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return true
	}
	return false
}
