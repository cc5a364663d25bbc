// Package mock provides a test double for the stt.Transcriber interface.
//
// Example:
//
//	tr := &mock.Transcriber{Result: stt.Transcript{Text: "hello"}}
//	got, _ := tr.Transcribe(ctx, audio, stt.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the recording passed to Transcribe.
	Audio stt.Audio
	// Opts are the options passed to Transcribe.
	Opts stt.Options
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (m *Transcriber) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (stt.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, Audio: audio, Opts: opts})
	if m.Err != nil {
		return stt.Transcript{}, m.Err
	}
	return m.Result, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
