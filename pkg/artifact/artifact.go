// Package artifact defines the finished output of a recording session and the
// store that holds it until it is downloaded.
//
// An [Artifact] is produced exactly once per successful session. Ownership
// passes to the [Store]; the recorder keeps no copy after the hand-off.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by [Store] lookups that match nothing.
var ErrNotFound = errors.New("artifact: not found")

// fileTimeLayout is the timestamp layout used in download file names.
const fileTimeLayout = "2006-01-02T15-04-05"

// Artifact is an encoded recording plus its media type.
type Artifact struct {
	// ID uniquely identifies the artifact.
	ID string

	// SessionKey is the key of the session that produced the artifact.
	SessionKey string

	// MIMEType is the media type of Data, e.g. "audio/wav".
	MIMEType string

	// Format is the container name and file extension, e.g. "wav" or "mp3".
	Format string

	// Data holds the encoded bytes.
	Data []byte

	// Duration is the length of the recorded audio.
	Duration time.Duration

	// CreatedAt is when encoding completed.
	CreatedAt time.Time
}

// FileName returns the download name, recording_<timestamp>.<ext>.
func (a Artifact) FileName() string {
	ext := a.Format
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("recording_%s.%s", a.CreatedAt.UTC().Format(fileTimeLayout), ext)
}

// Size returns the encoded length in bytes.
func (a Artifact) Size() int { return len(a.Data) }

// Store persists artifacts. Implementations must be safe for concurrent use.
type Store interface {
	// Put stores a. An artifact with the same ID is replaced.
	Put(ctx context.Context, a Artifact) error

	// Get returns the artifact with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (Artifact, error)

	// Latest returns the most recent artifact of a session or [ErrNotFound].
	Latest(ctx context.Context, sessionKey string) (Artifact, error)

	// Delete removes the artifact with the given ID. Deleting a missing
	// artifact is not an error.
	Delete(ctx context.Context, id string) error
}
