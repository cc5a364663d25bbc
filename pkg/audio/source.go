package audio

import "context"

// SourceKind identifies which of the two capture inputs a [Source] feeds.
type SourceKind string

const (
	// SourcePrimary is the meeting audio (a browser tab, a voice channel, a
	// file). A session cannot record without it.
	SourcePrimary SourceKind = "primary"

	// SourceSecondary is the local speaker's microphone. It is optional: when
	// it cannot be acquired the session degrades to primary-only recording.
	SourceSecondary SourceKind = "secondary"
)

// String returns the kind name.
func (k SourceKind) String() string { return string(k) }

// Source is a live stream of audio samples at a fixed format. Sources are
// owned by the capture collaborator that produced them; the audio graph only
// references a source for the lifetime of one session and releases it with
// [Source.Stop] on teardown.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// ID returns a stable identifier for logging (a file path, a channel ID).
	ID() string

	// Kind reports which capture input this source feeds.
	Kind() SourceKind

	// Format returns the native sample rate and channel count of the source.
	// A source reporting zero channels has no readable track.
	Format() Format

	// Frames returns the channel on which captured frames are delivered. The
	// channel is closed when the source ends or is stopped. The same channel
	// is returned on every call.
	Frames() <-chan Frame

	// Stop stops the underlying track and closes the Frames channel. It is
	// safe to call more than once; subsequent calls return nil.
	Stop() error
}

// Acquirer opens capture sources. It is the boundary to whatever owns the
// real capture handles (a Discord voice connection, a file, a signal
// generator).
type Acquirer interface {
	// Acquire opens a new source for kind. Failures wrap
	// [ErrSourceAcquisition].
	Acquire(ctx context.Context, kind SourceKind) (Source, error)
}

// Mixer produces the mixed session stream consumed by the capture buffer.
type Mixer interface {
	// Read returns the next n samples per channel of mixed audio without
	// blocking. Missing input is rendered as silence.
	Read(n int) (Frame, error)

	// Format returns the output format of the mixed stream.
	Format() Format

	// Close disconnects the graph and stops every source it references.
	Close() error
}
