package encoder

import (
	"time"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Command is a message from the controller to the unit. The set of commands
// is closed: only the types in this file implement it.
type Command interface {
	command()
}

// Init prepares the unit for the next recording.
type Init struct {
	SampleRate int
	Channels   int
	Options    Options
}

// SetOptions replaces the options of an initialised, inactive unit. The
// format cannot change; a different format requires a new unit.
type SetOptions struct {
	Options Options
}

// Start opens the active window. BufferSize is the negotiated frame length.
type Start struct {
	BufferSize int
}

// Record delivers one frame. Frames outside the active window are ignored.
type Record struct {
	Frame audio.Frame
}

// Cancel discards the working set. It is always acknowledged with
// [Canceled].
type Cancel struct{}

// Finish finalises the working set into an artifact.
type Finish struct{}

func (Init) command()       {}
func (SetOptions) command() {}
func (Start) command()      {}
func (Record) command()     {}
func (Cancel) command()     {}
func (Finish) command()     {}

// Event is a message from the unit to the controller. The set of events is
// closed: only the types in this file implement it.
type Event interface {
	event()
}

// Loaded reports that the unit's encoder backend is available.
type Loaded struct {
	Format Format
}

// Progress reports encode-after-record progress in [0, 1].
type Progress struct {
	Fraction float64
}

// Timeout reports that the recorded duration reached the time limit. The
// unit finalises on its own and a [Complete] follows.
type Timeout struct {
	Frames int
}

// Complete carries the finished artifact.
type Complete struct {
	Data     []byte
	MIMEType string
	Format   Format
	Duration time.Duration
	Frames   int
}

// Canceled acknowledges a [Cancel].
type Canceled struct{}

// Failed reports an unrecoverable encoder error. Errors raised while the
// backend is being prepared match [audio.ErrEncoderInit].
type Failed struct {
	Err error
}

func (Loaded) event()   {}
func (Progress) event() {}
func (Timeout) event()  {}
func (Complete) event() {}
func (Canceled) event() {}
func (Failed) event()   {}
