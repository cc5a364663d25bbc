package recorder

// State is the lifecycle position of a [Recorder].
//
//	Idle ─start─► Recording ─finish─► Finishing ─► Encoding ─complete─► Complete
//	               │   │
//	               │   └─timeout─► TimedOut ─► Finishing
//	               └─cancel─► Canceled ─ack─► Idle
//
// Complete and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateCanceled
	StateFinishing
	StateEncoding
	StateComplete
	StateTimedOut
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateRecording: "recording",
	StateCanceled:  "canceled",
	StateFinishing: "finishing",
	StateEncoding:  "encoding",
	StateComplete:  "complete",
	StateTimedOut:  "timed_out",
	StateFailed:    "failed",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Capturing reports whether frames are being produced in s or the capture is
// being wound down.
func (s State) Capturing() bool {
	switch s {
	case StateRecording, StateFinishing, StateTimedOut, StateCanceled:
		return true
	}
	return false
}
