package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceAcquisition is returned when a requested capture source could
	// not be opened.
	ErrSourceAcquisition = errors.New("audio: source acquisition failed")

	// ErrSourceLost is returned when a source has no readable track or stops
	// producing samples.
	ErrSourceLost = errors.New("audio: source lost")

	// ErrEncoderInit is returned when the encoding unit fails to initialise.
	ErrEncoderInit = errors.New("audio: encoder init failed")
)

// SourceError describes a failure attributable to one capture source.
// It matches both its sentinel (via [errors.Is]) and the underlying cause.
type SourceError struct {
	// Kind is the source the failure belongs to.
	Kind SourceKind

	// Op is ErrSourceAcquisition or ErrSourceLost.
	Op error

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Op, e.Kind)
	}
	return fmt.Sprintf("%v (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns both the sentinel and the cause.
func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Op}
	}
	return []error{e.Op, e.Err}
}

// AcquisitionError wraps err as an [ErrSourceAcquisition] for kind.
func AcquisitionError(kind SourceKind, err error) error {
	return &SourceError{Kind: kind, Op: ErrSourceAcquisition, Err: err}
}

// LostError wraps err as an [ErrSourceLost] for kind.
func LostError(kind SourceKind, err error) error {
	return &SourceError{Kind: kind, Op: ErrSourceLost, Err: err}
}

// FailedKind returns the source kind of the first [SourceError] in err's
// chain and whether one was found.
func FailedKind(err error) (SourceKind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
