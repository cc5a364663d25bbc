package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/meetrec/pkg/audio"
)

func TestSourceError_Is(t *testing.T) {
	t.Parallel()
	cause := errors.New("permission denied")
	err := audio.AcquisitionError(audio.SourceSecondary, cause)

	if !errors.Is(err, audio.ErrSourceAcquisition) {
		t.Error("expected ErrSourceAcquisition")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable")
	}
	if errors.Is(err, audio.ErrSourceLost) {
		t.Error("did not expect ErrSourceLost")
	}
	kind, ok := audio.FailedKind(err)
	if !ok || kind != audio.SourceSecondary {
		t.Errorf("FailedKind = %q, %v; want secondary, true", kind, ok)
	}
}

func TestSourceError_NoCause(t *testing.T) {
	t.Parallel()
	err := audio.LostError(audio.SourcePrimary, nil)
	if !errors.Is(err, audio.ErrSourceLost) {
		t.Error("expected ErrSourceLost")
	}
	if err.Error() == "" {
		t.Error("empty message")
	}
	if _, ok := audio.FailedKind(errors.New("other")); ok {
		t.Error("FailedKind should not match plain errors")
	}
}
