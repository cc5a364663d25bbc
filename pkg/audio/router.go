package audio

import (
	"context"
	"errors"
)

// Compile-time interface assertions.
var (
	_ Acquirer = AcquirerFunc(nil)
	_ Acquirer = Router(nil)
)

// ErrNotConfigured is the cause reported when no acquirer is registered for
// a requested source kind.
var ErrNotConfigured = errors.New("audio: no source configured")

// AcquirerFunc adapts a plain function to the [Acquirer] interface.
type AcquirerFunc func(ctx context.Context, kind SourceKind) (Source, error)

// Acquire implements [Acquirer].
func (f AcquirerFunc) Acquire(ctx context.Context, kind SourceKind) (Source, error) {
	return f(ctx, kind)
}

// Router dispatches each source kind to its own [Acquirer]. A kind without an
// entry fails with [ErrSourceAcquisition] wrapping [ErrNotConfigured].
type Router map[SourceKind]Acquirer

// Acquire implements [Acquirer]. Errors from the selected acquirer that are
// not already classified are wrapped with [AcquisitionError].
func (r Router) Acquire(ctx context.Context, kind SourceKind) (Source, error) {
	a, ok := r[kind]
	if !ok || a == nil {
		return nil, AcquisitionError(kind, ErrNotConfigured)
	}
	src, err := a.Acquire(ctx, kind)
	if err != nil {
		if _, classified := FailedKind(err); classified {
			return nil, err
		}
		return nil, AcquisitionError(kind, err)
	}
	return src, nil
}
