package recorder

import (
	"github.com/MrWong99/meetrec/internal/mailbox"
	"github.com/MrWong99/meetrec/pkg/artifact"
)

// Observer receives the asynchronous outcomes of recorder operations. Every
// field is optional. Callbacks run one at a time on a dedicated goroutine in
// the order the recorder produced them, never while the recorder's lock is
// held, so they may call back into the recorder.
type Observer struct {
	OnStateChange      func(State)
	OnEncoderLoading   func()
	OnEncoderLoaded    func()
	OnTimeout          func()
	OnEncodingProgress func(fraction float64)
	OnEncodingCanceled func()
	OnComplete         func(artifact.Artifact)
	OnError            func(error)
}

// dispatcher runs observer callbacks sequentially off the caller's goroutine.
type dispatcher struct {
	box  *mailbox.Mailbox[func()]
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		box:  mailbox.New[func()](),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for fn := range d.box.C() {
			fn()
		}
	}()
	return d
}

func (d *dispatcher) post(fn func()) { d.box.Put(fn) }

// close stops accepting callbacks; queued ones still run.
func (d *dispatcher) close() { d.box.Close() }
