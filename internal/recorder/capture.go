package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// FrameReader yields mixed audio in frames of a requested length.
// [*mixer.Graph] is the production implementation.
type FrameReader interface {
	Read(n int) (audio.Frame, error)
}

// CaptureBuffer cuts a mixed stream into fixed frames on an audio clock.
//
// Every tick yields exactly one frame of bufferSize samples per channel,
// handed to the sink synchronously before the next tick is consumed. A slow
// sink therefore stalls the clock's consumer, never the capture devices
// behind the reader.
type CaptureBuffer struct {
	src        FrameReader
	bufferSize int
	period     time.Duration
	newTicker  func(time.Duration) Ticker
	sink       func(audio.Frame)
	onError    func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCaptureBuffer creates a buffer that reads bufferSize samples from src
// every bufferSize/sampleRate seconds. onError is called at most once, when
// src fails; the buffer stops afterwards.
func NewCaptureBuffer(
	src FrameReader,
	bufferSize, sampleRate int,
	newTicker func(time.Duration) Ticker,
	sink func(audio.Frame),
	onError func(error),
) *CaptureBuffer {
	if newTicker == nil {
		newTicker = NewTicker
	}
	return &CaptureBuffer{
		src:        src,
		bufferSize: bufferSize,
		period:     Period(bufferSize, sampleRate),
		newTicker:  newTicker,
		sink:       sink,
		onError:    onError,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Period returns the tick interval for bufferSize samples at sampleRate.
func Period(bufferSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bufferSize) * time.Second / time.Duration(sampleRate)
}

// Period returns the interval between two frames.
func (b *CaptureBuffer) Period() time.Duration { return b.period }

// Start launches the clock goroutine. It must be called once.
func (b *CaptureBuffer) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop halts frame production. It returns immediately; use [CaptureBuffer.Done]
// to wait for the goroutine. Safe to call more than once.
func (b *CaptureBuffer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Done is closed once the clock goroutine has exited.
func (b *CaptureBuffer) Done() <-chan struct{} { return b.done }

func (b *CaptureBuffer) run(ctx context.Context) {
	defer close(b.done)
	t := b.newTicker(b.period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-t.C():
		}

		// A stop that raced with the tick wins.
		select {
		case <-b.stop:
			return
		default:
		}

		f, err := b.src.Read(b.bufferSize)
		if err != nil {
			if b.onError != nil {
				b.onError(err)
			}
			return
		}
		b.sink(f)
	}
}
