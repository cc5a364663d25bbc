package recorder

import (
	"sync"
	"time"
)

// Ticker is the audio clock that paces a [CaptureBuffer].
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTicker returns a wall-clock [Ticker] firing every d.
func NewTicker(d time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(d)}
}

type wallTicker struct{ t *time.Ticker }

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// ManualTicker fires only when [ManualTicker.Tick] is called. Tests use it to
// produce an exact number of frames.
type ManualTicker struct {
	c    chan time.Time
	done chan struct{}
	once sync.Once
}

// NewManualTicker returns a stopped-until-ticked [ManualTicker].
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:    make(chan time.Time),
		done: make(chan struct{}),
	}
}

// C implements [Ticker].
func (m *ManualTicker) C() <-chan time.Time { return m.c }

// Stop implements [Ticker]. Pending and later Tick calls return false.
func (m *ManualTicker) Stop() {
	m.once.Do(func() { close(m.done) })
}

// Tick fires once and blocks until the consumer has taken the tick. It
// reports false if the ticker was stopped first.
func (m *ManualTicker) Tick() bool {
	select {
	case m.c <- time.Now():
		return true
	case <-m.done:
		return false
	}
}

// Stopped is closed once Stop has been called.
func (m *ManualTicker) Stopped() <-chan struct{} { return m.done }
