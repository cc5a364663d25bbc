// Package mailbox provides an unbounded, order-preserving hand-off between one
// or more producers and a single consumer. Producers never block; the
// consumer reads from [Mailbox.C].
package mailbox

import "sync"

// Mailbox queues values in FIFO order and forwards them to its output
// channel from a dedicated goroutine.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	out  chan T
}

// New creates a Mailbox and starts its forwarding goroutine. The goroutine
// exits after [Mailbox.Close] once every queued value has been delivered, so
// the consumer must keep reading until C is closed.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go m.forward()
	return m
}

// Put enqueues v. It never blocks and reports false after Close.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	m.notify()
	return true
}

// C returns the output channel. It is closed after Close once the queue is
// empty.
func (m *Mailbox[T]) C() <-chan T { return m.out }

// Close stops accepting values. Already queued values are still delivered.
// It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify()
}

func (m *Mailbox[T]) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) forward() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.wake
			continue
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.out <- v
	}
}
