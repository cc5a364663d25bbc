package mixer

import "github.com/MrWong99/meetrec/pkg/audio"

// fifo is a per-channel sample queue. Every channel always holds the same
// number of samples.
type fifo struct {
	data [][]float32
}

func newFIFO(channels int) *fifo {
	return &fifo{data: make([][]float32, channels)}
}

// len returns the number of queued samples per channel.
func (q *fifo) len() int {
	if len(q.data) == 0 {
		return 0
	}
	return len(q.data[0])
}

// push appends a frame that already matches the queue's channel count.
func (q *fifo) push(f audio.Frame) {
	for c := range q.data {
		q.data[c] = append(q.data[c], f.Data[c]...)
	}
}

// mixInto adds gain*sample for up to len(dst[c]) queued samples into dst and
// consumes them. It returns the number of samples consumed per channel.
func (q *fifo) mixInto(dst [][]float32, gain float32) int {
	if len(dst) == 0 {
		return 0
	}
	n := min(len(dst[0]), q.len())
	for c := range q.data {
		out := dst[c]
		for i, s := range q.data[c][:n] {
			out[i] += gain * s
		}
	}
	q.discard(n)
	return n
}

// discard drops the n oldest samples from every channel.
func (q *fifo) discard(n int) {
	if n <= 0 {
		return
	}
	for c := range q.data {
		if n >= len(q.data[c]) {
			q.data[c] = q.data[c][:0]
			continue
		}
		q.data[c] = q.data[c][n:]
	}
}
