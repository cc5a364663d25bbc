package mixer

import (
	"log/slog"
	"math"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// levelChecks is the number of one-second microphone level reports logged
// after a mixing graph opens.
const levelChecks = 5

// levelMeter averages the absolute sample level of one source and reports it
// once per second of graph output until levelChecks reports were made. A
// report of zero usually means a muted or wrongly selected microphone.
type levelMeter struct {
	rate    int
	reports int
	sum     float64
	n       int64
	emit    func(second int, level float64)
}

func newLevelMeter(id string, rate int) *levelMeter {
	return &levelMeter{
		rate: rate,
		emit: func(second int, level float64) {
			slog.Debug("mixer: microphone level", "source", id, "second", second, "level", level)
		},
	}
}

func (m *levelMeter) active() bool {
	return m != nil && m.reports < levelChecks
}

func (m *levelMeter) add(f audio.Frame) {
	if !m.active() {
		return
	}
	for _, ch := range f.Data {
		for _, s := range ch {
			m.sum += math.Abs(float64(s))
		}
		m.n += int64(len(ch))
	}
}

// advance reports every second boundary that position, the graph's output
// position in samples per channel, has crossed.
func (m *levelMeter) advance(position int64) {
	for m.active() && position >= int64(m.reports+1)*int64(m.rate) {
		level := 0.0
		if m.n > 0 {
			level = m.sum / float64(m.n)
		}
		m.reports++
		m.emit(m.reports, level)
		m.sum, m.n = 0, 0
	}
}
