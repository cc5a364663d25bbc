package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FormatConverter converts Frames to a target format. It logs a warning on
// the first format mismatch and on the first malformed frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: resample first, then channel mapping.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if !aligned(frame) {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: ragged channel data, dropping frame",
				"channels", frame.Channels(),
				"sampleRate", frame.SampleRate,
			)
		})
		return Frame{SampleRate: c.Target.SampleRate, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels() == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels()),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	data := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		resampled := make([][]float32, len(data))
		for ch, samples := range data {
			resampled[ch] = Resample(samples, frame.SampleRate, c.Target.SampleRate)
		}
		data = resampled
	}
	if len(data) != c.Target.Channels {
		data = RemapChannels(data, c.Target.Channels)
	}

	return Frame{
		Data:       data,
		SampleRate: c.Target.SampleRate,
		Timestamp:  frame.Timestamp,
	}
}

// RemapChannels maps planar data onto dst output channels. A mono input is
// duplicated to every output; a mono output averages all inputs; otherwise
// output channel i takes input channel i modulo the input channel count.
func RemapChannels(data [][]float32, dst int) [][]float32 {
	if dst <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]float32, dst)
	switch {
	case len(data) == dst:
		copy(out, data)
	case len(data) == 1:
		for i := range out {
			ch := make([]float32, len(data[0]))
			copy(ch, data[0])
			out[i] = ch
		}
	case dst == 1:
		out[0] = Downmix(data)
	default:
		for i := range out {
			src := data[i%len(data)]
			ch := make([]float32, len(src))
			copy(ch, src)
			out[i] = ch
		}
	}
	return out
}

// Downmix averages all channels into one.
func Downmix(data [][]float32) []float32 {
	if len(data) == 0 {
		return nil
	}
	if len(data) == 1 {
		return data[0]
	}
	mono := make([]float32, len(data[0]))
	scale := 1 / float32(len(data))
	for _, ch := range data {
		for i, s := range ch {
			mono[i] += s * scale
		}
	}
	return mono
}

// Resample resamples one channel from srcRate to dstRate using linear
// interpolation. If the rates are equal or invalid the input is returned
// unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// aligned reports whether every channel of frame has the same length.
func aligned(frame Frame) bool {
	n := frame.Len()
	for _, ch := range frame.Data {
		if len(ch) != n {
			return false
		}
	}
	return true
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
