package audio

import "time"

// Frame is one fixed-size, multi-channel slice of audio. Samples are planar
// float32 in the range [-1, 1]: Data[c][i] is sample i of channel c. Every
// channel slice has the same length.
//
// Frames are consumed exactly once. Producers must not retain or mutate a
// frame after handing it downstream.
type Frame struct {
	// Data holds one sample slice per channel.
	Data [][]float32

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 44100 for most files).
	SampleRate int

	// Timestamp marks the position of the first sample relative to the start
	// of the stream.
	Timestamp time.Duration
}

// Channels returns the number of channels carried by the frame.
func (f Frame) Channels() int { return len(f.Data) }

// Len returns the number of samples per channel, or 0 for an empty frame.
func (f Frame) Len() int {
	if len(f.Data) == 0 {
		return 0
	}
	return len(f.Data[0])
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels()}
}

// NewFrame allocates a zeroed (silent) frame with the given shape.
func NewFrame(channels, samples, sampleRate int) Frame {
	data := make([][]float32, channels)
	for c := range data {
		data[c] = make([]float32, samples)
	}
	return Frame{Data: data, SampleRate: sampleRate}
}
