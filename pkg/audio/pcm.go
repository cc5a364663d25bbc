package audio

// pcm16Scale maps [-1, 1] floats onto the signed 16-bit range.
const pcm16Scale = 32767

// clamp limits s to [-1, 1].
func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Int16 converts one float sample to signed 16-bit PCM, clipping out-of-range
// input.
func Int16(s float32) int16 {
	return int16(clamp(s) * pcm16Scale)
}

// FromInts decodes interleaved integer samples of the given bit depth into a
// planar frame.
func FromInts(data []int, channels, bitDepth, sampleRate int) Frame {
	if channels <= 0 || bitDepth <= 0 {
		return Frame{SampleRate: sampleRate}
	}
	scale := float32(int64(1) << (bitDepth - 1))
	n := len(data) / channels
	f := NewFrame(channels, n, sampleRate)
	for i := range n {
		for c := range channels {
			f.Data[c][i] = float32(data[i*channels+c]) / scale
		}
	}
	return f
}
