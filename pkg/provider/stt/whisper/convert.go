package whisper

import (
	"bytes"
	"fmt"

	"github.com/go-audio/wav"

	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// modelSampleRate is the only input rate whisper.cpp accepts.
const modelSampleRate = 16000

// decodeWAV decodes a WAV recording into mono float32 samples at 16 kHz,
// the layout whisper.cpp expects.
func decodeWAV(data []byte) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("whisper: %w: not a WAV file", stt.ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("whisper: decode wav: %w", err)
	}
	rate, chans := int(dec.SampleRate), int(dec.NumChans)
	frame := audio.FromInts(buf.Data, chans, int(dec.BitDepth), rate)
	return audio.Resample(downmix(frame), rate, modelSampleRate), nil
}

// downmix averages all channels of f into one. A mono frame is returned
// without copying.
func downmix(f audio.Frame) []float32 {
	switch f.Channels() {
	case 0:
		return nil
	case 1:
		return f.Data[0]
	}
	mono := make([]float32, f.Len())
	scale := 1 / float32(f.Channels())
	for _, ch := range f.Data {
		for i, s := range ch {
			mono[i] += s * scale
		}
	}
	return mono
}
