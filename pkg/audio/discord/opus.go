package discord

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // samples per channel

	// speakerIdleTimeout drops the decoder of a stream that has been silent
	// this long. Discord assigns a fresh SSRC on rejoin.
	speakerIdleTimeout = 2 * time.Minute
)

var opusFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// speaker is the decoding state of one SSRC. Opus decoding is stateful, so
// every stream keeps its own decoder.
type speaker struct {
	dec      *gopus.Decoder
	lastSeen time.Time
}

// speakers tracks the decoders of all active streams. It is owned by the
// receive loop and not safe for concurrent use.
type speakers struct {
	byID map[uint32]*speaker
	now  func() time.Time
}

func newSpeakers() *speakers {
	return &speakers{byID: make(map[uint32]*speaker), now: time.Now}
}

// decode turns one Opus packet of stream ssrc into a planar frame.
func (s *speakers) decode(ssrc uint32, packet []byte) (audio.Frame, error) {
	sp, ok := s.byID[ssrc]
	if !ok {
		dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			return audio.Frame{}, fmt.Errorf("discord: create opus decoder: %w", err)
		}
		sp = &speaker{dec: dec}
		s.byID[ssrc] = sp
	}
	sp.lastSeen = s.now()

	pcm, err := sp.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("discord: opus decode: %w", err)
	}
	return deinterleave(pcm), nil
}

// evictIdle forgets streams silent for longer than maxIdle and returns
// their SSRCs.
func (s *speakers) evictIdle(maxIdle time.Duration) []uint32 {
	cutoff := s.now().Add(-maxIdle)
	var gone []uint32
	for ssrc, sp := range s.byID {
		if sp.lastSeen.Before(cutoff) {
			delete(s.byID, ssrc)
			gone = append(gone, ssrc)
		}
	}
	return gone
}

func (s *speakers) len() int { return len(s.byID) }

// deinterleave converts interleaved stereo s16 samples to a float frame.
func deinterleave(pcm []int16) audio.Frame {
	f := audio.NewFrame(opusChannels, len(pcm)/opusChannels, opusSampleRate)
	for i := range f.Len() {
		for ch := range opusChannels {
			f.Data[ch][i] = float32(pcm[i*opusChannels+ch]) / 32768
		}
	}
	return f
}
