package encoder_test

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/riff"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/pkg/audio"
)

const waitTimeout = 5 * time.Second

// collect reads events until stop returns true for one of them or the
// timeout expires.
func collect(t *testing.T, u *encoder.Unit, stop func(encoder.Event) bool) []encoder.Event {
	t.Helper()
	var got []encoder.Event
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-u.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for events; got %#v", got)
		}
	}
}

func isTerminal(ev encoder.Event) bool {
	switch ev.(type) {
	case encoder.Complete, encoder.Canceled, encoder.Failed:
		return true
	}
	return false
}

func isLoaded(ev encoder.Event) bool {
	_, ok := ev.(encoder.Loaded)
	return ok
}

// startUnit spawns a loaded, initialised and started unit.
func startUnit(t *testing.T, opts encoder.Options, rate, channels, bufferSize int, unitOpts ...encoder.UnitOption) *encoder.Unit {
	t.Helper()
	u := encoder.Spawn(context.Background(), opts.Format, unitOpts...)
	t.Cleanup(u.Terminate)
	evs := collect(t, u, func(ev encoder.Event) bool { return isLoaded(ev) || isTerminal(ev) })
	if _, ok := evs[len(evs)-1].(encoder.Loaded); !ok {
		t.Fatalf("expected Loaded, got %#v", evs)
	}
	mustSend(t, u, encoder.Init{SampleRate: rate, Channels: channels, Options: opts})
	mustSend(t, u, encoder.Start{BufferSize: bufferSize})
	return u
}

func mustSend(t *testing.T, u *encoder.Unit, cmd encoder.Command) {
	t.Helper()
	if err := u.Send(cmd); err != nil {
		t.Fatalf("Send(%T): %v", cmd, err)
	}
}

func silentFrame(channels, n, rate int) encoder.Record {
	return encoder.Record{Frame: audio.NewFrame(channels, n, rate)}
}

func count[T encoder.Event](evs []encoder.Event) int {
	n := 0
	for _, ev := range evs {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

// wavInfo parses the header of a WAV artifact.
func wavInfo(t *testing.T, data []byte) (rate, channels, bits, dataSize int) {
	t.Helper()
	p := riff.New(bytes.NewReader(data))
	if err := p.ParseHeaders(); err != nil {
		t.Fatalf("parse riff headers: %v", err)
	}
	for {
		chunk, err := p.NextChunk()
		if err != nil {
			t.Fatalf("next chunk: %v", err)
		}
		switch chunk.ID {
		case riff.FmtID:
			if err := chunk.DecodeWavHeader(p); err != nil {
				t.Fatalf("decode wav header: %v", err)
			}
		case riff.DataFormatID:
			return int(p.SampleRate), int(p.NumChannels), int(p.BitsPerSample), chunk.Size
		default:
			chunk.Drain()
		}
	}
}

func TestSpawn_EmitsLoaded(t *testing.T) {
	t.Parallel()
	u := encoder.Spawn(context.Background(), encoder.FormatWAV)
	defer u.Terminate()
	evs := collect(t, u, isLoaded)
	if l := evs[0].(encoder.Loaded); l.Format != encoder.FormatWAV {
		t.Errorf("Loaded format = %q, want wav", l.Format)
	}
}

func TestSpawn_ProbeFailureIsEncoderInitError(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{probeErr: errors.New("ffmpeg not installed")}
	u := encoder.Spawn(context.Background(), encoder.FormatMP3, encoder.WithBackend(encoder.FormatMP3, fb))
	defer u.Terminate()

	evs := collect(t, u, isTerminal)
	failed, ok := evs[0].(encoder.Failed)
	if !ok {
		t.Fatalf("first event = %#v, want Failed", evs[0])
	}
	if !errors.Is(failed.Err, audio.ErrEncoderInit) || !errors.Is(failed.Err, fb.probeErr) {
		t.Errorf("err = %v, want ErrEncoderInit wrapping probe error", failed.Err)
	}
}

func TestInit_RejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	u := encoder.Spawn(context.Background(), encoder.FormatWAV)
	defer u.Terminate()
	collect(t, u, isLoaded)

	opts := encoder.DefaultOptions()
	opts.ProgressInterval = 0
	mustSend(t, u, encoder.Init{SampleRate: 48000, Channels: 2, Options: opts})
	evs := collect(t, u, isTerminal)
	if f, ok := evs[0].(encoder.Failed); !ok || !errors.Is(f.Err, audio.ErrEncoderInit) {
		t.Fatalf("events = %#v, want Failed(ErrEncoderInit)", evs)
	}
}

func TestWAV_SilentRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rate       int
		channels   int
		bufferSize int
		frames     int
		afterRec   bool
	}{
		{name: "48k stereo after record", rate: 48000, channels: 2, bufferSize: 4096, frames: 24, afterRec: true},
		{name: "44.1k stereo streaming", rate: 44100, channels: 2, bufferSize: 1024, frames: 50, afterRec: false},
		{name: "16k mono", rate: 16000, channels: 1, bufferSize: 256, frames: 125, afterRec: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := encoder.DefaultOptions()
			opts.EncodeAfterRecord = tt.afterRec
			u := startUnit(t, opts, tt.rate, tt.channels, tt.bufferSize)

			for range tt.frames {
				mustSend(t, u, silentFrame(tt.channels, tt.bufferSize, tt.rate))
			}
			mustSend(t, u, encoder.Finish{})

			evs := collect(t, u, isTerminal)
			done, ok := evs[len(evs)-1].(encoder.Complete)
			if !ok {
				t.Fatalf("last event = %#v, want Complete", evs[len(evs)-1])
			}
			if done.MIMEType != "audio/wav" {
				t.Errorf("MIME = %q, want audio/wav", done.MIMEType)
			}
			if done.Frames != tt.frames {
				t.Errorf("frames = %d, want %d", done.Frames, tt.frames)
			}

			rate, channels, bits, size := wavInfo(t, done.Data)
			if rate != tt.rate || channels != tt.channels || bits != 16 {
				t.Fatalf("header = %d Hz x %d @ %d bit", rate, channels, bits)
			}
			declared := time.Duration(size/(channels*2)) * time.Second / time.Duration(rate)
			want := time.Duration(tt.frames*tt.bufferSize) * time.Second / time.Duration(tt.rate)
			period := time.Duration(tt.bufferSize) * time.Second / time.Duration(tt.rate)
			if diff := (declared - want).Abs(); diff > period {
				t.Errorf("declared duration %v, want %v (±%v)", declared, want, period)
			}
			if done.Duration != want {
				t.Errorf("Complete.Duration = %v, want %v", done.Duration, want)
			}

			if tt.afterRec && count[encoder.Progress](evs) == 0 {
				t.Error("expected progress events in encode-after-record mode")
			}
			if !tt.afterRec && count[encoder.Progress](evs) != 0 {
				t.Error("unexpected progress events in streaming mode")
			}
		})
	}
}

func TestWAV_SamplesSurvive(t *testing.T) {
	t.Parallel()
	opts := encoder.DefaultOptions()
	u := startUnit(t, opts, 8000, 2, 4)

	f := audio.Frame{Data: [][]float32{{0.5, 0, 0, 0}, {-0.5, 0, 0, 0}}, SampleRate: 8000}
	mustSend(t, u, encoder.Record{Frame: f})
	mustSend(t, u, encoder.Finish{})
	evs := collect(t, u, isTerminal)
	done := evs[len(evs)-1].(encoder.Complete)

	// 44-byte canonical header, then interleaved L/R int16.
	pcm := done.Data[len(done.Data)-16:]
	l := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
	r := int16(uint16(pcm[2]) | uint16(pcm[3])<<8)
	if l != audio.Int16(0.5) || r != audio.Int16(-0.5) {
		t.Errorf("first sample pair = %d/%d, want %d/%d", l, r, audio.Int16(0.5), audio.Int16(-0.5))
	}
}

func TestRecord_OutsideWindowIgnored(t *testing.T) {
	t.Parallel()
	u := encoder.Spawn(context.Background(), encoder.FormatWAV)
	defer u.Terminate()
	collect(t, u, isLoaded)

	// Before init/start.
	mustSend(t, u, silentFrame(2, 256, 48000))
	mustSend(t, u, encoder.Init{SampleRate: 48000, Channels: 2, Options: encoder.DefaultOptions()})
	mustSend(t, u, silentFrame(2, 256, 48000))
	mustSend(t, u, encoder.Start{BufferSize: 256})
	mustSend(t, u, silentFrame(2, 256, 48000))
	mustSend(t, u, silentFrame(2, 256, 48000))
	mustSend(t, u, encoder.Finish{})
	// After finish.
	mustSend(t, u, silentFrame(2, 256, 48000))
	mustSend(t, u, encoder.Finish{})

	evs := collect(t, u, isTerminal)
	done := evs[len(evs)-1].(encoder.Complete)
	if done.Frames != 2 {
		t.Errorf("frames = %d, want 2", done.Frames)
	}
}

func TestTimeout_FiresOnceAndCompletes(t *testing.T) {
	t.Parallel()
	opts := encoder.DefaultOptions()
	opts.TimeLimit = time.Second
	// 8000 Hz, 1000-sample frames: the limit is reached after 8 frames.
	u := startUnit(t, opts, 8000, 1, 1000)

	for range 12 {
		mustSend(t, u, silentFrame(1, 1000, 8000))
	}
	mustSend(t, u, encoder.Finish{})
	// Cancel is acknowledged even outside the active window; use it as a
	// barrier proving nothing else was emitted after Complete.
	mustSend(t, u, encoder.Cancel{})

	evs := collect(t, u, func(ev encoder.Event) bool { _, ok := ev.(encoder.Canceled); return ok })
	if n := count[encoder.Timeout](evs); n != 1 {
		t.Errorf("timeouts = %d, want 1", n)
	}
	if n := count[encoder.Complete](evs); n != 1 {
		t.Fatalf("completes = %d, want 1", n)
	}

	var sawTimeout bool
	for _, ev := range evs {
		switch e := ev.(type) {
		case encoder.Timeout:
			sawTimeout = true
			if e.Frames != 8 {
				t.Errorf("timeout at frame %d, want 8", e.Frames)
			}
		case encoder.Complete:
			if !sawTimeout {
				t.Error("Complete arrived before Timeout")
			}
			if e.Frames != 8 {
				t.Errorf("frames recorded = %d, want 8", e.Frames)
			}
		}
	}
}

func TestCancel_DiscardsWorkingSet(t *testing.T) {
	t.Parallel()
	u := startUnit(t, encoder.DefaultOptions(), 48000, 2, 4096)
	for range 3 {
		mustSend(t, u, silentFrame(2, 4096, 48000))
	}
	mustSend(t, u, encoder.Cancel{})
	evs := collect(t, u, isTerminal)
	if _, ok := evs[len(evs)-1].(encoder.Canceled); !ok {
		t.Fatalf("events = %#v, want Canceled", evs)
	}
	if count[encoder.Complete](evs) != 0 {
		t.Error("cancel must not produce an artifact")
	}

	// The unit can record again after a cancel.
	mustSend(t, u, encoder.Start{BufferSize: 4096})
	mustSend(t, u, silentFrame(2, 4096, 48000))
	mustSend(t, u, encoder.Finish{})
	evs = collect(t, u, isTerminal)
	if done, ok := evs[len(evs)-1].(encoder.Complete); !ok || done.Frames != 1 {
		t.Fatalf("events = %#v, want Complete with 1 frame", evs)
	}
}

func TestProgress_AtMostOncePerInterval(t *testing.T) {
	t.Parallel()
	opts := encoder.DefaultOptions()
	opts.ProgressInterval = 100 * time.Millisecond
	u := startUnit(t, opts, 8000, 1, 800)

	// One second of audio: ten intervals.
	for range 10 {
		mustSend(t, u, silentFrame(1, 800, 8000))
	}
	mustSend(t, u, encoder.Finish{})
	evs := collect(t, u, isTerminal)

	var fractions []float64
	for _, ev := range evs {
		if p, ok := ev.(encoder.Progress); ok {
			fractions = append(fractions, p.Fraction)
		}
	}
	if len(fractions) != 10 {
		t.Fatalf("progress events = %d, want 10 (%v)", len(fractions), fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] <= fractions[i-1] {
			t.Errorf("progress not increasing: %v", fractions)
		}
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestStreaming_WritesEachFrame(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{}
	opts := encoder.DefaultOptions()
	opts.Format = encoder.FormatMP3
	opts.EncodeAfterRecord = false
	u := startUnit(t, opts, 48000, 2, 512, encoder.WithBackend(encoder.FormatMP3, fb))

	for range 4 {
		mustSend(t, u, silentFrame(2, 512, 48000))
	}
	mustSend(t, u, encoder.Finish{})
	evs := collect(t, u, isTerminal)
	done, ok := evs[len(evs)-1].(encoder.Complete)
	if !ok {
		t.Fatalf("events = %#v", evs)
	}
	if done.MIMEType != "audio/mpeg" {
		t.Errorf("MIME = %q, want audio/mpeg", done.MIMEType)
	}
	if w := fb.sink().writes; w != 4 {
		t.Errorf("sink writes = %d, want 4", w)
	}
}

func TestSinkWriteError_FailsSession(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{writeErr: errors.New("pipe closed")}
	opts := encoder.DefaultOptions()
	opts.EncodeAfterRecord = false
	u := startUnit(t, opts, 48000, 2, 512, encoder.WithBackend(encoder.FormatWAV, fb))

	mustSend(t, u, silentFrame(2, 512, 48000))
	evs := collect(t, u, isTerminal)
	if f, ok := evs[len(evs)-1].(encoder.Failed); !ok || !errors.Is(f.Err, fb.writeErr) {
		t.Fatalf("events = %#v, want Failed(pipe closed)", evs)
	}
	if !fb.sink().aborted {
		t.Error("sink should be aborted on failure")
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	u := encoder.Spawn(context.Background(), encoder.FormatWAV)
	u.Terminate()
	u.Terminate()

	select {
	case <-u.Done():
	case <-time.After(waitTimeout):
		t.Fatal("unit did not stop")
	}
	for range u.Events() {
	}
	if err := u.Send(encoder.Finish{}); !errors.Is(err, encoder.ErrTerminated) {
		t.Errorf("Send after terminate: err = %v, want ErrTerminated", err)
	}
}

func TestMP3_WithFFmpeg(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath(encoder.DefaultFFmpegPath); err != nil {
		t.Skip("ffmpeg not installed")
	}
	opts := encoder.DefaultOptions()
	opts.Format = encoder.FormatMP3
	opts.BitRate = 128
	u := startUnit(t, opts, 44100, 2, 1024)
	for range 20 {
		mustSend(t, u, silentFrame(2, 1024, 44100))
	}
	mustSend(t, u, encoder.Finish{})
	evs := collect(t, u, isTerminal)
	done, ok := evs[len(evs)-1].(encoder.Complete)
	if !ok {
		t.Fatalf("events = %#v", evs)
	}
	if len(done.Data) == 0 {
		t.Fatal("empty mp3 artifact")
	}
}

func TestMaxFrames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		limit      time.Duration
		rate, size int
		want       int
	}{
		{limit: time.Second, rate: 8000, size: 1000, want: 8},
		{limit: time.Second, rate: 48000, size: 4096, want: 12},
		{limit: 1200 * time.Second, rate: 48000, size: 4096, want: 14063},
		{limit: 0, rate: 48000, size: 4096, want: 0},
	}
	for _, tt := range tests {
		if got := encoder.MaxFrames(tt.limit, tt.rate, tt.size); got != tt.want {
			t.Errorf("MaxFrames(%v, %d, %d) = %d, want %d", tt.limit, tt.rate, tt.size, got, tt.want)
		}
	}
}

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakeBackend struct {
	probeErr error
	writeErr error

	mu    sync.Mutex
	sinks []*fakeSink
}

func (b *fakeBackend) Probe() error { return b.probeErr }

func (b *fakeBackend) NewSink(_ context.Context, _, _ int, _ encoder.Options) (encoder.Sink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &fakeSink{writeErr: b.writeErr}
	b.sinks = append(b.sinks, s)
	return s, nil
}

func (b *fakeBackend) sink() *fakeSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinks[len(b.sinks)-1]
}

type fakeSink struct {
	writeErr error
	writes   int
	samples  int
	aborted  bool
}

func (s *fakeSink) Write(pcm []int16) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	s.samples += len(pcm)
	return nil
}

func (s *fakeSink) Close() ([]byte, error) { return []byte("encoded"), nil }

func (s *fakeSink) Abort() { s.aborted = true }
