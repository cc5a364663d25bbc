package mixer_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/audio/mixer"
	"github.com/MrWong99/meetrec/pkg/audio/mock"
)

var stereo48k = audio.Format{SampleRate: 48000, Channels: 2}

func newSource(id string, kind audio.SourceKind) *mock.Source {
	return mock.NewSource(id, kind, stereo48k, 64)
}

// collectMonitor returns a monitor sink and a getter for the frames it saw.
func collectMonitor() (func(audio.Frame), func() []audio.Frame) {
	var mu sync.Mutex
	var frames []audio.Frame
	sink := func(f audio.Frame) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
	}
	get := func() []audio.Frame {
		mu.Lock()
		defer mu.Unlock()
		out := make([]audio.Frame, len(frames))
		copy(out, frames)
		return out
	}
	return sink, get
}

func TestGraph_MixesWithGains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		g1, g2 float64
		s1, s2 [2]float32
	}{
		{name: "defaults", g1: 0.7, g2: 0.8, s1: [2]float32{0.5, -0.25}, s2: [2]float32{0.1, 0.3}},
		{name: "primary muted", g1: 0, g2: 1, s1: [2]float32{0.9, 0.9}, s2: [2]float32{-0.4, 0.2}},
		{name: "unity", g1: 1, g2: 1, s1: [2]float32{0.25, 0.5}, s2: [2]float32{0.25, -0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tab := newSource("tab", audio.SourcePrimary)
			mic := newSource("mic", audio.SourceSecondary)
			tab.PushConstant(2, 256, tt.s1[0], tt.s1[1])
			mic.PushConstant(2, 256, tt.s2[0], tt.s2[1])

			g, err := mixer.Open(tab, mic, mixer.Gains{Primary: tt.g1, Secondary: tt.g2})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer g.Close()

			f, err := g.Read(512)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if f.Channels() != 2 || f.Len() != 512 {
				t.Fatalf("shape = %dx%d, want 2x512", f.Channels(), f.Len())
			}
			for c := range 2 {
				want := float32(tt.g1)*tt.s1[c] + float32(tt.g2)*tt.s2[c]
				for i, got := range f.Data[c] {
					if math.Abs(float64(got-want)) > 1e-6 {
						t.Fatalf("ch %d sample %d: got %v, want %v", c, i, got, want)
					}
				}
			}
		})
	}
}

func TestGraph_PassThrough(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	tab.PushConstant(1, 128, 0.5)

	g, err := mixer.Open(tab, nil, mixer.Gains{Primary: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()
	if g.Mixing() {
		t.Error("Mixing() = true without a secondary source")
	}

	f, err := g.Read(128)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for c := range f.Data {
		for i, s := range f.Data[c] {
			if s != 0.5 {
				t.Fatalf("ch %d sample %d = %v, want 0.5", c, i, s)
			}
		}
	}
}

func TestGraph_UnderrunIsSilence(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	mic := newSource("mic", audio.SourceSecondary)
	tab.PushConstant(1, 100, 1)

	g, err := mixer.Open(tab, mic, mixer.Gains{Primary: 1, Secondary: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	f, err := g.Read(200)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Data[0][99] != 1 || f.Data[0][100] != 0 || f.Data[1][199] != 0 {
		t.Errorf("expected 100 samples of signal followed by silence, got %v %v %v",
			f.Data[0][99], f.Data[0][100], f.Data[1][199])
	}
}

func TestGraph_ConvertsSourceFormat(t *testing.T) {
	t.Parallel()
	mono16k := audio.Format{SampleRate: 16000, Channels: 1}
	mic := mock.NewSource("mic", audio.SourceSecondary, mono16k, 4)
	tab := newSource("tab", audio.SourcePrimary)
	mic.PushConstant(1, 160, 0.5)

	g, err := mixer.Open(tab, mic, mixer.Gains{Primary: 1, Secondary: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	f, err := g.Read(480)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for c := range 2 {
		if math.Abs(float64(f.Data[c][479]-0.5)) > 1e-6 {
			t.Errorf("ch %d last sample = %v, want 0.5 (upsampled mono)", c, f.Data[c][479])
		}
	}
}

func TestGraph_OpenSourceLost(t *testing.T) {
	t.Parallel()

	t.Run("zero channels", func(t *testing.T) {
		t.Parallel()
		tab := newSource("tab", audio.SourcePrimary)
		mic := mock.NewSource("mic", audio.SourceSecondary, audio.Format{SampleRate: 48000}, 1)
		_, err := mixer.Open(tab, mic, mixer.DefaultGains())
		if !errors.Is(err, audio.ErrSourceLost) {
			t.Fatalf("err = %v, want ErrSourceLost", err)
		}
		if kind, _ := audio.FailedKind(err); kind != audio.SourceSecondary {
			t.Errorf("failed kind = %q, want secondary", kind)
		}
		if !tab.Stopped() || !mic.Stopped() {
			t.Error("sources must be stopped when Open fails")
		}
	})

	t.Run("already ended", func(t *testing.T) {
		t.Parallel()
		tab := newSource("tab", audio.SourcePrimary)
		tab.End()
		_, err := mixer.Open(tab, nil, mixer.DefaultGains())
		if !errors.Is(err, audio.ErrSourceLost) {
			t.Fatalf("err = %v, want ErrSourceLost", err)
		}
	})

	t.Run("nil primary", func(t *testing.T) {
		t.Parallel()
		_, err := mixer.Open(nil, nil, mixer.DefaultGains())
		if !errors.Is(err, audio.ErrSourceLost) {
			t.Fatalf("err = %v, want ErrSourceLost", err)
		}
	})
}

func TestGraph_RejectsBadGains(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	if _, err := mixer.Open(tab, nil, mixer.Gains{Primary: 1.5}); err == nil {
		t.Fatal("expected error for gain > 1")
	}
}

func TestGraph_PrimaryEndsMidRecording(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	g, err := mixer.Open(tab, nil, mixer.DefaultGains())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	tab.PushConstant(1, 64, 0.1)
	tab.End()

	if _, err := g.Read(64); err != nil {
		t.Fatalf("queued audio should still be readable: %v", err)
	}
	if _, err := g.Read(64); !errors.Is(err, audio.ErrSourceLost) {
		t.Fatalf("err = %v, want ErrSourceLost", err)
	}
}

func TestGraph_SecondaryEndsMidRecording(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	mic := newSource("mic", audio.SourceSecondary)
	g, err := mixer.Open(tab, mic, mixer.Gains{Primary: 1, Secondary: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	mic.End()
	tab.PushConstant(1, 32, 0.25)
	f, err := g.Read(32)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Data[0][0] != 0.25 {
		t.Errorf("sample = %v, want 0.25", f.Data[0][0])
	}
}

func TestGraph_MonitorTapsPrimaryOnly(t *testing.T) {
	t.Parallel()
	sink, get := collectMonitor()
	tab := newSource("tab", audio.SourcePrimary)
	mic := newSource("mic", audio.SourceSecondary)
	g, err := mixer.Open(tab, mic, mixer.Gains{Primary: 1, Secondary: 1},
		mixer.WithMonitor(sink, 0.5))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	tab.PushConstant(1, 64, 0.8)
	mic.PushConstant(1, 64, 0.4)
	mixed, err := g.Read(64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	frames := get()
	if len(frames) != 1 {
		t.Fatalf("monitor frames = %d, want 1", len(frames))
	}
	if got := frames[0].Data[0][0]; math.Abs(float64(got-0.4)) > 1e-6 {
		t.Errorf("monitor sample = %v, want 0.4 (primary at half gain)", got)
	}
	// The mix carries full-gain primary plus secondary, unaffected by the tap.
	if got := mixed.Data[0][0]; math.Abs(float64(got-1.2)) > 1e-6 {
		t.Errorf("mixed sample = %v, want 1.2", got)
	}
}

func TestGraph_TimestampsAdvance(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	g, err := mixer.Open(tab, nil, mixer.DefaultGains())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	first, _ := g.Read(4800)
	second, _ := g.Read(4800)
	if first.Timestamp != 0 || second.Timestamp.Milliseconds() != 100 {
		t.Errorf("timestamps = %v, %v; want 0, 100ms", first.Timestamp, second.Timestamp)
	}
}

func TestGraph_CloseIdempotentAndStopsSources(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	mic := newSource("mic", audio.SourceSecondary)
	g, err := mixer.Open(tab, mic, mixer.DefaultGains())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tab.CallCountStop != 1 || mic.CallCountStop != 1 {
		t.Errorf("stop calls = %d/%d, want 1/1", tab.CallCountStop, mic.CallCountStop)
	}
	if _, err := g.Read(16); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Read after Close: err = %v, want ErrClosed", err)
	}
}

func TestGraph_StopErrorsJoined(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	tab.StopError = errors.New("device busy")
	g, err := mixer.Open(tab, nil, mixer.DefaultGains())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := g.Close(); !errors.Is(err, tab.StopError) {
		t.Errorf("Close err = %v, want device busy", err)
	}
}

func TestGraph_CloseDrainsStoppedSources(t *testing.T) {
	t.Parallel()
	tab := newSource("tab", audio.SourcePrimary)
	mic := newSource("mic", audio.SourceSecondary)
	g, err := mixer.Open(tab, mic, mixer.DefaultGains())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Delivered after the graph's last Read; nobody will consume them.
	tab.PushConstant(5, 480, 0.1, 0.1)
	mic.PushConstant(5, 480, 0.1, 0.1)

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(tab.Frames()) > 0 || len(mic.Frames()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("buffered frames of stopped sources were not drained")
		}
		time.Sleep(time.Millisecond)
	}
}
