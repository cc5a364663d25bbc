package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetrec/internal/config"
	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/minutes"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/recorder"
	"github.com/MrWong99/meetrec/internal/session"
	"github.com/MrWong99/meetrec/pkg/artifact"
	artifactmock "github.com/MrWong99/meetrec/pkg/artifact/mock"
	"github.com/MrWong99/meetrec/pkg/audio"
	audiomock "github.com/MrWong99/meetrec/pkg/audio/mock"
	"github.com/MrWong99/meetrec/pkg/provider/llm"
	llmmock "github.com/MrWong99/meetrec/pkg/provider/llm/mock"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetrec/pkg/provider/stt/mock"
)

const (
	waitTimeout = 5 * time.Second
	testRate    = 8000
	testBuffer  = 800
)

var mono8k = audio.Format{SampleRate: testRate, Channels: 1}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Fixtures ─────────────────────────────────────────────────────────────────

type clock struct {
	tickers chan *recorder.ManualTicker
}

func (c *clock) factory(time.Duration) recorder.Ticker {
	mt := recorder.NewManualTicker()
	c.tickers <- mt
	return mt
}

func (c *clock) next(t *testing.T) *recorder.ManualTicker {
	t.Helper()
	select {
	case mt := <-c.tickers:
		return mt
	case <-time.After(waitTimeout):
		t.Fatal("no capture ticker created")
		return nil
	}
}

// sourceFactory hands out a fresh pre-filled mock source per Acquire call.
type sourceFactory struct {
	mu      sync.Mutex
	sources []*audiomock.Source
}

func (f *sourceFactory) make(kind audio.SourceKind) audio.Source {
	src := audiomock.NewSource(string(kind), kind, mono8k, 64)
	src.PushConstant(8, testBuffer, 0.25)
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
	return src
}

func (f *sourceFactory) all() []*audiomock.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*audiomock.Source(nil), f.sources...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testDefaults() config.RecordingConfig {
	return config.RecordingConfig{
		Format:     "wav",
		BufferSize: testBuffer,
		SampleRate: testRate,
		Channels:   1,
	}
}

type fixture struct {
	m       *session.Manager
	acq     *audiomock.Acquirer
	sources *sourceFactory
	store   *artifactmock.Store
	clock   *clock
}

func newFixture(t *testing.T, mutate func(*session.ManagerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		sources: &sourceFactory{},
		store:   &artifactmock.Store{},
		clock:   &clock{tickers: make(chan *recorder.ManualTicker, 8)},
	}
	f.acq = &audiomock.Acquirer{Factory: f.sources.make}
	cfg := session.ManagerConfig{
		Acquirer:        f.acq,
		Store:           f.store,
		Defaults:        testDefaults(),
		Metrics:         testMetrics(t),
		RecorderOptions: []recorder.Option{recorder.WithTicker(f.clock.factory)},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.m = session.NewManager(cfg)
	t.Cleanup(func() { _ = f.m.Close() })
	return f
}

// record starts key and produces n frames.
func (f *fixture) record(t *testing.T, key string, n int) session.Info {
	t.Helper()
	info, err := f.m.Start(context.Background(), key, encoder.Override{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	mt := f.clock.next(t)
	for range n {
		if !mt.Tick() {
			t.Fatal("ticker stopped early")
		}
	}
	waitFor(t, "frames recorded", func() bool {
		st, err := f.m.Status(key)
		return err == nil && st.Status.Frames >= n
	})
	return info
}

// await reads events from ch until one of type want arrives.
func await(t *testing.T, ch <-chan session.Event, want session.EventType) session.Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %q", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func gone(f *fixture, key string) func() bool {
	return func() bool {
		_, err := f.m.Status(key)
		return errors.Is(err, session.ErrNoSession)
	}
}

// ─── Recording ────────────────────────────────────────────────────────────────

func TestManager_FinishStoresArtifact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	events, cancel := f.m.Broker().Subscribe("tab-1")
	defer cancel()

	info := f.record(t, "tab-1", 3)
	if info.Mode != "dual" || info.ID == "" || info.Key != "tab-1" {
		t.Errorf("Info = %+v", info)
	}
	if err := f.m.Finish("tab-1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ev := await(t, events, session.EventComplete)
	if ev.SessionKey != "tab-1" || ev.ArtifactID == "" || !strings.HasSuffix(ev.FileName, ".wav") {
		t.Errorf("complete event = %+v", ev)
	}
	waitFor(t, "session removed", gone(f, "tab-1"))

	stored := f.store.StoredArtifacts()
	if len(stored) != 1 || stored[0].ID != ev.ArtifactID {
		t.Fatalf("stored = %d artifacts, want the completed one", len(stored))
	}
	a, err := f.m.Artifact(context.Background(), "tab-1")
	if err != nil || a.ID != ev.ArtifactID {
		t.Errorf("Artifact = %q, %v", a.ID, err)
	}
	for _, src := range f.sources.all() {
		if !src.Stopped() {
			t.Errorf("source %s not stopped", src.ID())
		}
	}
}

func TestManager_StartTwiceIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	first := f.record(t, "k", 1)
	second, err := f.m.Start(context.Background(), "k", encoder.Override{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second Start created session %q, want %q", second.ID, first.ID)
	}
	if n := f.acq.CallCount(audio.SourcePrimary); n != 1 {
		t.Errorf("primary acquired %d times, want 1", n)
	}
	if got := f.m.List(); len(got) != 1 {
		t.Errorf("List = %d sessions, want 1", len(got))
	}
}

func TestManager_FallsBackToPrimaryOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.acq.Errors = map[audio.SourceKind]error{audio.SourceSecondary: errors.New("permission denied")}
	events, cancel := f.m.Broker().Subscribe("k")
	defer cancel()

	info, err := f.m.Start(context.Background(), "k", encoder.Override{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Mode != "primary-only" {
		t.Errorf("Mode = %q, want primary-only", info.Mode)
	}
	await(t, events, session.EventFallback)
	if f.m.List()[0].Status.Mixing {
		t.Error("session mixes without a microphone")
	}
}

func TestManager_PrimaryOnlyDeploymentSkipsFallbackEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.ManagerConfig) { c.PrimaryOnly = true })
	events, cancel := f.m.Broker().Subscribe("k")
	defer cancel()

	info := f.record(t, "k", 1)
	if info.Mode != "primary-only" {
		t.Errorf("Mode = %q", info.Mode)
	}
	if n := f.acq.CallCount(audio.SourceSecondary); n != 0 {
		t.Errorf("secondary acquired %d times, want 0", n)
	}
	_ = f.m.Finish("k")
	for {
		ev := await(t, events, session.EventState)
		if ev.State == recorder.StateComplete.String() {
			break
		}
	}
	for len(events) > 0 {
		if ev := <-events; ev.Type == session.EventFallback {
			t.Error("fallback event published for a primary-only deployment")
		}
	}
}

func TestManager_StartFailsWithoutPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.acq.Errors = map[audio.SourceKind]error{audio.SourcePrimary: errors.New("tab closed")}

	_, err := f.m.Start(context.Background(), "k", encoder.Override{})
	if !errors.Is(err, audio.ErrSourceAcquisition) {
		t.Fatalf("Start err = %v, want ErrSourceAcquisition", err)
	}
	waitFor(t, "session removed", gone(f, "k"))
	if n := f.acq.CallCount(audio.SourceSecondary); n != 0 {
		t.Errorf("secondary acquired %d times after primary failure", n)
	}
}

func TestManager_CancelEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	events, cancel := f.m.Broker().Subscribe("k")
	defer cancel()

	f.record(t, "k", 2)
	if err := f.m.Cancel("k"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	await(t, events, session.EventCanceled)
	waitFor(t, "session removed", gone(f, "k"))
	if n := f.store.CallCount("Put"); n != 0 {
		t.Errorf("Put called %d times after cancel", n)
	}

	// The key is free again.
	f.record(t, "k", 1)
}

func TestManager_UnknownKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ops := map[string]func() error{
		"Finish":         func() error { return f.m.Finish("nope") },
		"Cancel":         func() error { return f.m.Cancel("nope") },
		"CancelEncoding": func() error { return f.m.CancelEncoding("nope") },
		"Configure": func() error {
			return f.m.Configure("nope", encoder.Override{Format: encoder.Ptr(encoder.FormatWAV)})
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, session.ErrNoSession) {
			t.Errorf("%s err = %v, want ErrNoSession", name, err)
		}
	}
	if _, err := f.m.Start(context.Background(), "", encoder.Override{}); err == nil {
		t.Error("Start accepted an empty key")
	}
}

func TestManager_TimeLimitCapped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		removed  bool
		override time.Duration
		want     time.Duration
	}{
		{name: "within limit", override: 10 * time.Minute, want: 10 * time.Minute},
		{name: "above ceiling", override: 5 * time.Hour, want: 1200 * time.Second},
		{name: "zero selects ceiling", override: 0, want: 1200 * time.Second},
		{name: "limit removed", removed: true, override: 2 * time.Hour, want: 2 * time.Hour},
		{name: "limit removed above ceiling", removed: true, override: 5 * time.Hour, want: 3 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(c *session.ManagerConfig) {
				c.Defaults.LimitRemoved = tt.removed
			})
			info, err := f.m.Start(context.Background(), "k", encoder.Override{TimeLimit: encoder.Ptr(tt.override)})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if info.Options.TimeLimit != tt.want {
				t.Errorf("TimeLimit = %v, want %v", info.Options.TimeLimit, tt.want)
			}
		})
	}
}

func TestManager_SetDefaultsAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	before, err := f.m.Start(context.Background(), "a", encoder.Override{})
	if err != nil {
		t.Fatal(err)
	}
	d := testDefaults()
	d.TimeLimit = 60
	f.m.SetDefaults(d)

	after, err := f.m.Start(context.Background(), "b", encoder.Override{})
	if err != nil {
		t.Fatal(err)
	}
	if before.Options.TimeLimit != 1200*time.Second {
		t.Errorf("existing session TimeLimit = %v", before.Options.TimeLimit)
	}
	if after.Options.TimeLimit != time.Minute {
		t.Errorf("new session TimeLimit = %v, want 1m", after.Options.TimeLimit)
	}
}

func TestManager_StoreFailureReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.store.PutErr = errors.New("disk full")
	events, cancel := f.m.Broker().Subscribe("k")
	defer cancel()

	f.record(t, "k", 1)
	_ = f.m.Finish("k")

	ev := await(t, events, session.EventError)
	if !strings.Contains(ev.Error, "disk full") {
		t.Errorf("error event = %q", ev.Error)
	}
	waitFor(t, "session removed", gone(f, "k"))
}

func TestManager_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	events, _ := f.m.Broker().Subscribe("")

	f.record(t, "k", 1)
	if err := f.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := f.m.Status("k"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Status after Close = %v", err)
	}
	if _, err := f.m.Start(context.Background(), "k2", encoder.Override{}); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	for range events {
	}
	for _, src := range f.sources.all() {
		if !src.Stopped() {
			t.Errorf("source %s not stopped", src.ID())
		}
	}
}

// ─── Post-processing ──────────────────────────────────────────────────────────

func seedArtifact(t *testing.T, store artifact.Store, key string) artifact.Artifact {
	t.Helper()
	a := artifact.Artifact{
		ID:         "art-1",
		SessionKey: key,
		MIMEType:   "audio/wav",
		Format:     "wav",
		Data:       []byte("RIFF....WAVE"),
		CreatedAt:  time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
	}
	if err := store.Put(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a
}

func TestManager_TranscribeAndMinutes(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{Result: stt.Transcript{Text: "Alice: ship Friday."}}
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "1. Meeting Summary\nShip Friday."}}
	f := newFixture(t, func(c *session.ManagerConfig) {
		c.Transcriber = tr
		c.TranscriberName = "openai"
		c.Language = "de"
		c.Minutes = minutes.New(p)
		c.MinutesProvider = "openai"
	})
	seedArtifact(t, f.store, "k")
	ctx := context.Background()

	got, err := f.m.Transcribe(ctx, "k")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "Alice: ship Friday." {
		t.Errorf("Text = %q", got.Text)
	}
	call := tr.Calls[0]
	if call.Audio.MIMEType != "audio/wav" || !strings.HasSuffix(call.Audio.FileName, ".wav") || call.Opts.Language != "de" {
		t.Errorf("Transcribe call = %+v / %+v", call.Audio.FileName, call.Opts)
	}

	doc, err := f.m.Minutes(ctx, "k")
	if err != nil {
		t.Fatalf("Minutes: %v", err)
	}
	if doc.Body != "1. Meeting Summary\nShip Friday." {
		t.Errorf("Body = %q", doc.Body)
	}
	if n := tr.CallCount(); n != 1 {
		t.Errorf("Transcribe called %d times, want the cached transcript reused", n)
	}
	prompt := p.Calls()[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "Alice: ship Friday.") {
		t.Errorf("prompt does not carry the transcript: %q", prompt)
	}
}

func TestManager_PostProcessingErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		seedArtifact(t, f.store, "k")
		if _, err := f.m.Transcribe(ctx, "k"); !errors.Is(err, session.ErrDisabled) {
			t.Errorf("Transcribe err = %v, want ErrDisabled", err)
		}
		if _, err := f.m.Minutes(ctx, "k"); !errors.Is(err, session.ErrDisabled) {
			t.Errorf("Minutes err = %v, want ErrDisabled", err)
		}
	})

	t.Run("no artifact", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *session.ManagerConfig) { c.Transcriber = &sttmock.Transcriber{} })
		if _, err := f.m.Transcribe(ctx, "k"); !errors.Is(err, artifact.ErrNotFound) {
			t.Errorf("Transcribe err = %v, want ErrNotFound", err)
		}
	})

	t.Run("provider failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("quota exceeded")
		f := newFixture(t, func(c *session.ManagerConfig) { c.Transcriber = &sttmock.Transcriber{Err: boom} })
		seedArtifact(t, f.store, "k")
		if _, err := f.m.Transcribe(ctx, "k"); !errors.Is(err, boom) {
			t.Errorf("Transcribe err = %v, want %v", err, boom)
		}
	})

	t.Run("empty transcript", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *session.ManagerConfig) {
			c.Transcriber = &sttmock.Transcriber{Result: stt.Transcript{Text: "  "}}
			c.Minutes = minutes.New(&llmmock.Provider{})
		})
		seedArtifact(t, f.store, "k")
		if _, err := f.m.Minutes(ctx, "k"); !errors.Is(err, minutes.ErrEmptyTranscript) {
			t.Errorf("Minutes err = %v, want ErrEmptyTranscript", err)
		}
	})
}
