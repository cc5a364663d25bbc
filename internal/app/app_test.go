package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetrec/internal/app"
	"github.com/MrWong99/meetrec/internal/config"
	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/recorder"
	"github.com/MrWong99/meetrec/pkg/artifact"
	artifactmock "github.com/MrWong99/meetrec/pkg/artifact/mock"
	"github.com/MrWong99/meetrec/pkg/audio"
	audiomock "github.com/MrWong99/meetrec/pkg/audio/mock"
	llmmock "github.com/MrWong99/meetrec/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/meetrec/pkg/provider/stt/mock"
)

// testConfig returns a minimal primary-only config.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Recording: config.RecordingConfig{Format: "wav", SampleRate: 8000, Channels: 1, BufferSize: 800},
		Capture: config.CaptureConfig{
			Primary:   config.SourceConfig{Kind: config.CaptureTone, Frequency: 440, Amplitude: 0.2},
			Secondary: config.SourceConfig{Kind: config.CaptureNone},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns a capture acquirer that hands out idle mock sources.
func testProviders() *app.Providers {
	format := audio.Format{SampleRate: 8000, Channels: 1}
	return &app.Providers{
		Capture: &audiomock.Acquirer{Factory: func(kind audio.SourceKind) audio.Source {
			return audiomock.NewSource(string(kind), kind, format, 4)
		}},
		STT: &sttmock.Transcriber{},
		LLM: &llmmock.Provider{},
	}
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

// idleTicker keeps sessions from producing frames.
func idleTicker(time.Duration) recorder.Ticker { return recorder.NewManualTicker() }

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append([]app.Option{
		app.WithListener(ln),
		app.WithMetrics(testMetrics(t)),
		app.WithArtifactStore(&artifactmock.Store{}),
		app.WithRecorderOptions(recorder.WithTicker(idleTicker)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		_ = ln.Close()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, ln
}

func TestNew_RequiresCapture(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("New succeeded without a capture acquirer")
	}
}

func TestNew_DefaultsToMemoryStore(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, err := a.Sessions().Artifact(context.Background(), "k"); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("Artifact err = %v, want ErrNotFound from the memory store", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	a, ln := newApp(t, testConfig())
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitHTTP(t, base+"/healthz")

	resp, err := http.Post(base+"/sessions/tab-1", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if got := a.Sessions().List(); len(got) != 1 || got[0].Mode != "primary-only" {
		t.Fatalf("sessions = %+v, want one primary-only session", got)
	}

	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d: %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Sessions().List(); len(got) != 0 {
		t.Errorf("%d sessions survived shutdown", len(got))
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "meetrec.yaml")
	if err := os.WriteFile(path, []byte("recording:\n  format: wav\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var level slog.LevelVar
	a, _ := newApp(t, testConfig(), app.WithLevelVar(&level), app.WithConfigWatch(path))

	rec := testConfig().Recording
	rec.TimeLimit = 90
	a.Reload(nil, config.ConfigDiff{
		LogLevelChanged:  true,
		NewLogLevel:      config.LogDebug,
		RecordingChanged: true,
		NewRecording:     rec,
		RestartRequired:  []string{"store"},
	})

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	info, err := a.Sessions().Start(context.Background(), "k", encoder.Override{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Options.TimeLimit != 90*time.Second {
		t.Errorf("TimeLimit = %v, want reloaded 90s", info.Options.TimeLimit)
	}
}

func TestNew_ConfigWatchFailsOnMissingFile(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithMetrics(testMetrics(t)),
		app.WithConfigWatch(filepath.Join(t.TempDir(), "missing.yaml")),
	)
	if err == nil {
		t.Fatal("New succeeded with an unreadable config file")
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
	// Idempotent.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func waitHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never became healthy", url)
}
