// Package app wires all meetrec subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithArtifactStore,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetrec/internal/config"
	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/health"
	"github.com/MrWong99/meetrec/internal/minutes"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/recorder"
	"github.com/MrWong99/meetrec/internal/resilience"
	"github.com/MrWong99/meetrec/internal/server"
	"github.com/MrWong99/meetrec/internal/session"
	"github.com/MrWong99/meetrec/pkg/artifact"
	"github.com/MrWong99/meetrec/pkg/artifact/postgres"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/provider/llm"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// Providers holds the external dependencies built by main.go from the
// config registry. Nil STT or LLM disables transcription or minutes.
type Providers struct {
	Capture audio.Acquirer
	STT     stt.Transcriber
	LLM     llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      artifact.Store
	guard      *session.StoreGuard
	metrics    *observe.Metrics
	health     *health.Handler
	sessions   *session.Manager
	server     *server.Server
	httpServer *http.Server
	listener   net.Listener
	watcher    *config.Watcher
	levelVar   *slog.LevelVar
	configPath string
	recOpts    []recorder.Option
	monitor    func(audio.Frame)

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArtifactStore injects a store instead of creating one from config.
func WithArtifactStore(s artifact.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigWatch reloads path while the app runs. Log level and recording
// defaults apply immediately; other changes are logged as needing a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithRecorderOptions appends options to every session's recorder.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(a *App) { a.recOpts = append(a.recOpts, opts...) }
}

// WithMonitor routes the primary source of every session to sink.
func WithMonitor(sink func(audio.Frame)) Option {
	return func(a *App) { a.monitor = sink }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// artifact store and checks that the configured encoder is usable.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Capture == nil {
		return nil, errors.New("app: a capture acquirer is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	var checkers []health.Checker

	// ── 1. Artifact store ────────────────────────────────────────────────
	storeCheck, err := a.initStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	checkers = append(checkers, storeCheck...)

	// ── 2. Encoder ───────────────────────────────────────────────────────
	encCheck, err := a.initEncoder()
	if err != nil {
		return nil, fmt.Errorf("app: init encoder: %w", err)
	}
	checkers = append(checkers, encCheck)

	// ── 3. Session manager ───────────────────────────────────────────────
	a.initSessions()

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(checkers...)
	a.server = server.New(a.sessions,
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	return a, nil
}

// initStore connects the PostgreSQL store when a DSN is configured and
// otherwise keeps artifacts in memory. Either way the store is wrapped in a
// [session.StoreGuard].
func (a *App) initStore(ctx context.Context) ([]health.Checker, error) {
	var checkers []health.Checker
	if a.store == nil {
		if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return nil, err
			}
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
			checkers = append(checkers, health.Ping("artifact_store", pg))
			slog.Info("artifact store: postgres")
		} else {
			a.store = artifact.NewMemStore()
			slog.Info("artifact store: memory (artifacts are lost on restart)")
		}
	}
	a.guard = session.NewStoreGuard(a.store)
	checkers = append(checkers, health.Probe("artifact_spill", func() error {
		if n := a.guard.Spilled(); n > 0 {
			return fmt.Errorf("%d artifacts held in memory after store failures", n)
		}
		return nil
	}))
	return checkers, nil
}

// initEncoder fails fast when the default format cannot be encoded, e.g.
// mp3 without ffmpeg on the PATH.
func (a *App) initEncoder() (health.Checker, error) {
	opts, err := a.cfg.Recording.EncoderOptions()
	if err != nil {
		return health.Checker{}, err
	}
	var backend encoder.Backend = encoder.WAVBackend{}
	if opts.Format == encoder.FormatMP3 {
		backend = &encoder.MP3Backend{}
	}
	if err := backend.Probe(); err != nil {
		return health.Checker{}, fmt.Errorf("%s encoder unavailable: %w", opts.Format, err)
	}
	return health.Probe("encoder_"+string(opts.Format), backend.Probe), nil
}

func (a *App) initSessions() {
	cfg := session.ManagerConfig{
		Acquirer:        a.providers.Capture,
		Store:           a.guard,
		Defaults:        a.cfg.Recording,
		PrimaryOnly:     a.cfg.Capture.Secondary.Kind == config.CaptureNone || a.cfg.Capture.Secondary.Kind == "",
		Metrics:         a.metrics,
		Monitor:         a.monitor,
		RecorderOptions: a.recOpts,
	}
	if a.providers.STT != nil {
		cfg.Transcriber = a.providers.STT
		cfg.TranscriberName = a.cfg.Providers.STT.Name
		cfg.Language = a.cfg.Providers.STT.Language
	}
	if a.providers.LLM != nil {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "minutes/" + a.cfg.Providers.LLM.Name,
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		})
		cfg.Minutes = minutes.New(a.providers.LLM, minutes.WithBreaker(breaker))
		cfg.MinutesProvider = a.cfg.Providers.LLM.Name
	}
	a.sessions = session.NewManager(cfg)
	a.closers = append(a.closers, a.sessions.Close)
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Handler returns the HTTP handler of the app.
func (a *App) Handler() http.Handler { return a.server }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, and watches the config file when enabled, until ctx is
// cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "addr", a.Addr())
	return g.Wait()
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		return a.httpServer.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.httpServer.Serve(a.listener)
	case tls != nil:
		return a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.httpServer.ListenAndServe()
	}
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Reload applies a config change detected by the watcher.
func (a *App) Reload(cfg *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(diff.NewLogLevel.Level())
		slog.Info("config reload: log level changed", "level", diff.NewLogLevel)
	}
	if diff.RecordingChanged {
		a.sessions.SetDefaults(diff.NewRecording)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the app as draining and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New acquired before a later step failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
