// Package session manages the recording sessions of the service.
//
// A [Manager] keys sessions by the context that initiated them (a browser
// tab, a chat channel, an API client). Each session owns one
// [recorder.Recorder]; its observer callbacks are relayed to a [Broker] as
// [Event] values and its artifact is handed to an [artifact.Store]. Sessions
// are cleaned up once they complete, are cancelled or fail.
//
// Transcription and minutes generation run on the latest stored artifact of
// a session. Each is a single attempt; failures are returned to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetrec/internal/config"
	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/minutes"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/recorder"
	"github.com/MrWong99/meetrec/internal/supervisor"
	"github.com/MrWong99/meetrec/pkg/artifact"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

var (
	// ErrNoSession is returned for operations on a key without a live session.
	ErrNoSession = errors.New("session: no active session")

	// ErrDisabled is returned by Transcribe and Minutes when the provider
	// they need is not configured.
	ErrDisabled = errors.New("session: feature not configured")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session: manager closed")
)

// storeTimeout bounds the artifact hand-off to the store.
const storeTimeout = 30 * time.Second

// Info describes a live session.
type Info struct {
	Key       string
	ID        string
	Mode      string
	StartedAt time.Time
	Options   encoder.Options
	Status    recorder.Status
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Acquirer provides the capture sources. Required.
	Acquirer audio.Acquirer

	// Store receives finished artifacts. Defaults to an in-memory store.
	Store artifact.Store

	// Defaults are the recording settings new sessions start from.
	Defaults config.RecordingConfig

	// PrimaryOnly skips the microphone, for deployments without one.
	PrimaryOnly bool

	// Broker receives session events. Defaults to a new broker.
	Broker *Broker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Monitor receives the primary source for local playback when
	// Defaults.MonitorGain is positive.
	Monitor func(audio.Frame)

	// Transcriber and TranscriberName enable [Manager.Transcribe].
	Transcriber     stt.Transcriber
	TranscriberName string
	Language        string

	// Minutes and MinutesProvider enable [Manager.Minutes].
	Minutes         *minutes.Generator
	MinutesProvider string

	// SupervisorOptions and RecorderOptions are appended to the options the
	// manager derives itself. Tests use them to inject clocks and units.
	SupervisorOptions []supervisor.Option
	RecorderOptions   []recorder.Option
}

type managed struct {
	key       string
	id        string
	startedAt time.Time
	rec       *recorder.Recorder

	mu   sync.Mutex
	mode supervisor.Mode

	endOnce sync.Once
}

type cachedTranscript struct {
	artifactID string
	transcript stt.Transcript
}

// Manager owns every live session. All exported methods are safe for
// concurrent use.
type Manager struct {
	acq        audio.Acquirer
	store      artifact.Store
	broker     *Broker
	metrics    *observe.Metrics
	supervisor *supervisor.Supervisor
	primary    bool
	monitor    func(audio.Frame)
	recOpts    []recorder.Option

	stt      stt.Transcriber
	sttName  string
	language string
	minutes  *minutes.Generator
	llmName  string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	defaults    config.RecordingConfig
	sessions    map[string]*managed
	transcripts map[string]cachedTranscript
	closed      bool
}

// NewManager creates a Manager. Sessions live until they end or
// [Manager.Close] is called, independent of the contexts passed to Start.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		acq:         cfg.Acquirer,
		store:       cfg.Store,
		broker:      cfg.Broker,
		metrics:     cfg.Metrics,
		monitor:     cfg.Monitor,
		recOpts:     cfg.RecorderOptions,
		stt:         cfg.Transcriber,
		sttName:     cfg.TranscriberName,
		language:    cfg.Language,
		minutes:     cfg.Minutes,
		llmName:     cfg.MinutesProvider,
		defaults:    cfg.Defaults,
		primary:     cfg.PrimaryOnly,
		sessions:    make(map[string]*managed),
		transcripts: make(map[string]cachedTranscript),
	}
	if m.store == nil {
		m.store = artifact.NewMemStore()
	}
	if m.broker == nil {
		m.broker = NewBroker()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	supOpts := []supervisor.Option{supervisor.WithMetrics(m.metrics)}
	if cfg.PrimaryOnly {
		supOpts = append(supOpts, supervisor.PrimaryOnly())
	}
	m.supervisor = supervisor.New(m.acq, append(supOpts, cfg.SupervisorOptions...)...)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Broker returns the event broker.
func (m *Manager) Broker() *Broker { return m.broker }

// Subscribe registers for the events of key, or of every session when key
// is empty. See [Broker.Subscribe].
func (m *Manager) Subscribe(key string) (<-chan Event, func()) {
	return m.broker.Subscribe(key)
}

// SetDefaults replaces the recording defaults. Only sessions started
// afterwards see the change.
func (m *Manager) SetDefaults(d config.RecordingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
	slog.Info("session: recording defaults updated", "format", d.Format, "time_limit", d.EffectiveTimeLimit())
}

// ─── Recording operations ─────────────────────────────────────────────────────

// Start begins a session for key with the defaults adjusted by ov. Starting a
// key that already has a live session does nothing and returns that session.
//
// Sources are acquired through the supervisor, which falls back once to
// primary-only capture. ctx only bounds the setup; the session itself runs
// until it ends.
func (m *Manager) Start(ctx context.Context, key string, ov encoder.Override) (Info, error) {
	if key == "" {
		return Info{}, errors.New("session: empty session key")
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Info{}, ErrClosed
	}
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		slog.Debug("session: start ignored, session already active", "session", key)
		return s.info(), nil
	}
	defaults := m.defaults
	opts, err := sessionOptions(defaults, ov)
	if err != nil {
		m.mu.Unlock()
		return Info{}, err
	}

	s := &managed{key: key, id: uuid.NewString(), startedAt: time.Now()}
	recOpts := []recorder.Option{
		recorder.WithSessionKey(key),
		recorder.WithBufferSize(defaults.BufferSize),
		recorder.WithMixFormat(defaults.MixFormat()),
		recorder.WithGains(defaults.Gains()),
		recorder.WithMetrics(m.metrics),
	}
	if m.monitor != nil && defaults.MonitorGain > 0 {
		recOpts = append(recOpts, recorder.WithMonitor(m.monitor, defaults.MonitorGain))
	}
	rec, err := recorder.New(m.ctx, opts, m.observer(s), append(recOpts, m.recOpts...)...)
	if err != nil {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("session: start %q: %w", key, err)
	}
	s.rec = rec
	m.sessions[key] = s
	m.mu.Unlock()

	m.metrics.RecordSessionStart(ctx)
	slog.Info("session: starting", "session", key, "id", s.id, "format", opts.Format, "time_limit", opts.TimeLimit)

	mode, err := m.supervisor.Start(m.ctx, rec)
	if err != nil {
		m.broker.Publish(Event{Type: EventError, SessionKey: key, Error: err.Error()})
		m.end(s, observe.OutcomeFailed)
		return Info{}, fmt.Errorf("session: start %q: %w", key, err)
	}

	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	if mode == supervisor.ModePrimaryOnly && !m.primary {
		m.broker.Publish(Event{Type: EventFallback, SessionKey: key, State: mode.String()})
	}
	return s.info(), nil
}

// Finish stops capture for key and produces the artifact asynchronously.
func (m *Manager) Finish(key string) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	s.rec.Finish()
	return nil
}

// Cancel stops capture for key and discards what was recorded.
func (m *Manager) Cancel(key string) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	s.rec.Cancel()
	return nil
}

// CancelEncoding abandons a pending encode-after-record pass of key.
func (m *Manager) CancelEncoding(key string) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	s.rec.CancelEncoding()
	return nil
}

// Configure changes the encoding options of key. The time limit is capped
// like at start.
func (m *Manager) Configure(key string, ov encoder.Override) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	if ov.TimeLimit != nil {
		m.mu.Lock()
		ceiling := m.defaults.Ceiling()
		m.mu.Unlock()
		ov.TimeLimit = encoder.Ptr(clampTimeLimit(*ov.TimeLimit, ceiling))
	}
	return s.rec.Configure(ov)
}

// Status returns the live session of key.
func (m *Manager) Status(key string) (Info, error) {
	s, err := m.lookup(key)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List returns every live session ordered by key.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*managed, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Artifact returns the newest artifact recorded under key.
func (m *Manager) Artifact(ctx context.Context, key string) (artifact.Artifact, error) {
	a, err := m.store.Latest(ctx, key)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("session: artifact of %q: %w", key, err)
	}
	return a, nil
}

// ─── Post-processing ──────────────────────────────────────────────────────────

// Transcribe transcribes the newest artifact of key. A transcript of the same
// artifact is reused.
func (m *Manager) Transcribe(ctx context.Context, key string) (stt.Transcript, error) {
	if m.stt == nil {
		return stt.Transcript{}, fmt.Errorf("%w: transcription", ErrDisabled)
	}
	a, err := m.Artifact(ctx, key)
	if err != nil {
		return stt.Transcript{}, err
	}

	m.mu.Lock()
	cached, ok := m.transcripts[key]
	m.mu.Unlock()
	if ok && cached.artifactID == a.ID {
		return cached.transcript, nil
	}

	ctx = observe.WithSession(ctx, key)
	ctx, endSpan := observe.StartProviderSpan(ctx, "stt", m.sttName)
	start := time.Now()
	tr, err := m.stt.Transcribe(ctx, stt.Audio{
		Data:     a.Data,
		MIMEType: a.MIMEType,
		FileName: a.FileName(),
	}, stt.Options{Language: m.language})
	m.metrics.RecordProviderRequest(ctx, m.sttName, "stt", status(err), time.Since(start))
	endSpan(err)
	if err != nil {
		observe.Logger(ctx).Warn("session: transcription failed", "provider", m.sttName, "err", err)
		return stt.Transcript{}, fmt.Errorf("session: transcribe %q: %w", key, err)
	}

	m.mu.Lock()
	m.transcripts[key] = cachedTranscript{artifactID: a.ID, transcript: tr}
	m.mu.Unlock()
	return tr, nil
}

// Minutes generates meeting minutes from the transcript of key's newest
// artifact.
func (m *Manager) Minutes(ctx context.Context, key string) (*minutes.Document, error) {
	if m.minutes == nil {
		return nil, fmt.Errorf("%w: minutes", ErrDisabled)
	}
	tr, err := m.Transcribe(ctx, key)
	if err != nil {
		return nil, err
	}

	ctx = observe.WithSession(ctx, key)
	ctx, endSpan := observe.StartProviderSpan(ctx, "llm", m.llmName)
	start := time.Now()
	doc, err := m.minutes.Generate(ctx, tr.Text)
	m.metrics.RecordProviderRequest(ctx, m.llmName, "llm", status(err), time.Since(start))
	endSpan(err)
	if err != nil {
		observe.Logger(ctx).Warn("session: minutes generation failed", "provider", m.llmName, "err", err)
		return nil, fmt.Errorf("session: minutes for %q: %w", key, err)
	}
	return doc, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Close tears down every live session and ends all event subscriptions.
// Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*managed, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		slog.Info("session: closing on shutdown", "session", s.key, "state", s.rec.State())
		m.end(s, observe.OutcomeCanceled)
	}
	m.cancel()
	m.broker.Close()
	return nil
}

func (m *Manager) lookup(key string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, key)
	}
	return s, nil
}

// end releases s exactly once.
func (m *Manager) end(s *managed, outcome string) {
	s.endOnce.Do(func() {
		m.mu.Lock()
		if m.sessions[s.key] == s {
			delete(m.sessions, s.key)
		}
		m.mu.Unlock()

		if err := s.rec.Close(); err != nil {
			slog.Warn("session: closing recorder", "session", s.key, "err", err)
		}
		m.metrics.RecordSessionEnd(m.ctx, outcome)
		slog.Info("session: ended", "session", s.key, "id", s.id, "outcome", outcome,
			"duration", time.Since(s.startedAt))
	})
}

// observer relays the recorder callbacks of s to the broker and ends s when
// its recording is over.
func (m *Manager) observer(s *managed) recorder.Observer {
	publish := func(ev Event) {
		ev.SessionKey = s.key
		m.broker.Publish(ev)
	}
	return recorder.Observer{
		OnStateChange: func(st recorder.State) {
			publish(Event{Type: EventState, State: st.String()})
			if st == recorder.StateFailed {
				m.end(s, observe.OutcomeFailed)
			}
		},
		OnEncoderLoading: func() { publish(Event{Type: EventEncoderLoading}) },
		OnEncoderLoaded:  func() { publish(Event{Type: EventEncoderLoaded}) },
		OnTimeout:        func() { publish(Event{Type: EventTimeout}) },
		OnEncodingProgress: func(f float64) {
			publish(Event{Type: EventProgress, Progress: f})
		},
		OnEncodingCanceled: func() {
			publish(Event{Type: EventCanceled})
			m.end(s, observe.OutcomeCanceled)
		},
		OnComplete: func(a artifact.Artifact) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), storeTimeout)
			defer cancel()
			if err := m.store.Put(ctx, a); err != nil {
				slog.Error("session: storing artifact", "session", s.key, "artifact", a.ID, "err", err)
				publish(Event{Type: EventError, Error: err.Error()})
				m.end(s, observe.OutcomeFailed)
				return
			}
			publish(Event{Type: EventComplete, ArtifactID: a.ID, FileName: a.FileName()})
			m.end(s, observe.OutcomeComplete)
		},
		OnError: func(err error) {
			publish(Event{Type: EventError, Error: err.Error()})
		},
	}
}

func (s *managed) info() Info {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	st := s.rec.Status()
	return Info{
		Key:       s.key,
		ID:        s.id,
		Mode:      mode.String(),
		StartedAt: s.startedAt,
		Options:   s.rec.Options(),
		Status:    st,
	}
}

// sessionOptions derives the options of a new session.
func sessionOptions(d config.RecordingConfig, ov encoder.Override) (encoder.Options, error) {
	opts, err := d.EncoderOptions()
	if err != nil {
		return encoder.Options{}, fmt.Errorf("session: recording defaults: %w", err)
	}
	opts = opts.Apply(ov)
	opts.TimeLimit = clampTimeLimit(opts.TimeLimit, d.Ceiling())
	if err := opts.Validate(); err != nil {
		return encoder.Options{}, fmt.Errorf("session: %w", err)
	}
	return opts, nil
}

// clampTimeLimit caps d at ceiling. A non-positive d selects the ceiling.
func clampTimeLimit(d, ceiling time.Duration) time.Duration {
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
