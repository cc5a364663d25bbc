// Package server exposes the session manager over HTTP.
//
// Every session operation is a small JSON endpoint keyed by the session key
// in the path. Observer callbacks are streamed to clients over a WebSocket
// at /sessions/{key}/events (or /events for all sessions). Health probes and
// the Prometheus scrape endpoint share the same mux.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/health"
	"github.com/MrWong99/meetrec/internal/minutes"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/session"
	"github.com/MrWong99/meetrec/pkg/artifact"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// Sessions is the part of [session.Manager] the server drives.
type Sessions interface {
	Start(ctx context.Context, key string, ov encoder.Override) (session.Info, error)
	Finish(key string) error
	Cancel(key string) error
	CancelEncoding(key string) error
	Configure(key string, ov encoder.Override) error
	Status(key string) (session.Info, error)
	List() []session.Info
	Artifact(ctx context.Context, key string) (artifact.Artifact, error)
	Transcribe(ctx context.Context, key string) (stt.Transcript, error)
	Minutes(ctx context.Context, key string) (*minutes.Document, error)
	Subscribe(key string) (<-chan session.Event, func())
}

var _ Sessions = (*session.Manager)(nil)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. A nil handler removes
// the route.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns lists the host patterns allowed to open event streams
// from another origin, e.g. a browser extension.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithWriteTimeout bounds each event write to a WebSocket client.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// Server routes HTTP requests to a [Sessions] implementation.
type Server struct {
	sessions       Sessions
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	origins        []string
	writeTimeout   time.Duration

	handler http.Handler
}

// New builds the routes for sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:       sessions,
		metricsHandler: promhttp.Handler(),
		writeTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("POST /sessions/{key}", s.handleStart)
	mux.HandleFunc("GET /sessions/{key}", s.handleStatus)
	mux.HandleFunc("POST /sessions/{key}/finish", s.handleFinish)
	mux.HandleFunc("POST /sessions/{key}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sessions/{key}/cancel-encoding", s.handleCancelEncoding)
	mux.HandleFunc("PUT /sessions/{key}/options", s.handleConfigure)
	mux.HandleFunc("GET /sessions/{key}/artifact", s.handleArtifact)
	mux.HandleFunc("POST /sessions/{key}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /sessions/{key}/minutes", s.handleMinutes)
	mux.HandleFunc("GET /sessions/{key}/events", s.handleEvents)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = observe.Middleware(s.metrics, observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))(mux)
	return s
}

// Handler returns the root handler including the observability middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, encoder.ErrInvalidOptions), errors.Is(err, minutes.ErrEmptyTranscript):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrSourceAcquisition), errors.Is(err, audio.ErrSourceLost):
		return http.StatusFailedDependency
	case errors.Is(err, session.ErrDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
