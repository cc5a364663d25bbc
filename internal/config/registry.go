package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/provider/llm"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	llm     map[string]func(ProviderEntry) (llm.Provider, error)
	stt     map[string]func(ProviderEntry) (stt.Transcriber, error)
	capture map[CaptureKind]func(SourceConfig) (audio.Acquirer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:     make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:     make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		capture: make(map[CaptureKind]func(SourceConfig) (audio.Acquirer, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a transcription provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterCapture registers a capture source factory for kind.
func (r *Registry) RegisterCapture(kind CaptureKind, factory func(SourceConfig) (audio.Acquirer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[kind] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates a transcription provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the acquirer for src.Kind.
func (r *Registry) CreateCapture(src SourceConfig) (audio.Acquirer, error) {
	r.mu.RLock()
	factory, ok := r.capture[src.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, src.Kind)
	}
	return factory(src)
}

// BuildRouter creates one acquirer per configured source kind. A secondary
// source of kind "none" is left out, so acquiring it fails with
// [audio.ErrNotConfigured] and sessions fall back to primary-only capture.
func (r *Registry) BuildRouter(c CaptureConfig) (audio.Router, error) {
	router := audio.Router{}
	for kind, src := range map[audio.SourceKind]SourceConfig{
		audio.SourcePrimary:   c.Primary,
		audio.SourceSecondary: c.Secondary,
	} {
		if src.Kind == CaptureNone || src.Kind == "" {
			continue
		}
		acq, err := r.CreateCapture(src)
		if err != nil {
			return nil, fmt.Errorf("config: %s source: %w", kind, err)
		}
		router[kind] = acq
	}
	return router, nil
}
