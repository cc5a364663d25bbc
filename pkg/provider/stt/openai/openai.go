// Package openai provides an stt.Transcriber backed by the OpenAI audio
// transcription endpoint (model "whisper-1" by default). Any server that
// implements the same /audio/transcriptions API can be targeted with
// [WithBaseURL].
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

// Compile-time interface assertion.
var _ stt.Transcriber = (*Provider)(nil)

// Provider implements stt.Transcriber using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the default transcription model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the default language hint (ISO-639-1, e.g. "en").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a transcriber. Requests are never retried.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: string(DefaultModel)}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (stt.Transcript, error) {
	if len(audio.Data) == 0 {
		return stt.Transcript{}, errors.New("openai: empty audio")
	}

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	lang := p.language
	if opts.Language != "" {
		lang = opts.Language
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.Data), fileName(audio), audio.MIMEType),
		Model: oai.AudioModel(model),
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai: transcription: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(resp.Text), Language: lang}, nil
}

func fileName(a stt.Audio) string {
	if a.FileName != "" {
		return a.FileName
	}
	if stt.IsWAV(a.MIMEType) {
		return "recording.wav"
	}
	return "recording.mp3"
}
