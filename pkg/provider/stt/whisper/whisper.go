// Package whisper provides local whisper.cpp-backed transcribers.
//
// [Provider] talks to a running whisper-server binary, which exposes a REST
// API at POST /inference, by uploading the recording as multipart/form-data.
// [NativeProvider] links whisper.cpp directly through its CGO bindings and
// decodes WAV recordings in-process.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	t, err := p.Transcribe(ctx, stt.Audio{Data: wav, MIMEType: "audio/wav"}, stt.Options{})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/meetrec/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 5 * time.Minute

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en"; "auto" asks the server to
// detect it.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. The default client times out
// after five minutes, enough for an hour of audio on a modest CPU.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Transcriber backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads the recording to the /inference endpoint and returns the
// server's text. Per-request options override the provider defaults.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (stt.Transcript, error) {
	if len(audio.Data) == 0 {
		return stt.Transcript{}, errors.New("whisper: empty audio")
	}
	lang := firstNonEmpty(opts.Language, p.language)
	model := firstNonEmpty(opts.Model, p.model)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", uploadName(audio))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write audio data: %w", err)
	}

	fields := [][2]string{{"response_format", "json"}, {"language", lang}, {"model", model}}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: firstNonEmpty(result.Language, lang),
	}, nil
}

// uploadName picks a file name whose extension matches the container so the
// server can pick the right decoder.
func uploadName(a stt.Audio) string {
	if a.FileName != "" {
		return a.FileName
	}
	if stt.IsWAV(a.MIMEType) {
		return "audio.wav"
	}
	return "audio.mp3"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
