// Package minutes turns a meeting transcript into a meeting-minutes document
// with a single LLM completion.
//
// Generation is a single attempt: a failure is returned to the caller, who
// reports it to the user. An optional circuit breaker stops calling a
// provider that keeps failing.
package minutes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/meetrec/internal/resilience"
	"github.com/MrWong99/meetrec/pkg/provider/llm"
)

// SystemPrompt is the instruction sent with every request.
const SystemPrompt = "You are a professional meeting minutes generator. Create clear, structured meeting minutes from transcriptions."

// Sections are the headings the model is asked to produce, in order.
var Sections = []string{
	"Meeting Summary",
	"Key Points Discussed",
	"Action Items",
	"Decisions Made",
	"Next Steps",
	"Attendees (if mentioned)",
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000

	// MIMEType is the content type of a rendered document.
	MIMEType = "text/plain; charset=utf-8"

	truncationMarker = "\n[transcript truncated]"
)

// ErrEmptyTranscript is returned when there is no speech to summarise.
var ErrEmptyTranscript = errors.New("minutes: transcript is empty")

// Document is a rendered meeting-minutes file.
type Document struct {
	// Body is the model's answer without header or footer.
	Body string

	// Content is the complete file: header, body and footer.
	Content []byte

	// FileName is meeting_minutes_<date>.txt.
	FileName string

	// CreatedAt is the generation time.
	CreatedAt time.Time

	// Truncated reports that the transcript was shortened to fit the model's
	// context window.
	Truncated bool

	// Incomplete reports that the model hit its output token cap, so the
	// last section may be cut short.
	Incomplete bool

	// Usage is the token accounting reported by the provider.
	Usage llm.Usage
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithBreaker guards the provider with cb. While the breaker is open,
// Generate fails fast with [resilience.ErrCircuitOpen].
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Generator) { g.breaker = cb }
}

// WithClock overrides the time source used for dates.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSignature sets the name printed in the "Generated by" footer.
func WithSignature(name string) Option {
	return func(g *Generator) { g.signature = name }
}

// Generator produces meeting minutes. It is safe for concurrent use.
type Generator struct {
	provider  llm.Provider
	breaker   *resilience.CircuitBreaker
	now       func() time.Time
	signature string
}

// New returns a Generator backed by provider.
func New(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		provider:  provider,
		now:       time.Now,
		signature: "meetrec",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate asks the model for minutes of transcript and renders the result.
func (g *Generator) Generate(ctx context.Context, transcript string) (*Document, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	caps := g.provider.Capabilities()
	maxTokens := defaultMaxTokens
	if caps.MaxOutputTokens > 0 && caps.MaxOutputTokens < maxTokens {
		maxTokens = caps.MaxOutputTokens
	}

	transcript, truncated, err := g.fit(transcript, caps.ContextWindow-maxTokens)
	if err != nil {
		return nil, err
	}

	req := llm.CompletionRequest{
		SystemPrompt: SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: Prompt(transcript)}},
		Temperature:  defaultTemperature,
		MaxTokens:    maxTokens,
	}

	var resp *llm.CompletionResponse
	call := func() error {
		var err error
		resp, err = g.provider.Complete(ctx, req)
		return err
	}
	if g.breaker != nil {
		err = g.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("minutes: generate: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, errors.New("minutes: model returned no content")
	}

	if resp.Truncated {
		slog.Warn("minutes: reply hit the token limit", "max_tokens", maxTokens)
	}

	created := g.now()
	body := strings.TrimSpace(resp.Content)
	return &Document{
		Body:       body,
		Content:    []byte(g.render(body, created)),
		FileName:   FileName(created),
		CreatedAt:  created,
		Truncated:  truncated,
		Incomplete: resp.Truncated,
		Usage:      resp.Usage,
	}, nil
}

// fit shortens transcript until the prompt fits into budget tokens. A
// non-positive budget disables the check.
func (g *Generator) fit(transcript string, budget int) (string, bool, error) {
	if budget <= 0 {
		return transcript, false, nil
	}
	truncated := false
	for range 8 {
		n, err := g.provider.CountTokens([]llm.Message{
			{Role: llm.RoleSystem, Content: SystemPrompt},
			{Role: llm.RoleUser, Content: Prompt(transcript)},
		})
		if err != nil {
			return "", false, fmt.Errorf("minutes: count tokens: %w", err)
		}
		if n <= budget {
			return transcript, truncated, nil
		}
		keep := len(transcript) * budget / n * 9 / 10
		if keep <= 0 {
			break
		}
		transcript = strings.ToValidUTF8(transcript[:keep], "") + truncationMarker
		truncated = true
	}
	return "", false, errors.New("minutes: transcript does not fit the model context window")
}

// Prompt builds the user message for transcript.
func Prompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Based on the following meeting transcription, create comprehensive meeting minutes in a professional format. Include:\n\n")
	for i, s := range Sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nFormat the output as a clean, professional document structure.\n\nTranscription:\n")
	b.WriteString(transcript)
	return b.String()
}

func (g *Generator) render(body string, created time.Time) string {
	return fmt.Sprintf("MEETING MINUTES\n\n%s\n\n---\nGenerated by %s\nDate: %s",
		body, g.signature, created.Format(time.DateTime))
}

// FileName returns the download name for minutes created at t, e.g.
// meeting_minutes_Mon_Jan_02_2006.txt.
func FileName(t time.Time) string {
	return "meeting_minutes_" + t.Format("Mon_Jan_02_2006") + ".txt"
}
