// Command meetrec is the main entry point for the meetrec recording server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/meetrec/internal/app"
	"github.com/MrWong99/meetrec/internal/config"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/pkg/audio"
	"github.com/MrWong99/meetrec/pkg/audio/discord"
	"github.com/MrWong99/meetrec/pkg/audio/filesrc"
	"github.com/MrWong99/meetrec/pkg/audio/tone"
	"github.com/MrWong99/meetrec/pkg/provider/llm"
	"github.com/MrWong99/meetrec/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/meetrec/pkg/provider/llm/openai"
	"github.com/MrWong99/meetrec/pkg/provider/stt"
	oastt "github.com/MrWong99/meetrec/pkg/provider/stt/openai"
	"github.com/MrWong99/meetrec/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "apply log level and recording changes to the config file without a restart")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetrec: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetrec: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("meetrec starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	res := &resources{}
	defer res.close()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, res)

	providers, err := buildProviders(cfg, reg, res)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{app.WithLevelVar(&level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// resources collects process-wide handles opened by provider factories, such
// as the Discord bot session or a loaded whisper model.
type resources struct {
	mu      sync.Mutex
	closers []func() error
	discord *discordgo.Session
}

func (r *resources) add(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// discordSession opens the bot session on first use.
func (r *resources) discordSession(token string) (*discordgo.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discord != nil {
		return r.discord, nil
	}
	s, err := discord.Open(token)
	if err != nil {
		return nil, err
	}
	r.discord = s
	r.closers = append(r.closers, s.Close)
	return s, nil
}

func (r *resources) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("resource close error", "err", err)
		}
	}
	r.closers = nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider and capture factories
// into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, res *resources) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go: optional APIKey + optional
	// BaseURL.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, oastt.WithLanguage(entry.Language))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		p, err := whisper.NewNative(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		res.add(p.Close)
		return p, nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	mix := cfg.Recording.MixFormat()

	reg.RegisterCapture(config.CaptureTone, func(src config.SourceConfig) (audio.Acquirer, error) {
		return tone.New(tone.Config{Frequency: src.Frequency, Amplitude: src.Amplitude, Format: mix})
	})

	reg.RegisterCapture(config.CaptureFile, func(src config.SourceConfig) (audio.Acquirer, error) {
		var opts []filesrc.Option
		if src.Loop {
			opts = append(opts, filesrc.WithLoop())
		}
		return filesrc.New(src.Path, opts...)
	})

	reg.RegisterCapture(config.CaptureDiscord, func(config.SourceConfig) (audio.Acquirer, error) {
		dc := cfg.Capture.Discord
		session, err := res.discordSession(dc.Token)
		if err != nil {
			return nil, err
		}
		slog.Info("discord bot connected", "guild_id", dc.GuildID, "channel_id", dc.ChannelID)
		return discord.New(session, dc.GuildID, dc.ChannelID), nil
	})
}

// buildProviders instantiates the providers and capture sources named in cfg
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry, res *resources) (*app.Providers, error) {
	router, err := reg.BuildRouter(cfg.Capture)
	if err != nil {
		return nil, err
	}
	ps := &app.Providers{Capture: router}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown provider, minutes disabled", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown provider, transcription disabled", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			if c, ok := p.(io.Closer); ok {
				res.add(c.Close)
			}
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	rec := cfg.Recording
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        meetrec startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Primary", captureSummary(cfg.Capture.Primary))
	printRow("Secondary", captureSummary(cfg.Capture.Secondary))
	printRow("Format", rec.Format)
	printRow("Time limit", rec.EffectiveTimeLimit().String())
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func captureSummary(src config.SourceConfig) string {
	if src.Kind == config.CaptureFile {
		return "file " + src.Path
	}
	return string(src.Kind)
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
