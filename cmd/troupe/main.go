// Command troupe is the main entry point for the Troupe multi-character
// voice chat server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/troupelabs/troupe/internal/catalog"
	"github.com/troupelabs/troupe/internal/config"
	"github.com/troupelabs/troupe/internal/health"
	"github.com/troupelabs/troupe/internal/history"
	"github.com/troupelabs/troupe/internal/observe"
	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/internal/resilience"
	"github.com/troupelabs/troupe/internal/server"
	"github.com/troupelabs/troupe/internal/session"
	"github.com/troupelabs/troupe/pkg/provider/llm"
	"github.com/troupelabs/troupe/pkg/provider/llm/anyllm"
	"github.com/troupelabs/troupe/pkg/provider/stt"
	"github.com/troupelabs/troupe/pkg/provider/stt/deepgram"
	"github.com/troupelabs/troupe/pkg/provider/stt/whisper"
	"github.com/troupelabs/troupe/pkg/provider/tts"
	"github.com/troupelabs/troupe/pkg/provider/tts/coqui"
	"github.com/troupelabs/troupe/pkg/provider/tts/elevenlabs"
	"github.com/troupelabs/troupe/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "troupe: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("troupe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "troupe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Character roster ──────────────────────────────────────────────────────
	roster, err := catalog.LoadFile(cfg.CharactersFile)
	if err != nil {
		slog.Error("failed to load characters", "err", err)
		return 1
	}
	slog.Info("characters loaded", "count", roster.Len(), "file", cfg.CharactersFile)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := buildLLM(reg, cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	ttsProvider, err := buildTTS(reg, cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to create tts provider", "name", cfg.Providers.TTS.Name, "err", err)
		return 1
	}
	var sttProvider stt.Provider
	if cfg.Providers.STT.Name != "" {
		sttProvider, err = buildSTT(reg, cfg.Providers.STT)
		if err != nil {
			slog.Error("failed to create stt provider", "name", cfg.Providers.STT.Name, "err", err)
			return 1
		}
	}

	// ── History ───────────────────────────────────────────────────────────────
	hist, checkers, err := buildHistory(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise history store", "err", err)
		return 1
	}

	// ── Server ────────────────────────────────────────────────────────────────
	srvCfg := server.Config{
		Addr:           cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Checkers:       checkers,
		Logger:         logger,
		Metrics:        observe.DefaultMetrics(),
		Session: session.Config{
			Resolver: roster,
			LLM:      llmProvider,
			TTS:      ttsProvider,
			STT:      sttProvider,
			History:  hist,
			QueueCap: cfg.Pipeline.QueueCapacity,
			Settings: types.ModelSettings{
				Model:       cfg.Providers.LLM.Model,
				Temperature: cfg.Defaults.Temperature,
				MaxTokens:   cfg.Defaults.MaxTokens,
			},
			STTConfig: stt.StreamConfig{
				SampleRate: cfg.Listening.SampleRate,
				Channels:   1,
				Language:   cfg.Listening.Language,
				Keywords:   roster.KeywordBoosts(cfg.Listening.KeywordBoost),
			},
			Logger:  logger,
			Metrics: observe.DefaultMetrics(),
		},
	}
	if cfg.Server.TLS != nil {
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}

	printStartupSummary(cfg, roster.Len())
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := server.New(srvCfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildHistory creates the transcript store selected in cfg and any readiness
// checkers that probe it.
func buildHistory(ctx context.Context, cfg *config.Config) (pipeline.History, []health.Checker, error) {
	switch cfg.History.Backend {
	case config.HistoryPostgres:
		store, err := history.NewPostgresStore(ctx, cfg.History.PostgresDSN, "default",
			history.WithWindow(cfg.History.Window))
		if err != nil {
			return nil, nil, err
		}
		checker := health.Checker{Name: "history", Check: store.Ping}
		slog.Info("history store ready", "backend", "postgres", "window", cfg.History.Window)
		return store, []health.Checker{checker}, nil
	default:
		slog.Info("history store ready", "backend", "memory", "window", cfg.History.Window)
		return history.NewMemStore(cfg.History.Window), nil, nil
	}
}

// buildLLM creates the primary LLM provider and, when fallbacks are
// configured, wraps the chain in a circuit-breaking failover group.
func buildLLM(reg *config.Registry, entry config.ProviderEntry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildSTT(reg *config.Registry, entry config.ProviderEntry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewSTTFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildTTS(reg *config.Registry, entry config.ProviderEntry) (tts.Provider, error) {
	primary, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
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

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, characters int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Troupe — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	backend := cfg.History.Backend
	if backend == "" {
		backend = config.HistoryMemory
	}
	fmt.Printf("║  History         : %-19s ║\n", backend)
	fmt.Printf("║  Characters      : %-19d ║\n", characters)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
