package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Fallback chains are one level deep; each fallback needs a name.
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS)...)

	// The conversation pipeline cannot run without its two core providers.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is empty; voice input will be unavailable (text-only session)")
	}

	// Characters
	if cfg.CharactersFile == "" {
		errs = append(errs, errors.New("characters_file is required"))
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.PostgresDSN == "" {
		errs = append(errs, errors.New("history.postgres_dsn is required when history.backend is postgres"))
	}
	if cfg.History.Window < 0 {
		errs = append(errs, fmt.Errorf("history.window %d must not be negative", cfg.History.Window))
	}

	// Pipeline
	if cfg.Pipeline.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity %d must not be negative", cfg.Pipeline.QueueCapacity))
	}

	// Model defaults
	if cfg.Defaults.Temperature < 0 || cfg.Defaults.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("defaults.temperature %.2f is out of range [0.0, 2.0]", cfg.Defaults.Temperature))
	}
	if cfg.Defaults.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_tokens %d must not be negative", cfg.Defaults.MaxTokens))
	}

	// Listening
	if cfg.Listening.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("listening.sample_rate %d must not be negative", cfg.Listening.SampleRate))
	}
	if cfg.Listening.KeywordBoost < 0 {
		errs = append(errs, fmt.Errorf("listening.keyword_boost %.2f must not be negative", cfg.Listening.KeywordBoost))
	}

	return errors.Join(errs...)
}

// validateFallbacks checks the fallback entries of one provider slot.
func validateFallbacks(kind string, entry ProviderEntry) []error {
	var errs []error
	for i, fb := range entry.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] is missing a name", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] (%s) must not nest further fallbacks", kind, i, fb.Name))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
