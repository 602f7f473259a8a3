package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini-live", "openai-realtime"},
	"audio": {"miniaudio", "oto"},
}

// Recognised values of the session section. Kept here rather than imported
// so config stays a leaf package.
var (
	validCaptureModes = []string{"mic", "microphone", "system", "dual"}
	validPersonas     = []string{"copilot", "practice"}
)

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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	validateProviderName("live", cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; sessions will fail to connect unless the endpoint needs no key",
			"provider", cfg.Provider.Name)
	}

	// Audio
	validateProviderName("audio", cfg.Audio.Input)
	validateProviderName("audio", cfg.Audio.Output)
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}

	// Session
	if m := strings.ToLower(cfg.Session.CaptureMode); m != "" && !slices.Contains(validCaptureModes, m) {
		errs = append(errs, fmt.Errorf("session.capture_mode %q is invalid; valid values: mic, system, dual", cfg.Session.CaptureMode))
	}
	if p := strings.ToLower(cfg.Session.Persona); p != "" && !slices.Contains(validPersonas, p) {
		errs = append(errs, fmt.Errorf("session.persona %q is invalid; valid values: copilot, practice", cfg.Session.Persona))
	}
	for name := range cfg.Session.Personas {
		if !slices.Contains(validPersonas, strings.ToLower(name)) {
			errs = append(errs, fmt.Errorf("session.personas.%s is not a known persona; valid values: copilot, practice", name))
		}
	}
	if cfg.Session.ActivityHz < 0 || cfg.Session.ActivityHz > 1000 {
		errs = append(errs, fmt.Errorf("session.activity_hz %d is out of range [0, 1000]", cfg.Session.ActivityHz))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
