// Package config provides the configuration schema, loader, and provider registry
// for the livecopilot daemon.
package config

import "time"

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = "127.0.0.1:8787"
	DefaultProvider     = "gemini-live"
	DefaultAudioBackend = "miniaudio"
	DefaultCaptureMode  = "mic"
	DefaultPersona      = "copilot"
	DefaultActivityHz   = 60
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
)

// Config is the root configuration structure for livecopilot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the control plane.
type ServerConfig struct {
	// ListenAddr is the TCP address the control plane listens on
	// (e.g., "127.0.0.1:8787").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the remote live session provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice selects the prebuilt output voice.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the device backends.
type AudioConfig struct {
	// Input names the registered capture backend.
	Input string `yaml:"input"`

	// Output names the registered playback backend.
	Output string `yaml:"output"`

	// FrameSize is the capture frame size in samples. 0 keeps the backend
	// default.
	FrameSize int `yaml:"frame_size"`

	// MonitorDevices overrides the substrings used to find a system-audio
	// capture device where no native loopback exists.
	MonitorDevices []string `yaml:"monitor_devices"`
}

// SessionConfig holds session defaults.
type SessionConfig struct {
	// CaptureMode is used when a start request names no mode
	// ("mic", "system", "dual").
	CaptureMode string `yaml:"capture_mode"`

	// Persona is the persona in effect at startup ("copilot", "practice").
	Persona string `yaml:"persona"`

	// Personas overrides the built-in instructions per persona name.
	Personas map[string]string `yaml:"personas"`

	// ActivityHz is the activity level publish rate.
	ActivityHz int `yaml:"activity_hz"`
}

// ResilienceConfig tunes the circuit breaker around the provider connect.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connect failures that open
	// the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Input == "" {
		cfg.Audio.Input = DefaultAudioBackend
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = DefaultAudioBackend
	}
	if cfg.Session.CaptureMode == "" {
		cfg.Session.CaptureMode = DefaultCaptureMode
	}
	if cfg.Session.Persona == "" {
		cfg.Session.Persona = DefaultPersona
	}
	if cfg.Session.ActivityHz == 0 {
		cfg.Session.ActivityHz = DefaultActivityHz
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
