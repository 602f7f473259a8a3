// Package capture acquires the audio sources for a session and presents them
// as a single frame stream.
//
// Three capture modes exist:
//
//   - [Mic]: the microphone alone, with the platform's echo cancellation,
//     noise suppression and automatic gain control enabled.
//   - [System]: display/system audio alone, with all processing disabled.
//   - [Dual]: display audio and the microphone summed into one stream.
//
// The mode is fixed by the [Config] passed to [Acquire]. Everything after
// Acquire works on the returned [Handle] and never branches on the mode.
package capture

import (
	"fmt"
	"strings"
)

// Mode selects which sources a session captures.
type Mode int

const (
	// Mic captures the microphone only.
	Mic Mode = iota

	// System captures display/system audio only.
	System

	// Dual captures display audio and the microphone mixed together.
	Dual
)

// String returns the config name of the mode.
func (m Mode) String() string {
	switch m {
	case Mic:
		return "mic"
	case System:
		return "system"
	case Dual:
		return "dual"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Label returns the source label shown while the mode is active.
func (m Mode) Label() string {
	switch m {
	case Mic:
		return "MIC ONLY"
	case System:
		return "SYSTEM AUDIO"
	case Dual:
		return "DUAL: MIC + SYSTEM"
	default:
		return ""
	}
}

// ParseMode parses a mode name as written in config files and requests.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mic", "microphone":
		return Mic, nil
	case "system":
		return System, nil
	case "dual":
		return Dual, nil
	default:
		return 0, fmt.Errorf("capture: unknown mode %q", s)
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case Mic, System, Dual:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("capture: invalid mode %d", int(m))
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config is the capture configuration for one session attempt. Use one of
// the constructors; the zero value is microphone-only.
type Config struct {
	Mode Mode
}

// MicOnly returns a microphone-only configuration.
func MicOnly() Config { return Config{Mode: Mic} }

// SystemOnly returns a system-audio-only configuration.
func SystemOnly() Config { return Config{Mode: System} }

// DualSource returns a configuration that mixes system audio and the
// microphone.
func DualSource() Config { return Config{Mode: Dual} }

// ForMode returns the configuration for m.
func ForMode(m Mode) Config { return Config{Mode: m} }
