package session

import (
	"fmt"
	"maps"
	"strings"
)

// Persona selects the system instructions of the remote assistant.
type Persona string

const (
	// Copilot answers interview questions on the candidate's behalf.
	Copilot Persona = "copilot"

	// Practice coaches the candidate during a mock interview.
	Practice Persona = "practice"
)

// DefaultInstructions holds the built-in system instructions per persona.
var DefaultInstructions = map[Persona]string{
	Copilot: "You are bxCopilot, a professional technical interview assistant. " +
		"Provide concise, expert answers using the STARR method. " +
		"Focus on helping the candidate succeed in high-pressure engineering interviews.",
	Practice: "You are a supportive interview practice coach. " +
		"Focus on providing constructive feedback on pacing, confidence, and content quality.",
}

// ParsePersona parses a persona name. Matching is case-insensitive.
func ParsePersona(s string) (Persona, error) {
	switch p := Persona(strings.ToLower(strings.TrimSpace(s))); p {
	case Copilot, Practice:
		return p, nil
	default:
		return "", fmt.Errorf("session: unknown persona %q", s)
	}
}

// SwitchSignal is the text sent to a remote session that cannot replace its
// instructions in place.
func SwitchSignal(p Persona) string {
	return fmt.Sprintf("[SYSTEM_SIGNAL] SWITCH_MODE: %s. Please adjust your persona immediately.",
		strings.ToUpper(string(p)))
}

// mergeInstructions returns the defaults overlaid with non-empty overrides.
func mergeInstructions(overrides map[Persona]string) map[Persona]string {
	out := maps.Clone(DefaultInstructions)
	for p, s := range overrides {
		if s != "" {
			out[p] = s
		}
	}
	return out
}
