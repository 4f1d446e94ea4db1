package regulator

import (
	"fmt"
	"strings"
)

// Mode is the externally signalled latency preference that selects the active Config.
type Mode string

const (
	ModeLow    Mode = "low"
	ModeNormal Mode = "normal"
)

// Modes lists every known mode in a stable order.
func Modes() []Mode {
	return []Mode{ModeLow, ModeNormal}
}

// ParseMode converts a user-facing mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "low-latency", "low_latency":
		return ModeLow, nil
	case "normal":
		return ModeNormal, nil
	default:
		return "", fmt.Errorf("%w: %q (must be low or normal)", ErrUnknownMode, s)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeLow || m == ModeNormal
}

func (m Mode) String() string { return string(m) }
