// Package modesignal provides the regulator.ModeSignal sources the daemon can use:
// a text label reported by the player, or a switch flipped over IPC.
package modesignal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"latencyregulator/internal/regulator"
)

// ErrUndetected is returned when no mode can be read from the source.
var ErrUndetected = errors.New("latency mode not detected")

// ParseText maps a free-form latency label (as shown in a player UI) to a Mode.
// "low"/"basse" select LOW and "normal"/"normale" select NORMAL, case-insensitively.
func ParseText(text string) (regulator.Mode, error) {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return "", ErrUndetected
	case strings.Contains(t, "low"), strings.Contains(t, "basse"):
		return regulator.ModeLow, nil
	case strings.Contains(t, "normal"):
		return regulator.ModeNormal, nil
	default:
		return "", fmt.Errorf("%w: unrecognized label %q", ErrUndetected, text)
	}
}

// TextReader reads the player's current latency label.
type TextReader interface {
	LatencyModeText(ctx context.Context) (string, error)
}

// Text is a ModeSignal that parses the label reported by a TextReader.
type Text struct {
	r TextReader
}

// FromText returns a ModeSignal reading labels from r.
func FromText(r TextReader) *Text {
	return &Text{r: r}
}

func (t *Text) CurrentMode(ctx context.Context) (regulator.Mode, error) {
	text, err := t.r.LatencyModeText(ctx)
	if err != nil {
		return regulator.ModeNormal, fmt.Errorf("%w: %w", ErrUndetected, err)
	}
	mode, err := ParseText(text)
	if err != nil {
		return regulator.ModeNormal, err
	}
	return mode, nil
}

// Switch is a ModeSignal set programmatically, e.g. from an IPC request.
// The zero value reports NORMAL.
type Switch struct {
	mu   sync.RWMutex
	mode regulator.Mode
}

// NewSwitch returns a Switch starting at mode.
func NewSwitch(mode regulator.Mode) *Switch {
	return &Switch{mode: mode}
}

// Set changes the reported mode.
func (s *Switch) Set(mode regulator.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", regulator.ErrUnknownMode, mode)
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

func (s *Switch) CurrentMode(context.Context) (regulator.Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mode == "" {
		return regulator.ModeNormal, nil
	}
	return s.mode, nil
}
