package regulator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMediaSource is returned by Attach when the port cannot report buffered ranges.
	ErrNoMediaSource = errors.New("no media source")

	// ErrInvalidConfig is returned when a config edit would break a Config invariant.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnknownMode is returned when a mode name cannot be parsed.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrDetached is returned by Tick once the session has been detached.
	ErrDetached = errors.New("session detached")
)

// CommandError reports a rate or seek command rejected by the media port.
// It is a warning: the control decision that produced the command stands.
type CommandError struct {
	Command Command
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
