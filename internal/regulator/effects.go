package regulator

import (
	"context"
	"errors"
	"log/slog"
)

// errUnknownCommand is reported for commands the effects layer cannot execute.
type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }

// effectResult is what executing a batch of commands told us about the device.
type effectResult struct {
	// rate is the rate the device reported after the last successful CmdSetRate.
	rate    float64
	rateSet bool

	failures []error
}

// runEffects executes reducer-emitted commands in order against port.
//
// Design rules:
//   - This is the only place in the package that issues device commands.
//   - It never calls Reduce(); it only reports what happened.
//   - A canceled ctx stops execution before the next command is issued.
func runEffects(ctx context.Context, port MediaPort, cmds []Command, logger *slog.Logger) effectResult {
	var res effectResult

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			res.failures = append(res.failures, &CommandError{Command: cmd, Err: err})
			return res
		}

		switch c := cmd.(type) {
		case CmdSetRate:
			applied, err := port.SetPlaybackRate(ctx, c.Rate)
			if err != nil {
				logger.Warn("set playback rate failed", "rate", c.Rate, "error", err)
				res.failures = append(res.failures, &CommandError{Command: cmd, Err: err})
				continue
			}
			logger.Debug("playback rate set", "requested", c.Rate, "applied", applied)
			res.rate = applied
			res.rateSet = true

		case CmdSeek:
			if err := port.SetPosition(ctx, c.Position); err != nil {
				logger.Warn("seek failed", "position", c.Position, "reason", c.Reason, "error", err)
				res.failures = append(res.failures, &CommandError{Command: cmd, Err: err})
				continue
			}
			logger.Info("seek", "position", c.Position, "reason", c.Reason)

		default:
			logger.Warn("unknown command type", "command", cmd.String())
			res.failures = append(res.failures, &CommandError{Command: cmd, Err: errUnknownCommand{cmd: cmd}})
		}
	}

	return res
}

// err joins the failures into a single non-fatal warning, or nil.
func (r effectResult) err() error {
	return errors.Join(r.failures...)
}
