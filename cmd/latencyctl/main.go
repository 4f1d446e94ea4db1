// Command latencyctl inspects and edits a running latencyd over its IPC socket and
// tails its telemetry websocket.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	socketPath string
	timeout    time.Duration
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "latencyctl",
		Short: "Control a running latencyd.",
		Long: `latencyctl talks to latencyd over its Unix socket to read and edit the ` +
			`per-mode regulator config, switch the latency mode, and show session status. ` +
			`The watch command tails the telemetry websocket.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "/tmp/latencyregulator.sock",
		"latencyd IPC socket path")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second,
		"IPC request timeout")

	root.AddCommand(
		newGetCmd(opts),
		newEditCmd(opts),
		newModeCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
