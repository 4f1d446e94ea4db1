package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"latencyregulator/internal/regulator"
	"latencyregulator/internal/telemetry"
)

type watchOptions struct {
	url   string
	count int
	raw   bool
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the telemetry websocket",
		Long: `Connect to latencyd's telemetry websocket and print one line per tick. ` +
			`The trailing window sent on connect is summarized first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:3002/ws", "telemetry websocket URL")
	f.IntVar(&opts.count, "count", 0, "exit after this many live samples (0 = until interrupted)")
	f.BoolVar(&opts.raw, "raw", false, "print frames as received")
	return cmd
}

func watch(ctx context.Context, w io.Writer, opts *watchOptions) error {
	u, err := url.Parse(opts.url)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on interrupt.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	seen := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env telemetry.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			fmt.Fprintf(w, "unparseable frame: %s\n", msg)
			continue
		}
		if opts.raw {
			fmt.Fprintf(w, "%s\n", msg)
		}

		switch env.Type {
		case telemetry.FrameInit:
			var snap telemetry.InitData
			if err := json.Unmarshal(env.Data, &snap); err != nil {
				return fmt.Errorf("decode %s: %w", env.Type, err)
			}
			if !opts.raw {
				fmt.Fprintf(w, "connected: %d/%d samples in window\n", len(snap.Samples), snap.WindowSize)
			}

		case telemetry.FrameSample:
			var s regulator.Sample
			if err := json.Unmarshal(env.Data, &s); err != nil {
				return fmt.Errorf("decode %s: %w", env.Type, err)
			}
			if !opts.raw {
				fmt.Fprintln(w, formatSample(s))
			}
			seen++
			if opts.count > 0 && seen >= opts.count {
				return nil
			}
		}
	}
}

func formatSample(s regulator.Sample) string {
	line := fmt.Sprintf("%s %s %-6s %-10s buffer=%.2fs target=%.2fs rate=%.3f latency=%s",
		s.At.Local().Format("15:04:05.000"), shortID(s.SessionID), s.Mode, s.State,
		s.BufferMemory, s.TargetLatency, s.AppliedRate, s.BroadcasterLatency)
	if s.Seek != "" {
		line += " seek=" + string(s.Seek)
	}
	if s.CommandFailures > 0 {
		line += fmt.Sprintf(" failures=%d", s.CommandFailures)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
