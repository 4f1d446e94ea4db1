package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"latencyregulator/internal/ipc"
	"latencyregulator/internal/regulator"
)

// send issues req with the configured timeout and decodes the payload into out
// when out is non-nil.
func send(ctx context.Context, opts *globalOptions, req ipc.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	data, err := ipc.Send(ctx, opts.socketPath, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printConfig(w io.Writer, mode regulator.Mode, cfg regulator.Config) error {
	b, err := yaml.Marshal(map[regulator.Mode]regulator.Config{mode: cfg})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func modeArg(args []string) (regulator.Mode, error) {
	return regulator.ParseMode(args[0])
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <low|normal>",
		Short: "Print the stored regulator config for a mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeArg(args)
			if err != nil {
				return err
			}
			var cfg regulator.Config
			if err := send(cmd.Context(), opts, ipc.GetConfig{Mode: mode}, &cfg); err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), mode, cfg)
		},
	}
}

func newEditCmd(opts *globalOptions) *cobra.Command {
	var (
		target, kp, maxThreshold float64
		maxRate, minRate         float64
		deadZone                 float64
		intervalMS               int
		symmetric                bool
	)

	cmd := &cobra.Command{
		Use:   "edit <low|normal>",
		Short: "Change fields of a mode's regulator config",
		Long: `Change fields of a mode's regulator config. Only the flags given are ` +
			`changed; the result is validated and persisted by latencyd and takes ` +
			`effect on the next tick of every session in that mode.`,
		Example: "  latencyctl edit normal --target 4.5 --dead-zone 0.8",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeArg(args)
			if err != nil {
				return err
			}

			var patch regulator.ConfigPatch
			flags := cmd.Flags()
			if flags.Changed("target") {
				patch.TargetLatency = &target
			}
			if flags.Changed("kp") {
				patch.ProportionalGain = &kp
			}
			if flags.Changed("max-threshold") {
				patch.MaxBufferThreshold = &maxThreshold
			}
			if flags.Changed("interval-ms") {
				patch.SampleIntervalMS = &intervalMS
			}
			if flags.Changed("max-rate") {
				patch.MaxRate = &maxRate
			}
			if flags.Changed("min-rate") {
				patch.MinRate = &minRate
			}
			if flags.Changed("dead-zone") {
				patch.DeadZoneWidth = &deadZone
			}
			if flags.Changed("symmetric-dead-zone") {
				patch.SymmetricDeadZone = &symmetric
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to change: pass at least one field flag")
			}

			var cfg regulator.Config
			if err := send(cmd.Context(), opts, ipc.EditConfig{Mode: mode, ConfigPatch: patch}, &cfg); err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), mode, cfg)
		},
	}

	f := cmd.Flags()
	f.Float64Var(&target, "target", 0, "target buffer memory in seconds")
	f.Float64Var(&kp, "kp", 0, "proportional gain")
	f.Float64Var(&maxThreshold, "max-threshold", 0, "buffer memory in seconds that triggers anti-spike")
	f.IntVar(&intervalMS, "interval-ms", 0, "tick period in milliseconds")
	f.Float64Var(&maxRate, "max-rate", 0, "upper playback rate clamp")
	f.Float64Var(&minRate, "min-rate", 0, "lower playback rate clamp")
	f.Float64Var(&deadZone, "dead-zone", 0, "dead zone width in seconds")
	f.BoolVar(&symmetric, "symmetric-dead-zone", false, "allow entering the dead zone from above target")
	return cmd
}

func newModeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode <low|normal>",
		Short: "Switch the latency mode (ipc mode source only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := modeArg(args)
			if err != nil {
				return err
			}
			if err := send(cmd.Context(), opts, ipc.SetMode{Mode: mode}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode set to %s\n", mode)
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show attached sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st ipc.StatusData
			if err := send(cmd.Context(), opts, ipc.GetStatus{}, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStatus(out, st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(w io.Writer, st ipc.StatusData) error {
	fmt.Fprintf(w, "mode source: %s\n", st.ModeSource)
	if len(st.Sessions) == 0 {
		fmt.Fprintln(w, "no sessions attached")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMODE\tSTATE\tTARGET\tBUFFER\tRATE\tLATENCY")
	for _, s := range st.Sessions {
		buffer, rate, latency := "-", "-", "-"
		if s.LastSample != nil {
			buffer = fmt.Sprintf("%.2fs", s.LastSample.BufferMemory)
			rate = fmt.Sprintf("%.3f", s.LastSample.AppliedRate)
			latency = s.LastSample.BroadcasterLatency
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2fs\t%s\t%s\t%s\n",
			s.SessionID, s.Mode, s.State, s.Config.TargetLatency, buffer, rate, latency)
	}
	return tw.Flush()
}
