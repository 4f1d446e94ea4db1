package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"latencyregulator/internal/logging"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("latencyd v%s\n", version)
	fmt.Println("Adaptive latency regulator for live media playback")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  latencyd [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that keeps the buffered-ahead time of a live stream near a")
	fmt.Println("  per-mode target by adjusting the player's playback rate and seeking")
	fmt.Println("  forward on spikes. Publishes telemetry over WebSocket and Prometheus,")
	fmt.Println("  and accepts config edits over a Unix socket (see latencyctl).")
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("  Defaults < config file < environment < flags. A .env file in the working")
	fmt.Println("  directory is loaded first if present.")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Printf("  %-24s config file path (same as -config)\n", envConfig)
	fmt.Printf("  %-24s log level\n", envLogLevel)
	fmt.Printf("  %-24s player websocket URL\n", envPlayerWsURL)
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
}

// parsedFlags holds the raw flag values; overrides() keeps only the ones set on the
// command line so they do not clobber file and env values with flag defaults.
type parsedFlags struct {
	configPath string

	playerKind      string
	playerWsURL     string
	playerTimeoutMS int

	modeSource string
	modeStatic string

	storePath string

	telemetryListen string
	telemetryWindow int

	ipcSocketPath string

	logLevel  string
	logFormat string

	showVersion bool
	showHelp    bool
}

func registerFlags(fset *flag.FlagSet) *parsedFlags {
	d := DefaultConfig()
	f := &parsedFlags{}

	fset.StringVar(&f.configPath, "config", "", "Path to YAML config file")

	fset.StringVar(&f.playerKind, "player", d.Player.Kind, "Player kind: websocket|simulated")
	fset.StringVar(&f.playerWsURL, "player-ws-url", d.Player.WsURL, "Player websocket URL")
	fset.IntVar(&f.playerTimeoutMS, "player-timeout-ms", d.Player.TimeoutMS, "Timeout in milliseconds for player responses")

	fset.StringVar(&f.modeSource, "mode-source", d.Mode.Source, "Latency mode source: player|ipc|static")
	fset.StringVar(&f.modeStatic, "mode", d.Mode.Static, "Mode for the static source, initial mode for the ipc source")

	fset.StringVar(&f.storePath, "store", d.Store.Path, "Per-mode config store (YAML)")

	fset.StringVar(&f.telemetryListen, "listen", d.Telemetry.Listen, "HTTP listen address for /ws and /metrics")
	fset.IntVar(&f.telemetryWindow, "window", d.Telemetry.Window, "Number of trailing samples sent to new telemetry clients")

	fset.StringVar(&f.ipcSocketPath, "ipc-socket", d.IPC.SocketPath, "Unix domain socket path for IPC")

	fset.StringVar(&f.logLevel, "log-level", d.Logging.Level, "Log level: error, warn, info, debug")
	fset.StringVar(&f.logFormat, "log-format", d.Logging.Format, "Log format: text, json")

	fset.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	fset.BoolVar(&f.showHelp, "help", false, "Print help message")
	return f
}

func (f *parsedFlags) overrides(fset *flag.FlagSet) FlagOverrides {
	var o FlagOverrides
	fset.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "player":
			o.PlayerKind = &f.playerKind
		case "player-ws-url":
			o.PlayerWsURL = &f.playerWsURL
		case "player-timeout-ms":
			o.PlayerTimeoutMS = &f.playerTimeoutMS
		case "mode-source":
			o.ModeSource = &f.modeSource
		case "mode":
			o.ModeStatic = &f.modeStatic
		case "store":
			o.StorePath = &f.storePath
		case "listen":
			o.TelemetryListen = &f.telemetryListen
		case "window":
			o.TelemetryWindow = &f.telemetryWindow
		case "ipc-socket":
			o.IPCSocketPath = &f.ipcSocketPath
		case "log-level":
			o.LogLevel = &f.logLevel
		case "log-format":
			o.LogFormat = &f.logFormat
		}
	})
	return o
}

// resolveConfig layers defaults, the config file, the environment and flags.
func resolveConfig(configPath string, env EnvOverrides, flags FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	env.Apply(&cfg)
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	flags := registerFlags(flag.CommandLine)
	flag.Usage = printUsage
	flag.Parse()

	if flags.showHelp {
		printUsage()
		return
	}
	if flags.showVersion {
		printVersion()
		return
	}

	// Optional; a missing .env is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "error: load .env:", err)
		os.Exit(1)
	}

	configPath := flags.configPath
	if configPath == "" {
		configPath = os.Getenv(envConfig)
	}

	cfg, err := resolveConfig(configPath, envOverridesFrom(os.Getenv), flags.overrides(flag.CommandLine))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Validate already checked both.
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	logger := logging.New(level, format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("latencyd starting", "version", version, "player", cfg.Player.Kind,
		"mode_source", cfg.Mode.Source, "store", ExpandPath(cfg.Store.Path))

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("latencyd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
