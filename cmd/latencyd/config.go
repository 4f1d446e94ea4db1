package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"latencyregulator/internal/logging"
	"latencyregulator/internal/regulator"
)

// Player kinds.
const (
	PlayerWebsocket = "websocket"
	PlayerSimulated = "simulated"
)

// Mode sources.
const (
	ModeSourcePlayer = "player"
	ModeSourceIPC    = "ipc"
	ModeSourceStatic = "static"
)

// Environment variables read after the optional .env file is loaded.
const (
	envConfig      = "LATENCYD_CONFIG"
	envLogLevel    = "LATENCYD_LOG_LEVEL"
	envPlayerWsURL = "LATENCYD_PLAYER_WS_URL"
)

// Config is the top-level YAML configuration for the latencyd daemon.
//
// Defaults, file, environment and flags are layered in that order; Validate runs
// once all of them are applied so the rest of the code can assume a well-formed
// config.
type Config struct {
	Player    PlayerConfig    `yaml:"player"`
	Mode      ModeConfig      `yaml:"mode"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	IPC       IPCConfig       `yaml:"ipc"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PlayerConfig struct {
	Kind      string    `yaml:"kind"` // "websocket" or "simulated"
	WsURL     string    `yaml:"ws_url"`
	TimeoutMS int       `yaml:"timeout_ms"`
	Sim       SimConfig `yaml:"sim"`
}

// SimConfig drives the built-in simulated player.
type SimConfig struct {
	InitialBuffer      float64 `yaml:"initial_buffer"`
	IngestRate         float64 `yaml:"ingest_rate"`
	StepMS             int     `yaml:"step_ms"`
	ModeLabel          string  `yaml:"mode_label,omitempty"`
	BroadcasterLatency string  `yaml:"broadcaster_latency,omitempty"`
}

type ModeConfig struct {
	Source string `yaml:"source"` // "player", "ipc" or "static"
	Static string `yaml:"static"` // initial mode for ipc, fixed mode for static
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	Listen string `yaml:"listen"`
	Window int    `yaml:"window"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Player: PlayerConfig{
			Kind:      PlayerWebsocket,
			WsURL:     "ws://127.0.0.1:9222/player",
			TimeoutMS: 500,
			Sim: SimConfig{
				InitialBuffer: 8,
				IngestRate:    1,
				StepMS:        100,
				ModeLabel:     "Latence normale",
			},
		},
		Mode: ModeConfig{
			Source: ModeSourcePlayer,
			Static: string(regulator.ModeNormal),
		},
		Store: StoreConfig{
			Path: "~/.config/latencyregulator/modes.yaml",
		},
		Telemetry: TelemetryConfig{
			Listen: ":3002",
			Window: 200,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/latencyregulator.sock",
		},
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Format: string(logging.FormatText),
		},
	}
}

// LoadConfigFile reads a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) and only a single document is
// allowed.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// EnvOverrides holds the values taken from the environment. Empty means unset.
type EnvOverrides struct {
	LogLevel    string
	PlayerWsURL string
}

// envOverridesFrom reads the overrides through getenv.
func envOverridesFrom(getenv func(string) string) EnvOverrides {
	return EnvOverrides{
		LogLevel:    strings.TrimSpace(getenv(envLogLevel)),
		PlayerWsURL: strings.TrimSpace(getenv(envPlayerWsURL)),
	}
}

// Apply merges the non-empty overrides into cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.PlayerWsURL != "" {
		cfg.Player.WsURL = o.PlayerWsURL
	}
}

// FlagOverrides are applied on top of the file and environment. Each pointer is
// only applied if non-nil, even when it holds a zero value.
type FlagOverrides struct {
	PlayerKind      *string
	PlayerWsURL     *string
	PlayerTimeoutMS *int

	ModeSource *string
	ModeStatic *string

	StorePath *string

	TelemetryListen *string
	TelemetryWindow *int

	IPCSocketPath *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.PlayerKind != nil {
		cfg.Player.Kind = *o.PlayerKind
	}
	if o.PlayerWsURL != nil {
		cfg.Player.WsURL = *o.PlayerWsURL
	}
	if o.PlayerTimeoutMS != nil {
		cfg.Player.TimeoutMS = *o.PlayerTimeoutMS
	}

	if o.ModeSource != nil {
		cfg.Mode.Source = *o.ModeSource
	}
	if o.ModeStatic != nil {
		cfg.Mode.Static = *o.ModeStatic
	}

	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}

	if o.TelemetryListen != nil {
		cfg.Telemetry.Listen = *o.TelemetryListen
	}
	if o.TelemetryWindow != nil {
		cfg.Telemetry.Window = *o.TelemetryWindow
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and returns a user-friendly error.
func (c *Config) Validate() error {
	// Player
	switch c.Player.Kind {
	case PlayerWebsocket:
		if c.Player.WsURL == "" {
			return errors.New("player.ws_url must not be empty")
		}
	case PlayerSimulated:
		if c.Player.Sim.InitialBuffer < 0 {
			return errors.New("player.sim.initial_buffer must be >= 0")
		}
		if c.Player.Sim.IngestRate < 0 {
			return errors.New("player.sim.ingest_rate must be >= 0")
		}
		if c.Player.Sim.StepMS <= 0 {
			return errors.New("player.sim.step_ms must be > 0")
		}
	default:
		return fmt.Errorf("player.kind must be %q or %q", PlayerWebsocket, PlayerSimulated)
	}
	if c.Player.TimeoutMS <= 0 {
		return errors.New("player.timeout_ms must be > 0")
	}

	// Mode
	switch c.Mode.Source {
	case ModeSourcePlayer:
	case ModeSourceIPC, ModeSourceStatic:
		if _, err := regulator.ParseMode(c.Mode.Static); err != nil {
			return fmt.Errorf("mode.static: %w", err)
		}
	default:
		return fmt.Errorf("mode.source must be one of %q, %q, %q",
			ModeSourcePlayer, ModeSourceIPC, ModeSourceStatic)
	}

	// Store
	if c.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}

	// Telemetry
	if c.Telemetry.Window <= 0 {
		return errors.New("telemetry.window must be > 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
