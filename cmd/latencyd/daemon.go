package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"latencyregulator/internal/ipc"
	"latencyregulator/internal/modesignal"
	"latencyregulator/internal/playerws"
	"latencyregulator/internal/regulator"
	"latencyregulator/internal/sim"
	"latencyregulator/internal/store"
	"latencyregulator/internal/telemetry"
)

const (
	// attachRetryDelay spaces attach attempts while the player has no media loaded.
	attachRetryDelay = time.Second
	// mediaLostSkips is how many ticks in a row may fail to read the buffered range
	// before the session is replaced.
	mediaLostSkips = 10
)

// playerPort is what the daemon needs from a player backend.
type playerPort interface {
	regulator.MediaPort
	modesignal.TextReader
}

// player bundles the port with its optional background loop and cleanup.
type player struct {
	port  playerPort
	run   func(ctx context.Context) error
	close func() error
}

func openPlayer(ctx context.Context, cfg PlayerConfig, logger *slog.Logger) (*player, error) {
	switch cfg.Kind {
	case PlayerSimulated:
		p := sim.New(sim.Options{
			InitialBuffer:      cfg.Sim.InitialBuffer,
			IngestRate:         cfg.Sim.IngestRate,
			ModeLabel:          cfg.Sim.ModeLabel,
			BroadcasterLatency: cfg.Sim.BroadcasterLatency,
		})
		p.OnExternalRateChange(func(rate float64) {
			logger.Info("simulated player rate changed externally", "rate", rate)
		})
		step := time.Duration(cfg.Sim.StepMS) * time.Millisecond
		return &player{
			port: p,
			run: func(ctx context.Context) error {
				if err := p.Run(ctx, step); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			},
			close: func() error { return nil },
		}, nil

	default:
		client, err := playerws.NewClient(ctx, cfg.WsURL, logger.With("component", "player"), playerws.Options{
			ReadTimeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to player: %w", err)
		}
		return &player{port: client, close: client.Close}, nil
	}
}

// modeSource builds the regulator's mode signal. The switch is non-nil only for the
// ipc source.
func modeSource(cfg ModeConfig, p playerPort) (regulator.ModeSignal, *modesignal.Switch) {
	switch cfg.Source {
	case ModeSourceIPC:
		m, _ := regulator.ParseMode(cfg.Static)
		sw := modesignal.NewSwitch(m)
		return sw, sw
	case ModeSourceStatic:
		m, _ := regulator.ParseMode(cfg.Static)
		return regulator.StaticMode(m), nil
	default:
		return modesignal.FromText(p), nil
	}
}

// run wires every component and blocks until ctx is canceled or one of them fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	fileStore, err := store.NewFileStore(ExpandPath(cfg.Store.Path))
	if err != nil {
		return err
	}

	p, err := openPlayer(ctx, cfg.Player, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			logger.Warn("player close failed", "error", err)
		}
	}()

	modes, sw := modeSource(cfg.Mode, p.port)

	window := telemetry.NewWindow(cfg.Telemetry.Window)
	stream := telemetry.NewStream(cfg.Telemetry.Window, logger)
	metrics := telemetry.NewMetrics()
	lost := newMediaWatch(mediaLostSkips)

	ctrl := regulator.New(regulator.Options{
		Store:  fileStore,
		Modes:  modes,
		Sink:   telemetry.Fanout{window, stream, metrics, lost},
		Logger: logger,
	})
	defer ctrl.Close()

	wsServer := telemetry.NewServer(logger.With("component", "telemetry"), window, telemetry.HubConfig{})
	mux := http.NewServeMux()
	wsServer.Register(mux, "/ws")
	mux.Handle("/metrics", metrics.Handler())

	handler := ipc.ControllerHandler{Controller: ctrl, Switch: sw, ModeSource: cfg.Mode.Source}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsServer.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		telemetry.RunBroadcaster(gctx, wsServer.Hub(), stream.C(), logger)
		return nil
	})
	g.Go(func() error {
		return ipc.Serve(gctx, cfg.IPC.SocketPath, handler, logger.With("component", "ipc"))
	})
	g.Go(func() error {
		return runHTTPServer(gctx, cfg.Telemetry.Listen, mux, logger)
	})
	if p.run != nil {
		g.Go(func() error { return p.run(gctx) })
	}
	g.Go(func() error {
		superviseSession(gctx, ctrl, p.port, lost, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down", "dropped_samples", stream.Dropped())
	return err
}

// superviseSession keeps one session attached to port. When the watch reports the
// session's media lost, it is replaced so the new source starts from a fresh state.
func superviseSession(ctx context.Context, ctrl *regulator.Controller, port regulator.MediaPort,
	watch *mediaWatch, logger *slog.Logger) {
	s := attachWhenReady(ctx, ctrl, port, logger)
	for s != nil {
		select {
		case <-ctx.Done():
			return
		case id := <-watch.Lost():
			if id != s.ID() {
				continue
			}
			logger.Warn("media source lost, replacing session", "session", id)
			next, err := ctrl.Replace(ctx, s, port)
			if err != nil {
				next = attachWhenReady(ctx, ctrl, port, logger)
			}
			s = next
		}
	}
}

// attachWhenReady attaches port, retrying while the player has no media source.
// It returns nil only when ctx is done.
func attachWhenReady(ctx context.Context, ctrl *regulator.Controller, port regulator.MediaPort, logger *slog.Logger) *regulator.Session {
	logged := false
	for {
		s, err := ctrl.Attach(ctx, port)
		if err == nil {
			if logged {
				logger.Info("player media available, session attached", "session", s.ID())
			}
			return s
		}
		if !logged {
			logger.Warn("waiting for player media", "error", err)
			logged = true
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(attachRetryDelay):
		}
	}
}
