package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/odvcencio/swarmchat/pkg/api"
	"github.com/odvcencio/swarmchat/pkg/channel"
	"github.com/odvcencio/swarmchat/pkg/config"
	"github.com/odvcencio/swarmchat/pkg/debugserver"
	"github.com/odvcencio/swarmchat/pkg/engine"
	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/poller"
	"github.com/odvcencio/swarmchat/pkg/resume"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
	"github.com/odvcencio/swarmchat/pkg/toast"
)

type globalOptions struct {
	configPath string
	clientID   string
}

func registerGlobalFlags(fs *flag.FlagSet, opts *globalOptions) {
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.clientID, "client", "default", "Client id for logs and the resume snapshot")
}

func loadConfig(opts globalOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFromPath(opts.configPath)
	}
	return config.Load()
}

func newAPIClient(cfg *config.Config, logger *logging.Logger) (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Logger:    logger,
	})
}

// app is the wired client: engine, store, resume snapshot and debug server.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	hub    *telemetry.Hub
	tracer *telemetry.TracerProvider
	client *api.Client
	store  *store.Store
	toasts *toast.Manager
	engine *engine.Engine
	resume *resume.Store

	wg sync.WaitGroup
}

func newApp(opts globalOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, withExitCode(err, exitUsage)
	}

	logger, err := logging.NewFileLogger(cfg.Logging.Dir, opts.clientID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "open log files")
	}
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetMinLevel(level)
	}

	a := &app{cfg: cfg, logger: logger, hub: telemetry.NewHub(), toasts: toast.NewManager()}

	if cfg.Tracing.Enabled {
		if err := a.startTracing(); err != nil {
			a.close()
			return nil, err
		}
	}

	if a.client, err = newAPIClient(cfg, logger); err != nil {
		a.close()
		return nil, err
	}

	a.store = store.New(logger, a.hub)
	a.engine = engine.New(engine.Options{
		API:   a.client,
		Store: a.store,
		Channels: engine.ManagerFactory(channel.Options{
			BaseURL:      cfg.API.WebsocketURL(),
			Token:        cfg.API.Token,
			PingInterval: cfg.Channel.PingInterval,
			PingTimeout:  cfg.Channel.PingTimeout,
			DialTimeout:  cfg.Channel.DialTimeout,
			ReadLimit:    cfg.Channel.ReadLimit,
			Reconnect: channel.ReconnectPolicy{
				Enabled:        cfg.Channel.Reconnect.Enabled,
				InitialBackoff: cfg.Channel.Reconnect.InitialBackoff,
				MaxBackoff:     cfg.Channel.Reconnect.MaxBackoff,
			},
			Logger: logger,
			Hub:    a.hub,
		}),
		Toasts: a.toasts,
		Intervals: poller.Intervals{
			Waiting: cfg.Poll.WaitingInterval,
			Active:  cfg.Poll.ActiveInterval,
		},
		TypingTTL: cfg.Channel.TypingTTL,
		Logger:    logger,
		Hub:       a.hub,
	})

	if cfg.State.Enabled {
		if a.resume, err = resume.Open(cfg.State.Path, opts.clientID, logger); err != nil {
			// A broken snapshot file should not keep the client from starting.
			logger.Warn(logging.CategoryResume, "open_failed", err.Error(), nil)
			a.resume = nil
		}
	}
	return a, nil
}

func (a *app) startTracing() error {
	path := filepath.Join(a.cfg.Logging.Dir, "traces.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "open trace file").WithContext("path", path)
	}
	tp, err := telemetry.NewTracerProvider("swarmchat", version, f)
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "start tracing")
	}
	a.tracer = tp
	return nil
}

// start runs the engine loop, the resume mirror and the debug server until
// ctx is cancelled.
func (a *app) start(ctx context.Context) {
	a.goRun(func() {
		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error(logging.CategoryEngine, "loop_exited", err.Error(), nil)
		}
	})
	if a.resume != nil {
		a.goRun(func() { a.resume.Watch(ctx, a.store) })
	}
	if a.cfg.Debug.Enabled {
		srv := debugserver.New(debugserver.Options{Bind: a.cfg.Debug.Bind, Store: a.store, Hub: a.hub, Logger: a.logger})
		a.goRun(func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				a.logger.Warn(logging.CategoryEngine, "debug_server_failed", err.Error(), nil)
			}
		})
	}
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// restore loads the saved snapshot, if any, into the engine.
func (a *app) restore(ctx context.Context) (bool, error) {
	if a.resume == nil {
		return false, nil
	}
	snap, ok, err := a.resume.Load(ctx)
	if err != nil || !ok {
		return false, err
	}
	restored, err := a.engine.Restore(ctx, snap)
	if err != nil {
		return false, err
	}
	if !restored {
		_ = a.resume.Clear(ctx)
	}
	return restored, nil
}

// wait blocks until everything started by start has returned, then
// releases resources.
func (a *app) wait() {
	a.wg.Wait()
	a.close()
}

func (a *app) close() {
	if a.toasts != nil {
		a.toasts.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.resume != nil {
		_ = a.resume.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.tracer.Shutdown(ctx)
		cancel()
	}
	a.hub.Close()
	_ = a.logger.Close()
}
