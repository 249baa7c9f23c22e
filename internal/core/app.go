package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"alertbot/internal/adapters/telegram"
	"alertbot/internal/dedup"
	"alertbot/internal/engine"
	"alertbot/internal/eventbus"
	"alertbot/internal/kit"
	"alertbot/internal/scheduler"
	"alertbot/internal/source"
	"alertbot/pkg/logx"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	mgr     *ConfigManager
	logSvc  *logx.Service
	log     logx.Logger
	adapter kit.Adapter
	store   dedup.Store
	reg     *engine.Registry
	eng     *engine.Engine
	sched   *scheduler.Service
	bus     eventbus.Bus
	cmds    *Commands
	sup     *Supervisor

	// Ready is closed once all services are started; used by main for
	// readiness notification.
	Ready chan struct{}
}

const updateBuffer = 64

// NewApp loads the config and constructs the full component graph.
func NewApp(configPath string) (*App, error) {
	boot := logx.NewConsole("info")
	mgr := NewConfigManager(configPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	durs, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	mgr.SetValidator(func(c *Config) error {
		_, verr := c.Validate()
		return verr
	})

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: durs.PollTimeout,
	}, boot)
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	logSvc, log := logx.New(cfg.logConfig(), adapter)
	if cfg.Log.Chat.Enabled {
		logSvc.SetChatTarget(cfg.Log.Chat.ChatID, cfg.Log.Chat.ThreadID)
	}

	store, err := dedup.Open(dedup.Config{
		Driver:    cfg.Dedup.Driver,
		Path:      cfg.Dedup.Path,
		Retention: durs.DedupRetention,
		Redis: dedup.RedisConfig{
			Addr:     cfg.Dedup.Redis.Addr,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
		},
	}, log.With(logx.String("component", "dedup")))
	if err != nil {
		return nil, fmt.Errorf("dedup store: %w", err)
	}

	tokens := source.NewTokenClient(cfg.Source.BaseURL, cfg.Source.ClientID, cfg.Source.ClientSecret,
		durs.SourceTimeout, log.With(logx.String("component", "token")))
	src := source.NewClient(cfg.Source.BaseURL, durs.SourceTimeout, tokens,
		log.With(logx.String("component", "source")))

	ratePerSec := cfg.Push.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20 // Telegram's effective global send ceiling
	}
	burst := cfg.Push.Burst
	if burst <= 0 {
		burst = 5
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	bus := eventbus.New()
	reg := engine.NewRegistry()
	disp := engine.NewDispatcher(adapter, store, limiter, log.With(logx.String("component", "dispatcher")))
	eng := engine.New(reg, src, disp, bus, cfg.Push.Workers, log.With(logx.String("component", "engine")))

	sched := scheduler.New(scheduler.Config{
		Schedule:      cfg.Push.Schedule,
		FirstRunDelay: durs.FirstRunDelay,
		RunTimeout:    durs.RunTimeout,
	}, func(ctx context.Context) error {
		_, err := eng.RunCycle(ctx)
		return err
	}, bus, log.With(logx.String("component", "scheduler")))

	app := &App{
		mgr:     mgr,
		logSvc:  logSvc,
		log:     log,
		adapter: adapter,
		store:   store,
		reg:     reg,
		eng:     eng,
		sched:   sched,
		bus:     bus,
		Ready:   make(chan struct{}),
	}
	app.cmds = NewCommands(reg, eng, sched, adapter, mgr.Get, log.With(logx.String("component", "commands")))
	return app, nil
}

// Run blocks until ctx is cancelled, then shuts everything down in reverse
// start order.
func (a *App) Run(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	updates := make(chan kit.Update, updateBuffer)
	if err := a.adapter.Start(a.sup.Context(), updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.sup.Go("config-watch", a.mgr.Watch)
	a.sup.Go("config-apply", a.applyConfigUpdates)
	a.sup.Go("commands", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case up, ok := <-updates:
				if !ok {
					return nil
				}
				a.cmds.Handle(ctx, up)
			}
		}
	})

	if ta, ok := a.adapter.(*telegram.Adapter); ok {
		mctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := ta.UpdateMenuCommands(mctx, a.cmds.Menu()); err != nil {
			a.log.Warn("menu command update failed", logx.Err(err))
		}
		cancel()
	}

	close(a.Ready)
	a.log.Info("alertbot started")
	<-a.sup.Context().Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Scheduler first so no new cycle starts, then the gateway, then the
	// remaining goroutines, then storage.
	if err := a.sched.Stop(stopCtx); err != nil {
		a.log.Warn("scheduler stop", logx.Err(err))
	}
	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.sup.Cancel()
	if err := a.sup.Wait(stopCtx); err != nil && err != context.DeadlineExceeded {
		a.log.Warn("supervisor wait", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("dedup store close", logx.Err(err))
	}
	if err := a.logSvc.Close(); err != nil {
		return err
	}
	return nil
}

// applyConfigUpdates handles hot-reloadable settings. Only the logging
// stack applies live; transport and schedule changes need a restart.
func (a *App) applyConfigUpdates(ctx context.Context) error {
	ch := a.mgr.Subscribe(1)
	defer a.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			a.logSvc.Apply(cfg.logConfig())
			if cfg.Log.Chat.Enabled {
				a.logSvc.SetChatTarget(cfg.Log.Chat.ChatID, cfg.Log.Chat.ThreadID)
			}
			a.log.Info("logging config applied")
		}
	}
}
