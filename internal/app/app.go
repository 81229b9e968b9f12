// Package app wires configuration, logging, storage, the Telegram transport,
// the comment generator, the engine, discovery feeds and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"engagebot/internal/config"
	"engagebot/internal/discovery"
	"engagebot/internal/engine"
	"engagebot/internal/generator"
	"engagebot/internal/httpapi"
	rtsup "engagebot/internal/runtime/supervisor"
	"engagebot/internal/storage"
	"engagebot/internal/transport/telegram"
	"engagebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	tg    *telegram.Adapter
	eng   *engine.Engine
	feeds []discovery.Feed
	api   *httpapi.Server

	stopOnce sync.Once
}

var _ httpapi.Controller = (*App)(nil)

// New builds every component. Any failure here is unrecoverable: invalid
// config, a missing prompt template or a store that cannot be opened.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").Component("config"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log.Component("config"))

	a := &App{cfgm: cfgm, log: log.Component("app"), logs: logs}
	if err := a.build(cfg, log); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	tc, err := cfg.TelegramConfig()
	if err != nil {
		return err
	}
	tg, err := telegram.New(tc, log.Component("telegram"))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.tg = tg
	a.logs.SetNotifier(tg)

	tmpl, err := generator.LoadTemplate(cfg.Generator.PromptFile)
	if err != nil {
		return fmt.Errorf("prompt template: %w", err)
	}
	gc, err := cfg.GeneratorConfig()
	if err != nil {
		return err
	}
	gen, err := generator.New(gc, tmpl, log.Component("generator"))
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	settings, err := cfg.Engine.Settings()
	if err != nil {
		return err
	}
	gov, flush, err := cfg.Engine.Runtime()
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Options{
		Client:        tg,
		Generator:     gen,
		Store:         store,
		Logger:        log,
		Governor:      gov,
		Settings:      settings,
		FlushInterval: flush,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	a.eng = eng

	a.feeds = append(a.feeds, discovery.Static{Channels: cfg.Discovery.Channels, Log: log.Component("discovery")})
	if n := cfg.Discovery.NATS; n.Enabled {
		feed, err := discovery.NewNATS(discovery.NATSConfig{URL: n.URL, Subject: n.Subject, Queue: n.Queue}, log.Component("discovery"))
		if err != nil {
			return err
		}
		a.feeds = append(a.feeds, feed)
	}

	if cfg.HTTP.Enabled {
		a.api = httpapi.New(httpapi.Config{Addr: cfg.HTTPAddr(), Token: cfg.HTTP.Token}, a, log.Component("httpapi"))
	}
	return nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.tg.Start(a.sup.Context()); err != nil {
		return err
	}

	resumed, err := a.eng.Restore(a.sup.Context())
	if err != nil {
		a.log.Warn("progress restore failed; state is left untouched and run start retries the load", logx.Err(err))
	}
	cfg := a.cfgm.Get()
	switch {
	case resumed && a.eng.ResumeRequested():
		a.log.Info("resuming interrupted run")
		if err := a.StartRun(); err != nil {
			a.log.Warn("resume failed", logx.Err(err))
		}
	case cfg.Engine.AutoStart:
		if err := a.StartRun(); err != nil {
			a.log.Warn("auto start failed", logx.Err(err))
		}
	}

	for _, f := range a.feeds {
		a.startFeed(f)
	}

	if a.api != nil {
		a.sup.Go("httpapi", a.api.Run)
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go0("config.watch", func(c context.Context) {
		if err := a.cfgm.Watch(c); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	})

	a.log.Info("app started", logx.Int("feeds", len(a.feeds)), logx.Bool("http", a.api != nil))
	return nil
}

func (a *App) startFeed(f discovery.Feed) {
	name := "feed." + f.Name()
	run := func(c context.Context) error { return f.Run(c, a.Enqueue) }
	if _, static := f.(discovery.Static); static {
		a.sup.Go0(name, func(c context.Context) {
			if err := run(c); err != nil {
				a.log.Warn("feed failed", logx.String("feed", f.Name()), logx.Err(err))
			}
		})
		return
	}
	a.sup.GoRestart(name, func(c context.Context) error {
		if err := run(c); err != nil {
			return err
		}
		if c.Err() != nil {
			return nil
		}
		return errors.New("feed returned")
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))
}

// ---- httpapi.Controller ----

func (a *App) Stats() engine.Stats { return a.eng.Stats() }

func (a *App) Enqueue(candidate string) bool { return a.eng.Enqueue(candidate) }

// StartRun starts the engine on the app context, so a run outlives the
// request or signal that triggered it.
func (a *App) StartRun() error {
	if a.sup == nil {
		return errors.New("app not started")
	}
	return a.eng.Start(a.sup.Context(), a.eng.Settings())
}

func (a *App) StopRun(ctx context.Context) error { return a.eng.Stop(ctx) }

func (a *App) ResetStats(ctx context.Context) engine.CounterSnapshot {
	return a.eng.ResetCounters(ctx)
}

// Stop shuts everything down. An active run is interrupted but stays
// flagged for resume on the next start.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() {
		a.log.Info("stopping")
		a.sup.Cancel()

		a.step(ctx, "engine", 10*time.Second, func(c context.Context) error {
			err := a.eng.Shutdown(c)
			if errors.Is(err, engine.ErrNotRunning) {
				return nil
			}
			return err
		})
		a.step(ctx, "telegram", 3*time.Second, a.tg.Stop)
		a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
		a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// restartRequired names changed sections that are only read at startup.
func restartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "generator", "storage", "http":
			out = append(out, s)
		}
	}
	return out
}

func joinSections(s []string) string { return strings.Join(s, ",") }
