// Package app wires config, logging, the checkpoint store, the HTTP executor,
// metrics, the reconciling scheduler and the admin surface into one process.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cronpulse/internal/admin"
	"cronpulse/internal/checkpoint"
	"cronpulse/internal/config"
	"cronpulse/internal/cronengine"
	"cronpulse/internal/eventbus"
	"cronpulse/internal/httpexec"
	"cronpulse/internal/metrics"
	rtsup "cronpulse/internal/runtime/supervisor"
	"cronpulse/internal/scheduler"
	logx "cronpulse/pkg/logx"
)

const historySize = 500

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	hist  *eventbus.History
	prom  *metrics.Prometheus
	store checkpoint.Store

	engine *cronengine.Robfig
	sched  *scheduler.Service

	admin   *admin.Server
	adminOn bool
}

func New(cfgPath string) (*App, error) {
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	cfgm := config.NewManager(abs)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	cpCfg, err := mapCheckpointConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cpCfg.Path != "" && !filepath.IsAbs(cpCfg.Path) {
		cpCfg.Path = filepath.Join(filepath.Dir(abs), cpCfg.Path)
	}
	store, err := checkpoint.Open(cpCfg, root.With(logx.String("comp", "checkpoint")))
	if err != nil {
		return nil, err
	}
	log.Info("checkpoint store opened", logx.String("driver", cpCfg.Driver), logx.String("path", cpCfg.Path))

	trCfg, execCfg := mapHTTPConfig(cfg)
	exec := httpexec.New(httpexec.NewHTTPTransport(trCfg), execCfg, root)

	bus := eventbus.New()
	prom := metrics.NewPrometheus()
	engine := cronengine.NewRobfig(loc, root)

	sched := scheduler.New(schedCfg, cfgm, scheduler.Deps{
		Engine:   engine,
		Executor: exec,
		Store:    store,
		Metrics:  prom,
		Bus:      bus,
		Log:      root,
	})

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		hist:   eventbus.NewHistory(historySize),
		prom:   prom,
		store:  store,
		engine: engine,
		sched:  sched,
	}

	adminCfg, enabled := mapAdminConfig(cfg)
	a.adminOn = enabled
	a.admin = admin.New(adminCfg, admin.Deps{
		Scheduler:   sched,
		Checkpoints: store,
		History:     a.hist,
		Metrics:     prom.Handler(),
		Goroutines: func() []rtsup.Stats {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
		Log: root,
	})
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Store() checkpoint.Store       { return a.store }
func (a *App) Admin() *admin.Server          { return a.admin }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, a.log, rtsup.WithCancelOnError(true))

	// Reject reloads whose restart-only sections would not even map.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		_, err := mapCheckpointConfig(cfg)
		return err
	})

	if a.adminOn {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.GoRestart("eventbus.history", func(c context.Context) error {
		return a.hist.Run(c, a.bus)
	}, 250*time.Millisecond, 5*time.Second)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.JobID), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.GoRestart("scheduler.reconcile", a.sched.Run, time.Second, 30*time.Second)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.String("tz", a.engine.Location().String()))
	return nil
}

// applyConfig applies what can change live (logging, jobs) and warns about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if len(jobs) > 0 {
		a.log.Debug("job changes detected", logx.Any("jobs", jobs))
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if len(jobs) > 0 {
		a.sched.Poke()
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Reconcile loop and config watcher unwind first so no new pass races shutdown.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler bounds itself by scheduler.shutdown_timeout.
	step("scheduler", 0, a.sched.Stop)
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("checkpoint", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
