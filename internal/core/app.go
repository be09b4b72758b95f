package core

import (
	"context"
	"fmt"
	"time"

	"bossbot/internal/alert"
	"bossbot/internal/config"
	"bossbot/internal/dispatch"
	"bossbot/internal/notify"
	"bossbot/internal/runtime/supervisor"
	"bossbot/internal/storage"
	kit "bossbot/internal/transport"
	"bossbot/internal/transport/telegram"
	"bossbot/internal/watch"
	"bossbot/pkg/logx"
)

// App owns the full pipeline: config, logging, platform adapter, alert
// store, ingestion watcher, and the dispatch loop.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	store   storage.Store

	sched      *alert.Scheduler
	watcher    *watch.Service
	sink       *notify.Service
	dispatcher *dispatch.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = config.DefaultDBPath
	}
	store, err := storage.Open(storage.Config{
		Path:        dbPath,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}

	sched := alert.NewScheduler(store, cfg.LeadMinutesOrDefault(), log.With(logx.String("comp", "scheduler")))

	watcher := watch.New(watch.Config{
		ChatID:  cfg.Watch.ChatID,
		Keyword: cfg.Watch.Keyword,
	}, sched, log.With(logx.String("comp", "watch")))

	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	sink := notify.New(notify.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: sendTimeout,
	}, ad, log.With(logx.String("comp", "notify")))

	tick, err := config.ParseDurationOrDefault("dispatch.tick_interval", cfg.Dispatch.TickInterval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	staleAfter, err := config.ParseDurationOrDefault("dispatch.stale_claim_after", cfg.Dispatch.StaleClaimAfter, time.Minute)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dispatch.Config{
		TickInterval:    tick,
		StaleClaimAfter: staleAfter,
		Mention:         cfg.Alert.Mention,
		EventName:       cfg.Alert.EventName,
		LeadMinutes:     cfg.LeadMinutesOrDefault(),
	}, store, sink, log.With(logx.String("comp", "dispatch")))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		adapter:    ad,
		store:      store,
		sched:      sched,
		watcher:    watcher,
		sink:       sink,
		dispatcher: dispatcher,
		updates:    make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: reject changes that only a restart can
	// apply, before the new config is committed/published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return rejectImmutableChanges(a.cfgm.Get(), next)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.dispatcher.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("watch.ingest", func(c context.Context) error {
		return a.watcher.Run(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// rejectImmutableChanges blocks hot reloads that change settings only a
// restart can apply.
func rejectImmutableChanges(cur, next *config.Config) error {
	if cur == nil {
		return nil
	}
	switch {
	case next.Telegram.Token != cur.Telegram.Token:
		return fmt.Errorf("telegram.token cannot be changed at runtime")
	case next.Watch.ChatID != cur.Watch.ChatID:
		return fmt.Errorf("watch.chat_id cannot be changed at runtime")
	case next.Storage != cur.Storage:
		return fmt.Errorf("storage settings cannot be changed at runtime")
	case next.Dispatch.TickInterval != cur.Dispatch.TickInterval:
		return fmt.Errorf("dispatch.tick_interval cannot be changed at runtime")
	}
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.sched.SetLeadMinutes(cfg.LeadMinutesOrDefault())
	a.watcher.Apply(watch.Config{Keyword: cfg.Watch.Keyword})

	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 10*time.Second)
	if err != nil {
		a.log.Warn("invalid dispatch.send_timeout; keeping default", logx.Err(err))
		sendTimeout = 10 * time.Second
	}
	a.sink.Apply(notify.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: sendTimeout,
	})

	staleAfter, err := config.ParseDurationOrDefault("dispatch.stale_claim_after", cfg.Dispatch.StaleClaimAfter, time.Minute)
	if err != nil {
		a.log.Warn("invalid dispatch.stale_claim_after; keeping default", logx.Err(err))
		staleAfter = time.Minute
	}
	a.dispatcher.Apply(dispatch.Config{
		StaleClaimAfter: staleAfter,
		Mention:         cfg.Alert.Mention,
		EventName:       cfg.Alert.EventName,
		LeadMinutes:     cfg.LeadMinutesOrDefault(),
	})

	a.log.Info("config reloaded",
		logx.Int("lead_min", cfg.LeadMinutesOrDefault()),
		logx.String("mention", cfg.Alert.Mention))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dispatch", 2*time.Second, func(c context.Context) error { a.dispatcher.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
