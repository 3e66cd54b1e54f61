// Package app wires the digest pipeline from a config file and runs it as
// a daemon or as one-shot commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgdigest/internal/config"
	"tgdigest/internal/dedup"
	"tgdigest/internal/eventbus"
	"tgdigest/internal/lifecycle"
	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
	"tgdigest/internal/notifier/smtp"
	tgnotify "tgdigest/internal/notifier/telegram"
	"tgdigest/internal/pipeline"
	"tgdigest/internal/reader"
	"tgdigest/internal/reader/feed"
	tgreader "tgdigest/internal/reader/telegram"
	"tgdigest/internal/runstate"
	rtsup "tgdigest/internal/runtime/supervisor"
	"tgdigest/internal/schedule"
	"tgdigest/internal/status"
	"tgdigest/internal/storage"
	"tgdigest/internal/task/engine"
	"tgdigest/internal/task/scheduler"
	telegram "tgdigest/internal/transport/telegram/adapter"
	logx "tgdigest/pkg/logx"
)

// Version is set at build time with -ldflags "-X tgdigest/internal/app.Version=...".
var Version = "dev"

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// lock is held by commands that write state; one writer per store.
	lockPath string
	lock     *storage.Lock

	bot      *telegram.Adapter // nil without telegram.token
	ingestor *tgreader.Ingestor
	readers  *reader.Mux
	notify   *notifier.Dispatcher

	dedup  *dedup.Store
	state  *runstate.Manager
	engine *engine.Service
	sched  *scheduler.Service
	coord  *pipeline.Coordinator
	host   *lifecycle.Host

	sup *rtsup.Supervisor
}

// New loads and validates the config at cfgPath and builds every
// component. Nothing runs until Serve or a one-shot method is called.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Forwarding starts disabled: the sender needs the bot, which logs.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Forward.Enabled = false
	logs, log := logx.New(bootCfg)
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.lockPath = storage.LockPath(sc)
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.bot, err = telegram.New(tc, log); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.ingestor = tgreader.NewIngestor(a.store, a.channels, log)
		if cfg.Logging.Telegram.Enabled {
			logs.SetSender(logx.SenderFunc(a.forwardLog))
		}
	}
	logs.Apply(logCfg)

	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.readers = reader.NewMux(cfg.DefaultSource())
	a.readers.Register(config.SourceTelegram, tgreader.NewReader(a.store, 0))
	a.readers.Register(config.SourceFeed, feed.New(fc, nil, log))

	tr, err := a.transport(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notify = notifier.New(nc, tr, log, a.bus)

	a.dedup = dedup.New(a.store, log)
	a.state = runstate.New(a.store, log)

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ec, log, a.bus)

	a.coord = pipeline.New(pipeline.Deps{
		Config: cfgm,
		Reader: a.readers,
		Dedup:  a.dedup,
		State:  a.state,
		Notify: a.notify,
		Engine: a.engine,
		Status: status.NewSink(a.bus, log),
		Inbox:  a.store,
		Log:    log,
	})

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schc, a.coord, log, a.bus)
	a.coord.SetReconciler(a.sched)

	lc, err := mapLifecycleConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.host = lifecycle.New(lc, a, log, a.bus)

	ok = true
	return a, nil
}

func (a *App) transport(cfg *config.Config) (notifier.Transport, error) {
	switch cfg.Mail.TransportName() {
	case "telegram":
		if a.bot == nil {
			return nil, errors.New("telegram transport needs telegram.token")
		}
		return tgnotify.New(a.bot), nil
	case "log":
		return notifier.LogTransport{Log: a.log}, nil
	default:
		sc, err := mapSMTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		return smtp.New(sc)
	}
}

func (a *App) channels() []model.ChannelConfig {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.ModelChannels()
	}
	return nil
}

// forwardLog sends a log line to the configured chat. The chat is read on
// every call so a reload can move it.
func (a *App) forwardLog(ctx context.Context, text string) error {
	cfg := a.cfgm.Get()
	if cfg == nil || a.bot == nil {
		return nil
	}
	return tgnotify.New(a.bot).SendLog(ctx, cfg.Logging.Telegram.Chat, text)
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Serve runs the daemon until ctx ends or a shutdown signal arrives.
func (a *App) Serve(ctx context.Context) error {
	if err := a.exclusive(); err != nil {
		return err
	}
	return a.host.Run(ctx, a.start)
}

// exclusive takes the storage lock. A daemon holding it is asked to run
// cycles with SIGUSR2 instead.
func (a *App) exclusive() error {
	if a.lock != nil {
		return nil
	}
	l, err := storage.AcquireLock(a.lockPath)
	if err != nil {
		var le *storage.LockedError
		if errors.As(err, &le) && le.PID > 0 {
			return fmt.Errorf("%w (send SIGUSR2 to pid %d to run a cycle there)", err, le.PID)
		}
		return err
	}
	a.lock = l
	return nil
}

func (a *App) start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))

	a.engine.Start(a.sup.Context())
	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context(), a.ingestor.Sink()); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	// The scheduler reconciles immediately, which catches up a missed slot.
	a.sched.Start(a.sup.Context())
	a.log.Info("started", logx.String("version", Version), logx.Strs("sources", a.readers.Sources()))
	return nil
}

// applyConfig pushes a reloaded config into the live components. Channels,
// tags, backoff and the recipient are read from the snapshot of each cycle.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload without effective changes")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(cfg))
		case "mail", "dispatch":
			if nc, err := mapNotifierConfig(cfg); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.notify.Apply(nc)
			}
			if prev.Mail.TransportName() != cfg.Mail.TransportName() || prev.Mail.SMTP != cfg.Mail.SMTP {
				a.log.Warn("mail transport changed; restart required")
			}
		case "pipeline":
			if ec, err := mapEngineConfig(cfg); err == nil {
				a.engine.Apply(ec)
			}
		case "schedule":
			if sc, err := mapSchedulerConfig(cfg); err == nil {
				if sc.Enabled && !a.sched.Enabled() {
					a.sched.Apply(sc)
					a.sched.Start(a.sup.Context())
				} else if !sc.Enabled && a.sched.Enabled() {
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.sched.Stop(stopCtx)
					cancel()
					a.sched.Apply(sc)
				} else {
					a.sched.Apply(sc)
				}
			}
		default:
			if config.Restart[s] || s == "feed" {
				a.log.Warn("config section changed; restart required", logx.String("section", s))
			}
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// OnWake implements lifecycle.Hooks.
func (a *App) OnWake(ctx context.Context) { a.coord.OnWake(ctx) }

// OnRunNow implements lifecycle.Hooks. The cycle goes through the engine
// and joins a manual run already in flight.
func (a *App) OnRunNow(ctx context.Context) {
	run, err := a.coord.RunNow(ctx)
	if err != nil {
		a.log.Warn("requested run not started", logx.Err(err))
		return
	}
	a.log.Info("requested run finished",
		logx.String("run", run.ID),
		logx.String("status", string(run.Status)),
		logx.Int("notified", run.MessagesNotified))
}

// OnShutdown implements lifecycle.Hooks: it stops the trigger loop first,
// then cancels the active cycle, then the intake.
func (a *App) OnShutdown(ctx context.Context) {
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pipeline", 10*time.Second, func(c context.Context) error { a.coord.OnShutdown(c); return nil })
	if a.bot != nil {
		step("telegram", 2*time.Second, a.bot.Stop)
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	a.log.Info("stopped")
	a.Close()
}

// Close releases storage and log outputs. Serve calls it on shutdown;
// one-shot callers defer it.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if err := a.lock.Release(); err != nil {
		a.log.Warn("storage lock release failed", logx.Err(err))
	}
	a.lock = nil
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// RunOnce runs one manual cycle in this process. It fails with
// storage.ErrLocked while a daemon owns the store.
func (a *App) RunOnce(ctx context.Context) (model.CycleRun, error) {
	if err := a.exclusive(); err != nil {
		return model.CycleRun{}, err
	}
	return a.coord.RunCycle(ctx, model.TriggerManual, time.Time{})
}

// Status collects the persisted state for display.
func (a *App) Status(ctx context.Context, runs int) (status.Report, error) {
	st, err := a.state.Load(ctx)
	if err != nil {
		return status.Report{}, err
	}
	rep := status.Report{Cursors: st.Cursors, Backoff: st.Backoff, LastSlot: st.LastSlot}
	if rep.Runs, err = a.state.RecentRuns(ctx, runs); err != nil {
		return rep, err
	}
	if rep.Notified, err = a.dedup.Count(ctx); err != nil {
		return rep, err
	}
	snap, err := a.cfgm.Snapshot()
	if err != nil {
		return rep, err
	}
	rep.Channels = snap.Channels
	if a.cfgm.Get().Schedule.IsEnabled() {
		if p, err := snap.Schedule.Compile(); err == nil {
			rep.NextFire = schedule.NextFireTime(time.Now(), p, st.Schedule())
		}
	}
	return rep, nil
}

// Prune applies the configured retention now.
func (a *App) Prune(ctx context.Context) (pipeline.PruneResult, error) {
	if err := a.exclusive(); err != nil {
		return pipeline.PruneResult{}, err
	}
	snap, err := a.cfgm.Snapshot()
	if err != nil {
		return pipeline.PruneResult{}, err
	}
	return a.coord.Prune(ctx, snap.DedupRetention, snap.RunLogKeep)
}

// TestMail sends a test message through the configured transport.
func (a *App) TestMail(ctx context.Context) error { return a.notify.Test(ctx) }
