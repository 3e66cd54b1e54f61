// Package lifecycle connects the process to its host: signals, systemd
// readiness and watchdog, and resume-from-sleep notifications.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgdigest/internal/eventbus"
	rtsup "tgdigest/internal/runtime/supervisor"
	logx "tgdigest/pkg/logx"
)

const defaultShutdownWait = 15 * time.Second

// Hooks are called by the host. OnWake and OnRunNow may run concurrently
// with a cycle; OnShutdown runs once.
type Hooks interface {
	OnWake(ctx context.Context)
	OnRunNow(ctx context.Context)
	OnShutdown(ctx context.Context)
}

type Config struct {
	SdNotify     bool
	SleepSignals bool
	ShutdownWait time.Duration
}

// Host owns the process lifetime between Run and the first shutdown signal.
type Host struct {
	cfg   Config
	hooks Hooks
	log   logx.Logger
	bus   eventbus.Bus

	// notify is daemon.SdNotify; replaced in tests.
	notify func(state string) (bool, error)

	mu     sync.Mutex
	wake   chan string
	runNow chan string
}

func New(cfg Config, hooks Hooks, log logx.Logger, bus eventbus.Bus) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = defaultShutdownWait
	}
	return &Host{
		cfg:    cfg,
		hooks:  hooks,
		log:    log.With(logx.String("comp", "lifecycle")),
		bus:    bus,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		wake:   make(chan string, 1),
		runNow: make(chan string, 1),
	}
}

// Wake requests an OnWake call from source. Requests that arrive while one
// is pending are merged.
func (h *Host) Wake(source string) {
	select {
	case h.wake <- source:
	default:
	}
}

// RunNow requests an immediate cycle from source. Pending requests merge
// like Wake.
func (h *Host) RunNow(source string) {
	select {
	case h.runNow <- source:
	default:
	}
}

// Run blocks until ctx ends or a shutdown signal arrives, then calls
// OnShutdown bounded by ShutdownWait. start runs once the host is
// listening; its error aborts Run before READY is reported.
func (h *Host) Run(ctx context.Context, start func(ctx context.Context) error) error {
	sigs := make(chan os.Signal, 4)
	signals := append(shutdownSignals(), wakeSignals()...)
	signal.Notify(sigs, append(signals, runNowSignals()...)...)
	defer signal.Stop(sigs)

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(sctx)
	}()

	if start != nil {
		if err := start(sup.Context()); err != nil {
			return err
		}
	}
	if h.cfg.SleepSignals {
		sup.GoRestart("lifecycle.sleep", func(ctx context.Context) error {
			return watchSleep(ctx, h.log, func() { h.Wake("resume") })
		}, rtsup.WithRestartBackoff(time.Second, time.Minute), rtsup.WithMaxRestarts(5))
	}
	if h.cfg.SdNotify {
		h.sdNotify(daemon.SdNotifyReady)
		if every := watchdogInterval(); every > 0 {
			sup.Go0("lifecycle.watchdog", func(ctx context.Context) { h.watchdog(ctx, every) })
		}
	}
	h.log.Info("host ready", logx.Bool("sd_notify", h.cfg.SdNotify), logx.Bool("sleep_signals", h.cfg.SleepSignals))

	reason := "context canceled"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigs:
			if isWakeSignal(sig) {
				h.Wake(sig.String())
				continue
			}
			if isRunNowSignal(sig) {
				h.RunNow(sig.String())
				continue
			}
			reason = sig.String()
			break loop
		case src := <-h.wake:
			h.log.Info("wake", logx.String("source", src))
			if h.bus != nil {
				h.bus.Publish(eventbus.Event{Type: eventbus.TypeWake, Data: src})
			}
			h.hooks.OnWake(sup.Context())
		case src := <-h.runNow:
			h.log.Info("run requested", logx.String("source", src))
			// The cycle may take minutes; the loop keeps serving signals.
			sup.Go0("lifecycle.run_now", h.hooks.OnRunNow)
		}
	}

	h.log.Info("shutting down", logx.String("reason", reason), logx.Duration("wait", h.cfg.ShutdownWait))
	if h.cfg.SdNotify {
		h.sdNotify(daemon.SdNotifyStopping)
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ShutdownWait)
	defer cancel()
	h.hooks.OnShutdown(sctx)
	return nil
}

func (h *Host) sdNotify(state string) {
	sent, err := h.notify(state)
	if err != nil {
		h.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	h.log.Debug("sd_notify", logx.String("state", state), logx.Bool("sent", sent))
}

func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func (h *Host) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
