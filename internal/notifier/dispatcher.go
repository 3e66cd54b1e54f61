package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgdigest/internal/eventbus"
	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"
)

var ErrNoRecipient = errors.New("no recipient configured")

// Dispatcher renders digests and drives transport retries. It is safe for
// concurrent use, though the pipeline only calls it from one cycle at a time.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	tr      Transport

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, tr Transport, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		tr:  tr,
		log: log.With(logx.String("comp", "notifier"), logx.String("transport", tr.Name())),
		bus: bus,
		now: time.Now,
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = 200
	}
	cfg.Recipient = strings.TrimSpace(cfg.Recipient)

	d.cfg = cfg
	burst := max(int(cfg.RatePerSec), 1)
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Config returns the effective config with defaults applied.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// MaxItems is the digest cap. Items beyond it stay pending for the next cycle.
func (d *Dispatcher) MaxItems() int { return d.Config().MaxItems }

// Send delivers one digest for b. An empty batch is a no-op success.
func (d *Dispatcher) Send(ctx context.Context, b Batch) (Result, error) {
	if len(b.Items) == 0 {
		return Result{}, nil
	}
	cfg := d.Config()
	if r := strings.TrimSpace(b.Recipient); r != "" {
		cfg.Recipient = r
	}
	m := RenderDigest(b, d.now(), cfg)
	res := Result{Subject: m.Subject, Items: len(b.Items)}

	attempts, err := d.deliver(ctx, cfg, m)
	res.Attempts = attempts
	d.record(b.CycleID, res, err)
	if err != nil {
		d.log.Warn("digest not delivered", logx.String("cycle", b.CycleID), logx.Int("items", res.Items), logx.Int("attempts", attempts), logx.Err(err))
		return res, err
	}
	d.log.Info("digest delivered", logx.String("cycle", b.CycleID), logx.Int("items", res.Items), logx.Int("attempts", attempts))
	return res, nil
}

// Alert sends a short failure notice for run.
func (d *Dispatcher) Alert(ctx context.Context, run model.CycleRun) error {
	cfg := d.Config()
	m := RenderAlert(run, d.now(), cfg)
	attempts, err := d.deliver(ctx, cfg, m)
	d.record(run.ID, Result{Subject: m.Subject, Attempts: attempts}, err)
	return err
}

// Test sends a configuration check message.
func (d *Dispatcher) Test(ctx context.Context) error {
	cfg := d.Config()
	m := RenderTest(d.now(), cfg)
	_, err := d.deliver(ctx, cfg, m)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, m Mail) (int, error) {
	if cfg.Recipient == "" {
		return 0, model.NewPermanent(ErrNoRecipient)
	}
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if werr := lim.Wait(ctx); werr != nil {
			return attempts, model.NewTransient(werr)
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = d.tr.Send(callCtx, cfg.Recipient, m)
		cancel()
		if err == nil {
			return attempts, nil
		}
		if model.IsPermanent(err) {
			break
		}
		d.log.Debug("send attempt failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(cfg.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempts, model.NewTransient(fmt.Errorf("%w (after %v)", ctx.Err(), err))
		}
	}
	var de *model.DispatchError
	if errors.As(err, &de) {
		return attempts, err
	}
	return attempts, model.NewTransient(err)
}

func (d *Dispatcher) record(cycleID string, res Result, err error) {
	item := HistoryItem{At: d.now(), Subject: res.Subject, Items: res.Items, Attempts: res.Attempts}
	ev := NotificationEvent{Transport: d.tr.Name(), CycleID: cycleID, Subject: res.Subject, Items: res.Items, Attempts: res.Attempts, At: item.At}
	typ := "notifier.sent"
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		typ = "notifier.failed"
	}
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > 100 {
		d.history = d.history[len(d.history)-100:]
	}
	d.hmu.Unlock()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: item.At, Data: ev})
	}
}

func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}
