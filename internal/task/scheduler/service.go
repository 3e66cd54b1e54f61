package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tgdigest/internal/eventbus"
	"tgdigest/internal/model"
	"tgdigest/internal/schedule"
	"tgdigest/internal/task/engine"
	logx "tgdigest/pkg/logx"
)

const defaultCheckEvery = 30 * time.Second

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	bus    eventbus.Bus
	target Target
	now    func() time.Time

	c       *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	tmu     sync.Mutex
	timer   *time.Timer
	timerAt time.Time

	lastMu   sync.Mutex
	last     Decision
	lastWall time.Time
	lastMono time.Time

	jumps atomic.Uint64
}

func New(cfg Config, target Target, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withDefaults(cfg),
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		target: target,
		now:    time.Now,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCheckEvery
	}
	if cfg.JumpThreshold <= 0 {
		cfg.JumpThreshold = 2 * cfg.CheckEvery
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A changed check interval re-registers the
// periodic check; schedule params are read fresh on every reconcile.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	if c != nil && prev.CheckEvery != cfg.CheckEvery {
		c.Remove(s.entryID)
		if err := s.addCheckLocked(); err != nil {
			s.log.Error("check re-register failed", logx.Err(err))
		}
	}
	s.mu.Unlock()
	if c != nil {
		s.Reconcile(s.ctx, s.now(), model.TriggerSchedule)
	}
}

// Start registers the periodic check, subscribes to finished cycles and
// runs one reconcile immediately so a missed fire is caught up at startup.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(time.Local))
	if err := s.addCheckLocked(); err != nil {
		s.log.Error("check register failed", logx.Err(err))
	}
	s.c.Start()
	s.done = make(chan struct{})
	runCtx, done := s.ctx, s.done
	every := s.cfg.CheckEvery
	s.mu.Unlock()

	var events <-chan eventbus.Event
	unsub := func() {}
	if s.bus != nil {
		events, unsub = s.bus.Subscribe(16)
	}
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == eventbus.TypeCycleFinished {
					s.Reconcile(runCtx, s.now(), model.TriggerSchedule)
				}
			}
		}
	}()

	s.log.Info("service started", logx.Duration("check_every", every))
	s.Reconcile(runCtx, s.now(), model.TriggerSchedule)
}

func (s *Service) addCheckLocked() error {
	id, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.CheckEvery), s.check)
	if err != nil {
		return err
	}
	s.entryID = id
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel, done := s.c, s.cancel, s.done
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.tmu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.tmu.Unlock()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// check is the periodic tick. A gap between wall-clock and monotonic time
// since the previous tick means the host slept or the clock was set; the
// reconcile is then reported as a wake.
func (s *Service) check() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	now := s.now()
	trig := model.TriggerSchedule
	if s.detectJump(now) {
		trig = model.TriggerWake
	}
	s.Reconcile(ctx, now, trig)
}

func (s *Service) detectJump(now time.Time) bool {
	s.mu.Lock()
	threshold := s.cfg.JumpThreshold
	s.mu.Unlock()

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	prevWall, prevMono := s.lastWall, s.lastMono
	s.lastWall, s.lastMono = now.Round(0), now
	if prevMono.IsZero() {
		return false
	}
	wall := now.Round(0).Sub(prevWall)
	mono := now.Sub(prevMono)
	gap := wall - mono
	if gap < 0 {
		gap = -gap
	}
	if gap <= threshold {
		return false
	}
	s.jumps.Add(1)
	s.log.Warn("clock jump detected", logx.Duration("wall", wall), logx.Duration("mono", mono))
	return true
}

// Reconcile evaluates the schedule at now and fires a due cycle. Fires that
// collide with an active cycle are coalesced: the finished event of that
// cycle triggers the next reconcile.
func (s *Service) Reconcile(ctx context.Context, now time.Time, trigger model.Trigger) Decision {
	d := Decision{At: now, Trigger: trigger}
	if ctx == nil {
		ctx = context.Background()
	}
	p, st, err := s.target.ScheduleState(ctx)
	if err != nil {
		d.Err = err.Error()
		s.log.Warn("schedule state unavailable", logx.Err(err))
		s.remember(d)
		return d
	}

	d.Next = schedule.NextFireTime(now, p, st)
	if schedule.ShouldFireNow(now, p, st) {
		slot, _ := schedule.DueSlot(now, p, st)
		err := s.target.Fire(ctx, trigger, slot)
		switch {
		case errors.Is(err, engine.ErrOverlapSkip):
			d.Skipped = true
			s.log.Debug("fire coalesced into active cycle", logx.String("trigger", string(trigger)))
		case err != nil:
			d.Err = err.Error()
			s.log.Warn("fire failed", logx.String("trigger", string(trigger)), logx.Err(err))
		default:
			d.Fired = true
			d.Slot = slot
			s.log.Info("cycle fired", logx.String("trigger", string(trigger)), logx.Time("slot", slot))
		}
	} else {
		s.arm(d.Next, now)
		s.log.Debug("next fire", logx.Time("at", d.Next))
	}
	s.remember(d)
	return d
}

// arm sets a one-shot timer for a fire that falls between periodic checks.
func (s *Service) arm(at, now time.Time) {
	if at.IsZero() || !at.After(now) {
		return
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.timer != nil && s.timerAt.Equal(at) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerAt = at
	s.timer = time.AfterFunc(at.Sub(now), s.check)
}

func (s *Service) remember(d Decision) {
	s.lastMu.Lock()
	s.last = d
	s.lastMu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	s.lastMu.Lock()
	last := s.last
	s.lastMu.Unlock()
	s.tmu.Lock()
	next := s.timerAt
	s.tmu.Unlock()
	if !last.Next.IsZero() {
		next = last.Next
	}
	return Snapshot{
		Enabled:    cfg.Enabled,
		CheckEvery: cfg.CheckEvery,
		NextFire:   next,
		Last:       last,
		Jumps:      s.jumps.Load(),
	}
}
