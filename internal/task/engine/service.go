// Package engine is the single-flight gate every cycle passes through.
//
// One worker drains a bounded queue, so two cycles never overlap. Callers
// choose per submit whether to queue, to be dropped while anything is
// pending, or to attach to an already queued task.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tgdigest/internal/eventbus"
	rtsup "tgdigest/internal/runtime/supervisor"
	logx "tgdigest/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	joinable map[string]*Ticket
	running  string

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	gate RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped        uint64
	droppedOverlap uint64
	droppedStale   uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	ticket     *Ticket
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      withDefaults(cfg),
		log:      log.With(logx.String("comp", "engine")),
		bus:      bus,
		joinable: map[string]*Ticket{},
	}
}

func withDefaults(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates timeouts and history bounds. Queue size changes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		s.worker(c, stopCh, queue)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("cycle engine started", logx.Int("queue", cap(queue)))
}

// Stop cancels the running task, fails queued tickets with ErrStopped and
// waits for the worker until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.running = ""
		s.joinable = map[string]*Ticket{}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("cycle engine stopped")
	case <-ctx.Done():
		s.log.Warn("cycle engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.gate.release()
			qt.ticket.finish(nil, ErrStopped)
		default:
			return
		}
	}
}

// Submit enqueues t without blocking and returns its ticket.
func (s *Service) Submit(t Task) (*Ticket, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return nil, fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg

	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if s.q == nil || s.stopCh == nil {
		return nil, ErrStopped
	}
	if s.stopDone != nil {
		return nil, ErrStopping
	}

	switch t.Overlap {
	case OverlapSkipIfBusy:
		if !s.gate.tryAcquire() {
			atomic.AddUint64(&s.dropped, 1)
			atomic.AddUint64(&s.droppedOverlap, 1)
			s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return nil, ErrOverlapSkip
		}
	case OverlapJoin:
		if tk := s.joinable[t.JoinKey]; tk != nil {
			s.log.Debug("task joined queued run", logx.String("task", t.Name), logx.String("id", tk.ID))
			return tk.join(), nil
		}
		s.gate.acquire()
	default:
		s.gate.acquire()
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	tk := newTicket(t.ID, t.Name)
	qt := queuedTask{task: t, ticket: tk, enqueuedAt: now, timeout: timeout}

	select {
	case s.q <- qt:
	default:
		s.gate.release()
		s.onQueueFullDropped(now, t)
		return nil, ErrQueueFull
	}
	if t.Overlap == OverlapJoin {
		s.joinable[t.JoinKey] = tk
	}
	return tk, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.running
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		QueueLen:       ql,
		QueueCap:       qc,
		Pending:        s.gate.Pending(),
		Dropped:        atomic.LoadUint64(&s.dropped),
		DroppedOverlap: atomic.LoadUint64(&s.droppedOverlap),
		DroppedStale:   atomic.LoadUint64(&s.droppedStale),
		History:        h,
	}
}

// Busy reports whether a task is running or queued.
func (s *Service) Busy() bool { return s.gate.Pending() > 0 }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.mu.Lock()
			if s.joinable[qt.task.JoinKey] == qt.ticket {
				delete(s.joinable, qt.task.JoinKey)
			}
			s.running = qt.task.Name
			s.mu.Unlock()

			s.execOne(ctx, qt)

			s.mu.Lock()
			s.running = ""
			s.mu.Unlock()
			s.gate.release()
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		atomic.AddUint64(&s.dropped, 1)
		atomic.AddUint64(&s.droppedStale, 1)
		s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		qt.ticket.finish(nil, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		val, err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish("task.failed", ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish("task.finished", ev)
	}
	s.record(cfg, item)
	qt.ticket.finish(val, err)
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("cyc-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task) {
	atomic.AddUint64(&s.dropped, 1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.String("id", t.ID))
	}
}
