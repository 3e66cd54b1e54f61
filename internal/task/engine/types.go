package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the single-flight cycle executor.
type Config struct {
	Enabled   bool
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	// OverlapQueue runs the task after whatever is active or queued.
	OverlapQueue OverlapPolicy = iota
	// OverlapSkipIfBusy drops the task when anything is active or queued.
	OverlapSkipIfBusy
	// OverlapJoin attaches to a queued, not yet started task with the same
	// JoinKey instead of queueing a second one.
	OverlapJoin
)

// Task is a unit of work executed by the engine. Only one task runs at a time.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Overlap OverlapPolicy
	JoinKey string
	Run     func(ctx context.Context) (any, error)
}

// Ticket tracks one submitted task. Joined submitters share the result of
// the task they attached to.
type Ticket struct {
	ID     string
	Name   string
	joined bool
	r      *result
}

type result struct {
	done chan struct{}
	val  any
	err  error
}

func newTicket(id, name string) *Ticket {
	return &Ticket{ID: id, Name: name, r: &result{done: make(chan struct{})}}
}

func (t *Ticket) join() *Ticket {
	return &Ticket{ID: t.ID, Name: t.Name, joined: true, r: t.r}
}

func (t *Ticket) finish(val any, err error) {
	t.r.val, t.r.err = val, err
	close(t.r.done)
}

// Joined reports whether this submit attached to an already queued task.
func (t *Ticket) Joined() bool { return t.joined }

func (t *Ticket) Done() <-chan struct{} { return t.r.done }

// Wait blocks until the task finished or ctx is done. The task keeps running
// when ctx ends first.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.r.done:
		return t.r.val, t.r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunState counts tasks that are queued or running.
type RunState struct {
	mu      sync.Mutex
	pending int
}

// tryAcquire takes a slot only when nothing is pending.
func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		return false
	}
	s.pending++
	return true
}

func (s *RunState) acquire() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
}

func (s *RunState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  string
	QueueLen int
	QueueCap int
	Pending  int

	Dropped        uint64
	DroppedOverlap uint64
	DroppedStale   uint64

	History []HistoryItem
}
