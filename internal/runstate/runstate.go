// Package runstate is the persistence facade for cycle metadata: the run
// log, per-channel cursors, backoff counters and the last fired slot.
package runstate

import (
	"context"
	"sync"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/schedule"
	"tgdigest/internal/storage"
	logx "tgdigest/pkg/logx"
)

// DefaultRunLogKeep bounds the cycle run log.
const DefaultRunLogKeep = 500

type Store interface {
	storage.CursorStore
	storage.BackoffStore
	storage.RunLog
	storage.ScheduleStore
}

// Manager serializes access to the run state. Load sees either all or none
// of a concurrent save.
type Manager struct {
	st  Store
	log logx.Logger

	mu sync.RWMutex
}

func New(st Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{st: st, log: log.With(logx.String("comp", "runstate"))}
}

// Snapshot is the run state read at the start of a cycle or a schedule
// decision.
type Snapshot struct {
	LastRun  model.CycleRun
	LastSlot time.Time
	Cursors  map[string]model.Cursor
	Backoff  map[model.Domain]model.BackoffState
}

// Schedule returns the part of the snapshot the schedule policy consumes.
func (s Snapshot) Schedule() schedule.State {
	return schedule.State{LastRun: s.LastRun, LastSlot: s.LastSlot, Backoff: s.Backoff}
}

func (m *Manager) Load(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snap Snapshot
	runs, err := m.st.RecentRuns(ctx, 1)
	if err != nil {
		return snap, err
	}
	if len(runs) > 0 {
		snap.LastRun = runs[0]
	}
	if snap.LastSlot, err = m.st.LastSlot(ctx); err != nil {
		return snap, err
	}
	if snap.Cursors, err = m.st.Cursors(ctx); err != nil {
		return snap, err
	}
	if snap.Backoff, err = m.st.Backoff(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// Finish records the outcome of one cycle: the run itself, the backoff
// states that changed and, for a fixed-time fire, the consumed slot.
func (m *Manager) Finish(ctx context.Context, run model.CycleRun, backoff []model.BackoffState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.st.AppendRun(ctx, run); err != nil {
		return err
	}
	if !run.Slot.IsZero() {
		if err := m.st.SaveSlot(ctx, run.Slot); err != nil {
			return err
		}
	}
	if len(backoff) > 0 {
		if err := m.st.SaveBackoff(ctx, backoff); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) SaveSlot(ctx context.Context, slot time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSlot(ctx, slot)
}

func (m *Manager) RecentRuns(ctx context.Context, limit int) ([]model.CycleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.RecentRuns(ctx, limit)
}

// PruneRuns keeps the newest keep entries. A non-positive keep uses
// DefaultRunLogKeep.
func (m *Manager) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultRunLogKeep
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.st.PruneRuns(ctx, keep)
	if err == nil && n > 0 {
		m.log.Info("run log pruned", logx.Int("count", n), logx.Int("keep", keep))
	}
	return n, err
}
