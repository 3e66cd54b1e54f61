package storage

import (
	"context"
	"errors"
	"time"

	"tgdigest/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free file backend (snapshot + journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Checkpoint is the commit point of a cycle. Notified records and cursor
// advances are applied together or not at all.
type Checkpoint struct {
	Notified []model.NotifiedRecord
	Cursors  []model.Cursor
}

func (c Checkpoint) Empty() bool { return len(c.Notified) == 0 && len(c.Cursors) == 0 }

type DedupStore interface {
	HasNotified(ctx context.Context, id model.Identity) (bool, error)
	// NotifiedAmong returns the subset of ids that already have a record.
	NotifiedAmong(ctx context.Context, ids []model.Identity) (map[model.Identity]bool, error)
	Commit(ctx context.Context, cp Checkpoint) error
	PruneNotified(ctx context.Context, before time.Time) (int, error)
	CountNotified(ctx context.Context) (int, error)
}

type CursorStore interface {
	Cursors(ctx context.Context) (map[string]model.Cursor, error)
}

type BackoffStore interface {
	Backoff(ctx context.Context) (map[model.Domain]model.BackoffState, error)
	SaveBackoff(ctx context.Context, states []model.BackoffState) error
}

type RunLog interface {
	AppendRun(ctx context.Context, run model.CycleRun) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]model.CycleRun, error)
	PruneRuns(ctx context.Context, keep int) (int, error)
}

type ScheduleStore interface {
	LastSlot(ctx context.Context) (time.Time, error)
	SaveSlot(ctx context.Context, slot time.Time) error
}

// InboxStore buffers channel posts pushed by the Telegram bot until the next
// cycle reads them.
type InboxStore interface {
	AppendInbox(ctx context.Context, msgs ...model.Message) error
	InboxSince(ctx context.Context, channelID string, afterID int64, since time.Time, limit int) ([]model.Message, error)
	PruneInbox(ctx context.Context, before time.Time) (int, error)
}

// Store is the persistence API used by the pipeline.
type Store interface {
	DedupStore
	CursorStore
	BackoffStore
	RunLog
	ScheduleStore
	InboxStore
	Close() error
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
