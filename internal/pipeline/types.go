package pipeline

import (
	"context"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
	"tgdigest/internal/schedule"
	"tgdigest/internal/task/scheduler"
)

// Snapshot is the read-only configuration a cycle runs against. The
// coordinator takes exactly one per cycle.
type Snapshot struct {
	Channels  []model.ChannelConfig
	Tags      []model.InterestTag
	Schedule  schedule.Params
	Backoff   schedule.Backoff
	Recipient string

	Concurrency  int           // parallel channel fetches; default 4
	FetchTimeout time.Duration // per channel; default 60s

	DedupRetention time.Duration // default 30 days
	RunLogKeep     int           // default 500
	PruneEvery     time.Duration // default 1h

	AlertOnFailure bool
}

// ConfigProvider returns the current snapshot. An invalid configuration is
// reported as *model.ConfigError.
type ConfigProvider interface {
	Snapshot() (Snapshot, error)
}

// ConfigFunc adapts a function to ConfigProvider.
type ConfigFunc func() (Snapshot, error)

func (f ConfigFunc) Snapshot() (Snapshot, error) { return f() }

// Notifier is the dispatch side of a cycle.
type Notifier interface {
	Send(ctx context.Context, b notifier.Batch) (notifier.Result, error)
	Alert(ctx context.Context, run model.CycleRun) error
	MaxItems() int
}

// StatusSink receives cycle outcomes for presentation.
type StatusSink interface {
	RunFinished(run model.CycleRun)
	BackoffChanged(states map[model.Domain]model.BackoffState)
	ConfigInvalid(err error)
}

// InboxPruner drops buffered posts older than a cutoff.
type InboxPruner interface {
	PruneInbox(ctx context.Context, before time.Time) (int, error)
}

// Reconciler re-evaluates the schedule; the trigger loop implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, now time.Time, trigger model.Trigger) scheduler.Decision
}

type nopSink struct{}

func (nopSink) RunFinished(model.CycleRun)                         {}
func (nopSink) BackoffChanged(map[model.Domain]model.BackoffState) {}
func (nopSink) ConfigInvalid(error)                                {}
