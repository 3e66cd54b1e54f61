package scheduler

import (
	"context"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/schedule"
)

// Config controls the trigger loop.
type Config struct {
	Enabled bool

	// CheckEvery is the periodic reconcile interval.
	CheckEvery time.Duration

	// JumpThreshold is how far wall-clock and monotonic elapsed time may
	// diverge between checks before the gap is treated as a suspend or a
	// clock change. 0 means 2*CheckEvery.
	JumpThreshold time.Duration
}

// Target supplies decision inputs and accepts fires.
type Target interface {
	ScheduleState(ctx context.Context) (schedule.Params, schedule.State, error)

	// Fire submits a scheduled cycle without waiting for it. It returns
	// engine.ErrOverlapSkip when another cycle is active or queued.
	Fire(ctx context.Context, trigger model.Trigger, slot time.Time) error
}

// Decision is the outcome of one reconcile.
type Decision struct {
	At      time.Time
	Trigger model.Trigger
	Fired   bool
	Skipped bool // due, but coalesced into an active cycle
	Slot    time.Time
	Next    time.Time
	Err     string
}

type Snapshot struct {
	Enabled    bool
	CheckEvery time.Duration
	NextFire   time.Time
	Last       Decision
	Jumps      uint64
}
