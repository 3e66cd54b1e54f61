package engine

import "errors"

var (
	ErrDisabled    = errors.New("cycle engine disabled")
	ErrStopped     = errors.New("cycle engine stopped")
	ErrStopping    = errors.New("cycle engine stopping")
	ErrQueueFull   = errors.New("cycle engine queue full")
	ErrOverlapSkip = errors.New("cycle skipped: another cycle is active or queued")
	ErrStale       = errors.New("cycle dropped: queued too long")
)
