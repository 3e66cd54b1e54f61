package schedule

import (
	"time"

	"tgdigest/internal/model"
)

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 6 * time.Hour
)

// Backoff computes cycle-level retry delays: Base doubled per consecutive
// failure, capped at Max. No jitter, so the result is reproducible.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait after the n-th consecutive failure (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Fail records one more failure for st at now.
func (b Backoff) Fail(st model.BackoffState, now time.Time) model.BackoffState {
	st.ConsecutiveFailures++
	st.NextRetryNotBefore = now.Add(b.Delay(st.ConsecutiveFailures))
	return st
}

// Reset clears the counter of a domain.
func Reset(d model.Domain) model.BackoffState {
	return model.BackoffState{Domain: d}
}

// Apply advances the backoff map for one finished cycle: every domain in
// failed gets one more failure. On a fully successful cycle (failed empty)
// every domain resets. Domains that did not fail keep their state otherwise.
// The returned slice holds only the states that changed.
func (b Backoff) Apply(cur map[model.Domain]model.BackoffState, failed []model.Domain, now time.Time) (map[model.Domain]model.BackoffState, []model.BackoffState) {
	next := make(map[model.Domain]model.BackoffState, len(model.Domains))
	for _, d := range model.Domains {
		st, ok := cur[d]
		if !ok {
			st = Reset(d)
		}
		st.Domain = d
		next[d] = st
	}

	var changed []model.BackoffState
	if len(failed) == 0 {
		for _, d := range model.Domains {
			if next[d].Active() || !next[d].NextRetryNotBefore.IsZero() {
				next[d] = Reset(d)
				changed = append(changed, next[d])
			}
		}
		return next, changed
	}
	seen := map[model.Domain]bool{}
	for _, d := range failed {
		if seen[d] {
			continue
		}
		seen[d] = true
		next[d] = b.Fail(next[d], now)
		changed = append(changed, next[d])
	}
	return next, changed
}
