package schedule

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
)

func mustCompile(t *testing.T, p Params) Params {
	t.Helper()
	out, err := p.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return out
}

func TestIntervalBoundary(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeInterval, Interval: 15 * time.Minute})
	end := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st := State{LastRun: model.CycleRun{StartedAt: end.Add(-time.Minute), EndedAt: end}}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before", end.Add(15*time.Minute - time.Nanosecond), false},
		{"exact", end.Add(15 * time.Minute), true},
		{"long suspend", end.Add(5 * time.Hour), true},
		{"clock moved back", end.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldFireNow(tt.now, p, st); got != tt.want {
				t.Fatalf("ShouldFireNow(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
	if got := NextFireTime(end, p, st); !got.Equal(end.Add(15 * time.Minute)) {
		t.Fatalf("NextFireTime = %v", got)
	}
}

func TestIntervalFirstRunFiresImmediately(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeInterval, Interval: time.Hour})
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	if !ShouldFireNow(now, p, State{}) {
		t.Fatalf("a process that never ran should fire")
	}
}

func TestIntervalCoalescesMissedTicks(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeInterval, Interval: 10 * time.Minute})
	end := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	resume := end.Add(3 * time.Hour)
	st := State{LastRun: model.CycleRun{EndedAt: end}}
	if !ShouldFireNow(resume, p, st) {
		t.Fatalf("catch-up cycle expected on resume")
	}
	// The catch-up run ends a minute later; no backlog follows.
	st.LastRun = model.CycleRun{StartedAt: resume, EndedAt: resume.Add(time.Minute)}
	if ShouldFireNow(resume.Add(2*time.Minute), p, st) {
		t.Fatalf("missed ticks must not be replayed")
	}
}

func TestFixedTimeCatchUpOnce(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeFixedTime, Times: []string{"08:00"}, Location: time.UTC})
	day := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	slot := day.Add(8 * time.Hour)
	st := State{LastRun: model.CycleRun{StartedAt: slot.Add(-20 * time.Hour), EndedAt: slot.Add(-20 * time.Hour)}, LastSlot: slot.Add(-24 * time.Hour)}

	now := slot.Add(5 * time.Minute)
	got, ok := DueSlot(now, p, st)
	if !ok || !got.Equal(slot) {
		t.Fatalf("DueSlot = %v, %v; want %v", got, ok, slot)
	}
	if !ShouldFireNow(now, p, st) {
		t.Fatalf("08:05 with no run today should fire")
	}

	st.LastSlot = slot
	st.LastRun = model.CycleRun{StartedAt: now, EndedAt: now.Add(30 * time.Second)}
	if ShouldFireNow(slot.Add(6*time.Minute), p, st) {
		t.Fatalf("08:06 must not fire again")
	}
	if next := NextFireTime(slot.Add(6*time.Minute), p, st); !next.Equal(slot.Add(24 * time.Hour)) {
		t.Fatalf("NextFireTime = %v, want next day 08:00", next)
	}
}

func TestFixedTimeClockBackwardDoesNotRefire(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeFixedTime, Times: []string{"08:00"}, Location: time.UTC})
	slot := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	// The run for the slot is recorded, then the clock jumps back so that the
	// last run appears to be in the future.
	st := State{LastSlot: slot, LastRun: model.CycleRun{StartedAt: slot.Add(time.Minute), EndedAt: slot.Add(2 * time.Minute)}}
	for _, now := range []time.Time{slot, slot.Add(30 * time.Second), slot.Add(-time.Minute)} {
		if ShouldFireNow(now, p, st) {
			t.Fatalf("ShouldFireNow(%v) re-fired the recorded slot", now)
		}
	}
}

func TestFixedTimeRunAfterSlotSuppressesCatchUp(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeFixedTime, Times: []string{"08:00"}, Location: time.UTC})
	slot := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	st := State{LastRun: model.CycleRun{StartedAt: slot.Add(2 * time.Minute), EndedAt: slot.Add(3 * time.Minute)}}
	if ShouldFireNow(slot.Add(10*time.Minute), p, st) {
		t.Fatalf("a run already happened after the slot")
	}
}

func TestFixedTimeMultipleTimesAndWeekdays(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{
		Mode:     ModeFixedTime,
		Times:    []string{"20:00", "08:00"},
		Weekdays: []time.Weekday{time.Monday, time.Wednesday},
		Location: time.UTC,
	})
	mon := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // Monday

	tests := []struct {
		name string
		now  time.Time
		next time.Time
		prev time.Time
	}{
		{"monday morning", mon.Add(7 * time.Hour), mon.Add(8 * time.Hour), mon.Add(-5*24*time.Hour + 20*time.Hour)},
		{"monday noon", mon.Add(12 * time.Hour), mon.Add(20 * time.Hour), mon.Add(8 * time.Hour)},
		{"tuesday", mon.Add(30 * time.Hour), mon.Add(56 * time.Hour), mon.Add(20 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.NextSlot(tt.now); !got.Equal(tt.next) {
				t.Fatalf("NextSlot = %v, want %v", got, tt.next)
			}
			if got := p.PrevSlot(tt.now); !got.Equal(tt.prev) {
				t.Fatalf("PrevSlot = %v, want %v", got, tt.prev)
			}
		})
	}
}

func TestBackoffOnlyDelaysCadence(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeInterval, Interval: 24 * time.Hour})
	end := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	backoff := func(nb time.Time) map[model.Domain]model.BackoffState {
		return map[model.Domain]model.BackoffState{
			model.DomainNetwork: {Domain: model.DomainNetwork, ConsecutiveFailures: 1, NextRetryNotBefore: nb},
		}
	}

	tests := []struct {
		name string
		nb   time.Time
		want time.Time
	}{
		{"retry before cadence", end.Add(30 * time.Second), end.Add(24 * time.Hour)},
		{"retry after cadence", end.Add(30 * time.Hour), end.Add(30 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := State{LastRun: model.CycleRun{EndedAt: end}, Backoff: backoff(tt.nb)}
			if got := NextFireTime(end.Add(time.Minute), p, st); !got.Equal(tt.want) {
				t.Fatalf("NextFireTime = %v, want %v", got, tt.want)
			}
			if ShouldFireNow(tt.want.Add(-time.Second), p, st) {
				t.Fatalf("fired before %v", tt.want)
			}
			if !ShouldFireNow(tt.want, p, st) {
				t.Fatalf("not due at %v", tt.want)
			}
		})
	}
}

func TestBackoffDelaysFixedTimeSlot(t *testing.T) {
	t.Parallel()
	p := mustCompile(t, Params{Mode: ModeFixedTime, Times: []string{"08:00"}, Location: time.UTC})
	slot := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	nb := slot.Add(10 * time.Minute)
	st := State{
		LastRun:  model.CycleRun{StartedAt: slot.Add(-24 * time.Hour), EndedAt: slot.Add(-24 * time.Hour)},
		LastSlot: slot.Add(-24 * time.Hour),
		Backoff: map[model.Domain]model.BackoffState{
			model.DomainMail: {Domain: model.DomainMail, ConsecutiveFailures: 1, NextRetryNotBefore: nb},
		},
	}
	if ShouldFireNow(slot.Add(time.Minute), p, st) {
		t.Fatalf("slot fired during backoff")
	}
	if !ShouldFireNow(nb, p, st) {
		t.Fatalf("slot not due once backoff expired")
	}
	// A retry time before the slot does not pull the fire forward.
	st.Backoff[model.DomainMail] = model.BackoffState{Domain: model.DomainMail, ConsecutiveFailures: 1, NextRetryNotBefore: slot.Add(-time.Hour)}
	if ShouldFireNow(slot.Add(-30*time.Minute), p, st) {
		t.Fatalf("fired before the slot")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Minute, Max: 10 * time.Minute}
	var got []time.Duration
	for n := 0; n <= 6; n++ {
		got = append(got, b.Delay(n))
	}
	want := []time.Duration{0, time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Delay mismatch (-want +got):\n%s", diff)
	}
}

func TestBackoffApply(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Minute, Max: time.Hour}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cur, changed := b.Apply(nil, []model.Domain{model.DomainNetwork, model.DomainNetwork}, now)
	if len(changed) != 1 || cur[model.DomainNetwork].ConsecutiveFailures != 1 {
		t.Fatalf("first failure: cur=%+v changed=%+v", cur, changed)
	}
	cur, _ = b.Apply(cur, []model.Domain{model.DomainNetwork}, now)
	if got := cur[model.DomainNetwork]; got.ConsecutiveFailures != 2 || !got.NextRetryNotBefore.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("second failure = %+v", got)
	}
	if cur[model.DomainMail].Active() {
		t.Fatalf("mail domain should be untouched")
	}

	cur, changed = b.Apply(cur, nil, now)
	if len(changed) != 1 || cur[model.DomainNetwork].Active() {
		t.Fatalf("success should reset: cur=%+v changed=%+v", cur, changed)
	}
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	bad := []Params{
		{Mode: ModeInterval},
		{Mode: ModeFixedTime},
		{Mode: ModeFixedTime, Times: []string{"25:00"}},
		{Mode: "hourly"},
	}
	for _, p := range bad {
		if _, err := p.Compile(); err == nil {
			t.Fatalf("Compile(%+v) should fail", p)
		}
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Weekday{"mon": time.Monday, "Sunday": time.Sunday, " SAT ": time.Saturday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWeekday("mo"); err == nil {
		t.Fatalf("two-letter weekday should be rejected")
	}
}
