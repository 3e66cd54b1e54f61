package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/schedule"
	"tgdigest/internal/task/engine"
	logx "tgdigest/pkg/logx"
)

type fakeTarget struct {
	mu       sync.Mutex
	params   schedule.Params
	state    schedule.State
	stateErr error
	fireErr  error
	fires    []model.Trigger
	slots    []time.Time
}

func (f *fakeTarget) ScheduleState(context.Context) (schedule.Params, schedule.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params, f.state, f.stateErr
}

func (f *fakeTarget) Fire(_ context.Context, trig model.Trigger, slot time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fireErr != nil {
		return f.fireErr
	}
	f.fires = append(f.fires, trig)
	f.slots = append(f.slots, slot)
	return nil
}

func compiled(t *testing.T, p schedule.Params) schedule.Params {
	t.Helper()
	out, err := p.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return out
}

func TestReconcileFiresWhenDue(t *testing.T) {
	t.Parallel()
	tgt := &fakeTarget{params: compiled(t, schedule.Params{Mode: schedule.ModeInterval, Interval: time.Hour})}
	s := New(Config{Enabled: true}, tgt, logx.Nop(), nil)

	d := s.Reconcile(context.Background(), time.Now(), model.TriggerSchedule)
	if !d.Fired || len(tgt.fires) != 1 || tgt.fires[0] != model.TriggerSchedule {
		t.Fatalf("decision = %+v fires = %v", d, tgt.fires)
	}
}

func TestReconcileCoalescesWhenBusy(t *testing.T) {
	t.Parallel()
	tgt := &fakeTarget{
		params:  compiled(t, schedule.Params{Mode: schedule.ModeInterval, Interval: time.Hour}),
		fireErr: engine.ErrOverlapSkip,
	}
	s := New(Config{Enabled: true}, tgt, logx.Nop(), nil)
	d := s.Reconcile(context.Background(), time.Now(), model.TriggerWake)
	if d.Fired || !d.Skipped || d.Err != "" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestReconcileNotDueArmsTimer(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tgt := &fakeTarget{
		params: compiled(t, schedule.Params{Mode: schedule.ModeInterval, Interval: time.Hour}),
		state:  schedule.State{LastRun: model.CycleRun{StartedAt: now.Add(-time.Minute), EndedAt: now}},
	}
	s := New(Config{Enabled: true}, tgt, logx.Nop(), nil)
	d := s.Reconcile(context.Background(), now, model.TriggerSchedule)
	if d.Fired || !d.Next.Equal(now.Add(time.Hour)) {
		t.Fatalf("decision = %+v", d)
	}
	snap := s.Snapshot()
	if !snap.NextFire.Equal(now.Add(time.Hour)) {
		t.Fatalf("NextFire = %v", snap.NextFire)
	}
	s.tmu.Lock()
	armed := s.timer != nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.tmu.Unlock()
	if !armed {
		t.Fatalf("timer not armed")
	}
}

func TestReconcileFixedTimePassesSlot(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 6, 8, 5, 0, 0, time.UTC)
	tgt := &fakeTarget{params: compiled(t, schedule.Params{Mode: schedule.ModeFixedTime, Times: []string{"08:00"}, Location: time.UTC})}
	s := New(Config{Enabled: true}, tgt, logx.Nop(), nil)
	d := s.Reconcile(context.Background(), now, model.TriggerSchedule)
	want := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	if !d.Fired || !d.Slot.Equal(want) || !tgt.slots[0].Equal(want) {
		t.Fatalf("decision = %+v slots = %v", d, tgt.slots)
	}
}

func TestReconcileStateError(t *testing.T) {
	t.Parallel()
	tgt := &fakeTarget{stateErr: errors.New("disk gone")}
	s := New(Config{Enabled: true}, tgt, logx.Nop(), nil)
	d := s.Reconcile(context.Background(), time.Now(), model.TriggerSchedule)
	if d.Err == "" || d.Fired || len(tgt.fires) != 0 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDetectJumpIgnoresSteadyClock(t *testing.T) {
	t.Parallel()
	s := New(Config{CheckEvery: time.Second}, &fakeTarget{}, logx.Nop(), nil)
	now := time.Now()
	if s.detectJump(now) {
		t.Fatalf("first tick cannot be a jump")
	}
	if s.detectJump(now.Add(time.Second)) {
		t.Fatalf("steady clock reported as jump")
	}
	if s.Snapshot().Jumps != 0 {
		t.Fatalf("jumps counted")
	}
}
