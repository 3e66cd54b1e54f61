// Package pipeline runs digest cycles: fetch every enabled channel, filter
// by interest tags, drop what was already notified, dispatch one digest
// and commit the notified set together with the cursor advances.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tgdigest/internal/dedup"
	"tgdigest/internal/filter"
	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
	"tgdigest/internal/reader"
	"tgdigest/internal/runstate"
	"tgdigest/internal/schedule"
	"tgdigest/internal/task/engine"
	logx "tgdigest/pkg/logx"
)

const (
	defaultConcurrency  = 4
	defaultFetchTimeout = 60 * time.Second
	defaultPruneEvery   = time.Hour
	persistTimeout      = 10 * time.Second
	maxSummaryErrors    = 8

	// SummaryCanceled marks a cycle interrupted by shutdown.
	SummaryCanceled = "canceled"
)

type Deps struct {
	Config ConfigProvider
	Reader reader.Reader
	Dedup  *dedup.Store
	State  *runstate.Manager
	Notify Notifier
	// Engine serializes cycles. Without it RunNow runs inline.
	Engine *engine.Service
	Status StatusSink
	Inbox  InboxPruner
	Log    logx.Logger
	Now    func() time.Time
}

type Coordinator struct {
	cfg    ConfigProvider
	reader reader.Reader
	dedup  *dedup.Store
	state  *runstate.Manager
	notify Notifier
	engine *engine.Service
	sink   StatusSink
	inbox  InboxPruner
	log    logx.Logger
	now    func() time.Time
	newID  func() string

	cycleMu sync.Mutex
	// backoff as last loaded or written; nil until the first Load.
	lastBackoff map[model.Domain]model.BackoffState

	pmu       sync.Mutex
	lastPrune time.Time

	rmu        sync.Mutex
	reconciler Reconciler
}

func New(d Deps) *Coordinator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Status == nil {
		d.Status = nopSink{}
	}
	return &Coordinator{
		cfg:    d.Config,
		reader: d.Reader,
		dedup:  d.Dedup,
		state:  d.State,
		notify: d.Notify,
		engine: d.Engine,
		sink:   d.Status,
		inbox:  d.Inbox,
		log:    d.Log.With(logx.String("comp", "pipeline")),
		now:    d.Now,
		newID:  uuid.NewString,
	}
}

// SetReconciler wires the schedule loop used by OnWake.
func (c *Coordinator) SetReconciler(r Reconciler) {
	c.rmu.Lock()
	c.reconciler = r
	c.rmu.Unlock()
}

// snapshot takes and validates the configuration of one cycle.
func (c *Coordinator) snapshot() (Snapshot, *filter.Set, error) {
	snap, err := c.cfg.Snapshot()
	if err != nil {
		var ce *model.ConfigError
		if !errors.As(err, &ce) {
			err = &model.ConfigError{Err: err}
		}
		return snap, nil, err
	}
	if strings.TrimSpace(snap.Recipient) == "" {
		return snap, nil, model.ConfigErrorf("recipient", "no recipient configured")
	}
	set, err := filter.Compile(snap.Tags)
	if err != nil {
		return snap, nil, &model.ConfigError{Field: "tags", Err: err}
	}
	if snap.Schedule, err = snap.Schedule.Compile(); err != nil {
		return snap, nil, &model.ConfigError{Field: "schedule", Err: err}
	}
	if snap.Concurrency <= 0 {
		snap.Concurrency = defaultConcurrency
	}
	if snap.FetchTimeout <= 0 {
		snap.FetchTimeout = defaultFetchTimeout
	}
	if snap.PruneEvery <= 0 {
		snap.PruneEvery = defaultPruneEvery
	}
	return snap, set, nil
}

// fetched is the read result of one channel.
type fetched struct {
	ch    model.ChannelConfig
	cur   model.Cursor
	isNew bool
	msgs  []model.Message
	// examined holds every fetched id above the cursor, including posts
	// older than the baseline that were dropped.
	examined []int64
	err      error
}

// outcome collects what went wrong in a cycle.
type outcome struct {
	fetchErrs   []error
	allFailed   bool
	dispatchErr error
	storageErr  error
	canceled    bool
}

// RunCycle executes one cycle and records its CycleRun. Component failures
// become the run's status; the only error returned is a *model.ConfigError,
// in which case nothing is persisted.
func (c *Coordinator) RunCycle(ctx context.Context, trigger model.Trigger, slot time.Time) (model.CycleRun, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	snap, set, err := c.snapshot()
	if err != nil {
		c.sink.ConfigInvalid(err)
		return model.CycleRun{}, err
	}

	run := model.CycleRun{ID: c.newID(), Trigger: trigger, Slot: slot, StartedAt: c.now()}
	log := c.log.With(logx.String("run", run.ID), logx.String("trigger", string(trigger)))
	log.Debug("cycle started")

	st, err := c.state.Load(ctx)
	if err != nil {
		return c.finish(ctx, snap, run, c.lastBackoff, outcome{storageErr: err, canceled: ctx.Err() != nil}), nil
	}
	c.lastBackoff = st.Backoff
	if c.lastBackoff == nil {
		c.lastBackoff = map[model.Domain]model.BackoffState{}
	}

	var channels []model.ChannelConfig
	for _, ch := range snap.Channels {
		if ch.Enabled {
			channels = append(channels, ch)
		}
	}
	run.ChannelsProcessed = len(channels)

	results := c.fetchAll(ctx, snap, channels, st.Cursors, run.StartedAt)
	var out outcome
	if ctx.Err() != nil {
		out.canceled = true
		return c.finish(ctx, snap, run, st.Backoff, out), nil
	}
	for _, r := range results {
		if r.err != nil {
			run.ChannelsFailed++
			out.fetchErrs = append(out.fetchErrs, r.err)
			log.Warn("channel fetch failed", logx.String("channel", r.ch.ID), logx.Err(r.err))
		}
	}
	out.allFailed = len(channels) > 0 && run.ChannelsFailed == len(channels)

	var matched []notifier.Item
	for _, r := range results {
		if r.err != nil {
			continue
		}
		for _, m := range r.msgs {
			tags := set.Matched(m)
			if !set.Empty() && len(tags) == 0 {
				continue
			}
			matched = append(matched, notifier.Item{Message: m, Channel: r.ch.Name(), Tags: tags})
		}
	}
	run.MessagesMatched = len(matched)

	pending, err := c.unseen(ctx, matched)
	if err != nil {
		out.storageErr = err
		out.canceled = ctx.Err() != nil
		return c.finish(ctx, snap, run, st.Backoff, out), nil
	}

	// Matches beyond the digest cap stay pending: their channel's cursor
	// stops below the first one held back.
	held := map[string]int64{}
	if limit := c.notify.MaxItems(); limit > 0 && len(pending) > limit {
		for _, it := range pending[limit:] {
			lowestID(held, it.Message.ChannelID, it.Message.MessageID)
		}
		log.Info("digest capped", logx.Int("pending", len(pending)), logx.Int("max_items", limit))
		pending = pending[:limit]
	}

	dispatched := false
	if len(pending) > 0 {
		_, err := c.notify.Send(ctx, notifier.Batch{CycleID: run.ID, Recipient: snap.Recipient, Items: pending})
		switch {
		case err == nil:
			dispatched = true
		case ctx.Err() != nil:
			out.canceled = true
			return c.finish(ctx, snap, run, st.Backoff, out), nil
		default:
			out.dispatchErr = err
			for _, it := range pending {
				lowestID(held, it.Message.ChannelID, it.Message.MessageID)
			}
		}
	}

	commitCtx := ctx
	if dispatched {
		// The digest is out; its records must land even during shutdown.
		commitCtx = context.WithoutCancel(ctx)
	} else if ctx.Err() != nil {
		out.canceled = true
		return c.finish(ctx, snap, run, st.Backoff, out), nil
	}
	var ids []model.Identity
	if dispatched {
		ids = notifier.Batch{Items: pending}.Identities()
		run.MessagesNotified = len(pending)
	}
	if err := c.dedup.RecordBatch(commitCtx, ids, advances(results, held)...); err != nil {
		out.storageErr = err
		log.Error("checkpoint failed", logx.Int("notified", len(ids)), logx.Err(err))
	}
	return c.finish(ctx, snap, run, st.Backoff, out), nil
}

func (c *Coordinator) fetchAll(ctx context.Context, snap Snapshot, channels []model.ChannelConfig, cursors map[string]model.Cursor, now time.Time) []fetched {
	out := make([]fetched, len(channels))
	var g errgroup.Group
	g.SetLimit(snap.Concurrency)
	for i, ch := range channels {
		cur, ok := cursors[ch.ID]
		if !ok {
			// First sight of a channel: only messages from now on.
			cur = model.Cursor{ChannelID: ch.ID, Since: now}
		}
		out[i] = fetched{ch: ch, cur: cur, isNew: !ok}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, snap.FetchTimeout)
			defer cancel()
			msgs, err := c.reader.FetchSince(fctx, ch, cur)
			if err != nil {
				var fe *model.FetchError
				if !errors.As(err, &fe) {
					err = &model.FetchError{Channel: ch.ID, Temporary: true, Err: err}
				}
				out[i].err = err
				return nil
			}
			for _, m := range msgs {
				if m.MessageID > cur.LastSeenID {
					out[i].examined = append(out[i].examined, m.MessageID)
				}
			}
			if !out[i].isNew {
				out[i].msgs = reader.Normalize(msgs, ch.ID, cur)
			}
			// The first fetch of a channel is all history, dated or not:
			// it only sets the baseline.
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Coordinator) unseen(ctx context.Context, matched []notifier.Item) ([]notifier.Item, error) {
	if len(matched) == 0 {
		return nil, nil
	}
	fresh, err := c.dedup.Unseen(ctx, notifier.Batch{Items: matched}.Identities())
	if err != nil {
		return nil, err
	}
	keep := make(map[model.Identity]bool, len(fresh))
	for _, id := range fresh {
		keep[id] = true
	}
	out := make([]notifier.Item, 0, len(fresh))
	for _, it := range matched {
		if keep[it.Message.Identity()] {
			out = append(out, it)
		}
	}
	return out, nil
}

func lowestID(m map[string]int64, ch string, id int64) {
	if cur, ok := m[ch]; !ok || id < cur {
		m[ch] = id
	}
}

// advances computes the cursor of every fetched channel: the highest
// examined id below the first match that is still pending. New channels
// get their baseline even without messages.
func advances(results []fetched, held map[string]int64) []model.Cursor {
	var out []model.Cursor
	for _, r := range results {
		if r.err != nil {
			continue
		}
		limit := int64(math.MaxInt64)
		if id, ok := held[r.ch.ID]; ok {
			limit = id
		}
		target := r.cur.LastSeenID
		for _, id := range r.examined {
			if id < limit && id > target {
				target = id
			}
		}
		if target > r.cur.LastSeenID || r.isNew {
			out = append(out, model.Cursor{ChannelID: r.ch.ID, LastSeenID: target, Since: r.cur.Since})
		}
	}
	return out
}

// finish classifies the run, updates backoff and persists the outcome.
// prev is nil when the stored backoff was never read; the failure alert
// then goes out once and later failures see the storage domain active.
func (c *Coordinator) finish(ctx context.Context, snap Snapshot, run model.CycleRun, prev map[model.Domain]model.BackoffState, out outcome) model.CycleRun {
	run.EndedAt = c.now()
	var failed []model.Domain
	var errs []string
	add := func(prefix string, err error) {
		if err != nil {
			errs = append(errs, prefix+err.Error())
		}
	}

	switch {
	case out.canceled:
		run.Status = model.StatusFailed
		errs = []string{SummaryCanceled}
	case out.storageErr != nil:
		run.Status = model.StatusFailed
		failed = append(failed, model.DomainStorage)
		add("storage: ", out.storageErr)
	case out.dispatchErr != nil:
		run.Status = model.StatusFailed
		failed = append(failed, model.DomainMail)
		add("dispatch: ", out.dispatchErr)
	case out.allFailed:
		run.Status = model.StatusFailed
	case len(out.fetchErrs) > 0:
		run.Status = model.StatusPartial
	default:
		run.Status = model.StatusSuccess
	}
	if !out.canceled && len(out.fetchErrs) > 0 {
		failed = append(failed, model.DomainNetwork)
		for i, err := range out.fetchErrs {
			if i == maxSummaryErrors {
				errs = append(errs, fmt.Sprintf("(+%d more)", len(out.fetchErrs)-i))
				break
			}
			add("", err)
		}
	}
	run.ErrorSummary = strings.Join(errs, "; ")

	var (
		next    map[model.Domain]model.BackoffState
		changed []model.BackoffState
	)
	if !out.canceled {
		next, changed = snap.Backoff.Apply(prev, failed, run.EndedAt)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.state.Finish(pctx, run, changed); err != nil {
		c.log.Error("run not recorded", logx.String("run", run.ID), logx.Err(err))
	}
	c.sink.RunFinished(run)
	if !out.canceled {
		// Only domains read from storage or written now are reported;
		// the rest of next is a default, not the stored state.
		known := make(map[model.Domain]model.BackoffState, len(next))
		for d := range prev {
			known[d] = next[d]
		}
		for _, b := range changed {
			known[b.Domain] = b
		}
		c.lastBackoff = known
		if len(changed) > 0 {
			c.sink.BackoffChanged(known)
		}
	}

	if run.Status == model.StatusFailed && !out.canceled && snap.AlertOnFailure && !anyActive(prev) {
		if err := c.notify.Alert(pctx, run); err != nil {
			c.log.Warn("failure alert not sent", logx.String("run", run.ID), logx.Err(err))
		}
	}
	if !out.canceled {
		c.maybePrune(pctx, snap)
	}
	return run
}

func anyActive(states map[model.Domain]model.BackoffState) bool {
	for _, st := range states {
		if st.Active() {
			return true
		}
	}
	return false
}

// PruneResult counts what a retention pass removed.
type PruneResult struct {
	Notified int
	Runs     int
	Inbox    int
}

// Prune applies the retention settings: notified records and inbox posts
// older than retention, run log entries beyond keep.
func (c *Coordinator) Prune(ctx context.Context, retention time.Duration, keep int) (PruneResult, error) {
	if retention <= 0 {
		retention = dedup.DefaultRetention
	}
	var res PruneResult
	var err error
	if res.Notified, err = c.dedup.Prune(ctx, retention); err != nil {
		return res, err
	}
	if res.Runs, err = c.state.PruneRuns(ctx, keep); err != nil {
		return res, err
	}
	if c.inbox != nil {
		if res.Inbox, err = c.inbox.PruneInbox(ctx, c.now().Add(-retention)); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Coordinator) maybePrune(ctx context.Context, snap Snapshot) {
	now := c.now()
	c.pmu.Lock()
	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < snap.PruneEvery {
		c.pmu.Unlock()
		return
	}
	c.lastPrune = now
	c.pmu.Unlock()

	if _, err := c.Prune(ctx, snap.DedupRetention, snap.RunLogKeep); err != nil {
		c.log.Warn("prune failed", logx.Err(err))
	}
}

// ScheduleState returns the schedule params of the current configuration
// and the persisted state the policy decides on.
func (c *Coordinator) ScheduleState(ctx context.Context) (schedule.Params, schedule.State, error) {
	snap, _, err := c.snapshot()
	if err != nil {
		return schedule.Params{}, schedule.State{}, err
	}
	st, err := c.state.Load(ctx)
	if err != nil {
		return snap.Schedule, schedule.State{}, err
	}
	return snap.Schedule, st.Schedule(), nil
}

// Fire submits a scheduled cycle. It is coalesced (engine.ErrOverlapSkip)
// when a cycle is already active or queued.
func (c *Coordinator) Fire(_ context.Context, trigger model.Trigger, slot time.Time) error {
	if c.engine == nil {
		return engine.ErrStopped
	}
	_, err := c.engine.Submit(engine.Task{
		Name:    "cycle." + string(trigger),
		Overlap: engine.OverlapSkipIfBusy,
		Run: func(ctx context.Context) (any, error) {
			return c.RunCycle(ctx, trigger, slot)
		},
	})
	return err
}

// RunNow runs a manual cycle and waits for it. It queues behind an active
// cycle and joins a manual request that is already queued. Backoff does
// not apply.
func (c *Coordinator) RunNow(ctx context.Context) (model.CycleRun, error) {
	if c.engine == nil {
		return c.RunCycle(ctx, model.TriggerManual, time.Time{})
	}
	tk, err := c.engine.Submit(engine.Task{
		Name:    "cycle.manual",
		Overlap: engine.OverlapJoin,
		JoinKey: "manual",
		Run: func(ctx context.Context) (any, error) {
			return c.RunCycle(ctx, model.TriggerManual, time.Time{})
		},
	})
	if err != nil {
		return model.CycleRun{}, err
	}
	v, err := tk.Wait(ctx)
	run, _ := v.(model.CycleRun)
	return run, err
}

// OnWake re-evaluates the schedule after the host resumed.
func (c *Coordinator) OnWake(ctx context.Context) {
	c.rmu.Lock()
	r := c.reconciler
	c.rmu.Unlock()
	c.log.Info("wake")
	if r != nil {
		r.Reconcile(ctx, c.now(), model.TriggerWake)
	}
}

// OnShutdown cancels the active cycle and waits for it to unwind. Queued
// cycles fail with engine.ErrStopped.
func (c *Coordinator) OnShutdown(ctx context.Context) {
	c.log.Info("shutdown")
	if c.engine != nil {
		c.engine.Stop(ctx)
	}
}
