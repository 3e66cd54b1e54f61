// Package schedule decides when a cycle fires.
//
// Everything here is pure: callers pass the clock, the parameters and the
// persisted state, and get a decision back. Nothing is stored in package
// globals.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tgdigest/internal/model"
)

type Mode string

const (
	ModeInterval  Mode = "interval"
	ModeFixedTime Mode = "fixed_time"
)

// slotLookback bounds the search for the most recent fixed-time slot. A
// weekly restriction needs at most seven days.
const slotLookback = 8 * 24 * time.Hour

// Params are the schedule settings of one configuration snapshot.
type Params struct {
	Mode     Mode
	Interval time.Duration

	// Times are "HH:MM" values; Weekdays restricts them (empty = every day).
	Times    []string
	Weekdays []time.Weekday
	Location *time.Location

	specs []cron.Schedule
}

// State is the persisted input to a decision.
type State struct {
	LastRun  model.CycleRun
	LastSlot time.Time
	Backoff  map[model.Domain]model.BackoffState
}

var timeParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Compile validates the params and prepares fixed-time specs.
func (p Params) Compile() (Params, error) {
	switch p.Mode {
	case ModeInterval:
		if p.Interval <= 0 {
			return p, errors.New("interval must be > 0")
		}
		return p, nil
	case ModeFixedTime:
	default:
		return p, fmt.Errorf("unknown schedule mode %q", p.Mode)
	}

	if len(p.Times) == 0 {
		return p, errors.New("fixed_time mode needs at least one time")
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	dow := "*"
	if len(p.Weekdays) > 0 {
		days := make([]string, 0, len(p.Weekdays))
		for _, d := range p.Weekdays {
			days = append(days, strconv.Itoa(int(d)))
		}
		dow = strings.Join(days, ",")
	}

	specs := make([]cron.Schedule, 0, len(p.Times))
	for _, raw := range p.Times {
		h, m, err := ParseClock(raw)
		if err != nil {
			return p, err
		}
		sch, err := timeParser.Parse(fmt.Sprintf("%d %d * * %s", m, h, dow))
		if err != nil {
			return p, fmt.Errorf("time %q: %w", raw, err)
		}
		if ss, ok := sch.(*cron.SpecSchedule); ok {
			ss.Location = loc
		}
		specs = append(specs, sch)
	}
	p.Location = loc
	p.specs = specs
	return p, nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseWeekday accepts English names or abbreviations ("mon", "Monday").
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || (len(v) >= 3 && strings.HasPrefix(name, v)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// PrevSlot returns the most recent fixed-time slot at or before now, or the
// zero time when none falls within the lookback window.
func (p Params) PrevSlot(now time.Time) time.Time {
	var prev time.Time
	from := now.Add(-slotLookback)
	for _, sch := range p.specs {
		for t := sch.Next(from); !t.IsZero() && !t.After(now); t = sch.Next(t) {
			if t.After(prev) {
				prev = t
			}
		}
	}
	return prev
}

// NextSlot returns the earliest fixed-time slot strictly after now.
func (p Params) NextSlot(now time.Time) time.Time {
	var out []time.Time
	for _, sch := range p.specs {
		if t := sch.Next(now); !t.IsZero() {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return time.Time{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out[0]
}

// DueSlot reports the fixed-time slot a fire at now would consume. A slot is
// due when it has passed, was not fired before and no run started at or
// after it. Missed slots are coalesced: only the most recent one counts.
func DueSlot(now time.Time, p Params, st State) (time.Time, bool) {
	if p.Mode != ModeFixedTime {
		return time.Time{}, false
	}
	s := p.PrevSlot(now)
	if s.IsZero() || !s.After(st.LastSlot) {
		return time.Time{}, false
	}
	if !st.LastRun.StartedAt.IsZero() && !st.LastRun.StartedAt.Before(s) {
		return time.Time{}, false
	}
	return s, true
}

// NextFireTime returns when the next scheduled cycle is due. A result at or
// before now means "fire now".
//
// Backoff only delays: while any failure domain is backing off, the fire is
// the later of the normal cadence and the retry time.
func NextFireTime(now time.Time, p Params, st State) time.Time {
	next := cadence(now, p, st)
	if next.IsZero() {
		return next
	}
	if nb, ok := retryNotBefore(st.Backoff); ok && nb.After(next) {
		return nb
	}
	return next
}

func cadence(now time.Time, p Params, st State) time.Time {
	switch p.Mode {
	case ModeInterval:
		if st.LastRun.EndedAt.IsZero() {
			return now
		}
		return st.LastRun.EndedAt.Add(p.Interval)
	case ModeFixedTime:
		if _, ok := DueSlot(now, p, st); ok {
			return now
		}
		return p.NextSlot(now)
	}
	return time.Time{}
}

// ShouldFireNow reports whether a scheduled cycle should start at now.
func ShouldFireNow(now time.Time, p Params, st State) bool {
	next := NextFireTime(now, p, st)
	return !next.IsZero() && !now.Before(next)
}

func retryNotBefore(states map[model.Domain]model.BackoffState) (time.Time, bool) {
	var (
		nb     time.Time
		active bool
	)
	for _, b := range states {
		if !b.Active() {
			continue
		}
		active = true
		if b.NextRetryNotBefore.After(nb) {
			nb = b.NextRetryNotBefore
		}
	}
	return nb, active
}
