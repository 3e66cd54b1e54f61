// Package status publishes cycle outcomes for whoever renders them and
// builds the report printed by the status command.
package status

import (
	"maps"

	"tgdigest/internal/eventbus"
	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"
)

// Sink forwards pipeline outcomes to the event bus and the log.
type Sink struct {
	bus eventbus.Bus
	log logx.Logger
}

func NewSink(bus eventbus.Bus, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{bus: bus, log: log.With(logx.String("comp", "status"))}
}

func (s *Sink) RunFinished(run model.CycleRun) {
	fields := []logx.Field{
		logx.String("run", run.ID),
		logx.String("trigger", string(run.Trigger)),
		logx.String("status", string(run.Status)),
		logx.Int("channels", run.ChannelsProcessed),
		logx.Int("failed", run.ChannelsFailed),
		logx.Int("matched", run.MessagesMatched),
		logx.Int("notified", run.MessagesNotified),
		logx.Duration("took", run.Duration()),
	}
	if run.Status == model.StatusSuccess {
		s.log.Info("cycle finished", fields...)
	} else {
		s.log.Warn("cycle finished", append(fields, logx.String("error", run.ErrorSummary))...)
	}
	s.publish(eventbus.TypeCycleFinished, run)
}

func (s *Sink) BackoffChanged(states map[model.Domain]model.BackoffState) {
	for _, d := range model.Domains {
		if st := states[d]; st.Active() {
			s.log.Info("backoff", logx.String("domain", string(d)), logx.Int("failures", st.ConsecutiveFailures), logx.Time("not_before", st.NextRetryNotBefore))
		}
	}
	s.publish(eventbus.TypeCycleBackoff, maps.Clone(states))
}

func (s *Sink) ConfigInvalid(err error) {
	s.log.Error("configuration invalid, cycle not started", logx.Err(err))
	s.publish(eventbus.TypeConfigInvalid, err.Error())
}

func (s *Sink) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
