package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tgdigest/internal/filter"
	"tgdigest/internal/model"
	"tgdigest/internal/notifier/telegram"
	"tgdigest/internal/pipeline"
	"tgdigest/internal/schedule"
	logx "tgdigest/pkg/logx"
)

const (
	SourceTelegram = "telegram"
	SourceFeed     = "feed"

	defaultInterval   = time.Hour
	defaultCheckEvery = 30 * time.Second
)

// ParseDurationField parses a Go duration; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, model.ConfigErrorf(path, "invalid duration %q", raw)
	}
	if d < 0 {
		return 0, model.ConfigErrorf(path, "duration must be >= 0")
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DefaultSource is the reader used by channels without an explicit source.
func (c *Config) DefaultSource() string {
	if s := strings.ToLower(strings.TrimSpace(c.Pipeline.DefaultSource)); s != "" {
		return s
	}
	if strings.TrimSpace(c.Telegram.Token) == "" && strings.TrimSpace(c.Feed.URLTemplate) != "" {
		return SourceFeed
	}
	return SourceTelegram
}

// ModelChannels returns the channel list with sources resolved.
func (c *Config) ModelChannels() []model.ChannelConfig {
	def := c.DefaultSource()
	out := make([]model.ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		src := strings.ToLower(strings.TrimSpace(ch.Source))
		if src == "" {
			src = def
		}
		out = append(out, model.ChannelConfig{
			ID:          strings.TrimSpace(ch.ID),
			DisplayName: strings.TrimSpace(ch.Name),
			Enabled:     ch.IsEnabled(),
			Source:      src,
			URL:         strings.TrimSpace(ch.URL),
		})
	}
	return out
}

// ModelTags applies the tag_matching defaults to every tag.
func (c *Config) ModelTags() []model.InterestTag {
	out := make([]model.InterestTag, 0, len(c.Tags))
	for _, t := range c.Tags {
		tag := model.InterestTag{
			Pattern:       t.Pattern,
			IsRegex:       t.Regex,
			CaseSensitive: c.TagMatching.CaseSensitive,
			WholeWord:     c.TagMatching.WholeWord,
			Synonyms:      t.Synonyms,
		}
		if t.CaseSensitive != nil {
			tag.CaseSensitive = *t.CaseSensitive
		}
		if t.WholeWord != nil {
			tag.WholeWord = *t.WholeWord
		}
		out = append(out, tag)
	}
	return out
}

// ScheduleParams converts the schedule section. The result is not compiled.
func (c *Config) ScheduleParams() (schedule.Params, error) {
	s := c.Schedule
	p := schedule.Params{Mode: schedule.Mode(strings.ToLower(strings.TrimSpace(s.Mode)))}
	if p.Mode == "" {
		p.Mode = schedule.ModeInterval
	}
	var err error
	if p.Interval, err = ParseDurationOrDefault("schedule.interval", s.Interval, defaultInterval); err != nil {
		return p, err
	}
	p.Times = append([]string(nil), s.Times...)
	for _, raw := range s.Weekdays {
		d, err := schedule.ParseWeekday(raw)
		if err != nil {
			return p, &model.ConfigError{Field: "schedule.weekdays", Err: err}
		}
		p.Weekdays = append(p.Weekdays, d)
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return p, &model.ConfigError{Field: "schedule.timezone", Err: err}
		}
		p.Location = loc
	}
	return p, nil
}

func (c *Config) CheckEvery() (time.Duration, error) {
	return ParseDurationOrDefault("schedule.check_every", c.Schedule.CheckEvery, defaultCheckEvery)
}

// Snapshot builds the immutable view a cycle runs against.
func (c *Config) Snapshot() (pipeline.Snapshot, error) {
	snap := pipeline.Snapshot{
		Channels:       c.ModelChannels(),
		Tags:           c.ModelTags(),
		Recipient:      strings.TrimSpace(c.Mail.Recipient),
		Concurrency:    c.Pipeline.Concurrency,
		RunLogKeep:     c.Storage.RunLogKeep,
		AlertOnFailure: c.Mail.AlertOnFailure,
	}
	var err error
	if snap.Schedule, err = c.ScheduleParams(); err != nil {
		return snap, err
	}
	if snap.Backoff.Base, err = ParseDurationField("backoff.base", c.Backoff.Base); err != nil {
		return snap, err
	}
	if snap.Backoff.Max, err = ParseDurationField("backoff.max", c.Backoff.Max); err != nil {
		return snap, err
	}
	if snap.FetchTimeout, err = ParseDurationField("pipeline.fetch_timeout", c.Pipeline.FetchTimeout); err != nil {
		return snap, err
	}
	if snap.DedupRetention, err = ParseDurationField("storage.dedup_retention", c.Storage.DedupRetention); err != nil {
		return snap, err
	}
	if snap.PruneEvery, err = ParseDurationField("storage.prune_every", c.Storage.PruneEvery); err != nil {
		return snap, err
	}
	return snap, nil
}

// Validate reports the first problem as *model.ConfigError.
func Validate(c *Config) error {
	if c == nil {
		return model.ConfigErrorf("", "config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return model.ConfigErrorf("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return model.ConfigErrorf("logging.format", "want console or json, got %q", c.Logging.Format)
	}
	if lt := c.Logging.Telegram; lt.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return model.ConfigErrorf("logging.telegram", "needs telegram.token")
		}
		if _, err := telegram.ParseTarget(lt.Chat); err != nil {
			return &model.ConfigError{Field: "logging.telegram.chat", Err: err}
		}
		if !logx.ValidLevel(lt.MinLevel) {
			return model.ConfigErrorf("logging.telegram.min_level", "unknown level %q", lt.MinLevel)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		return model.ConfigErrorf("storage.driver", "want sqlite or file, got %q", c.Storage.Driver)
	}
	if c.Storage.RunLogKeep < 0 {
		return model.ConfigErrorf("storage.run_log_keep", "must be >= 0")
	}

	snap, err := c.Snapshot()
	if err != nil {
		return err
	}
	if snap.Schedule, err = snap.Schedule.Compile(); err != nil {
		return &model.ConfigError{Field: "schedule", Err: err}
	}
	if _, err := c.CheckEvery(); err != nil {
		return err
	}
	if _, err := filter.Compile(snap.Tags); err != nil {
		return &model.ConfigError{Field: "tags", Err: err}
	}
	if err := validateChannels(c, snap.Channels); err != nil {
		return err
	}

	if snap.Recipient == "" {
		return model.ConfigErrorf("mail.recipient", "is required")
	}
	switch c.Mail.TransportName() {
	case "smtp":
		if strings.TrimSpace(c.Mail.SMTP.Host) == "" {
			return model.ConfigErrorf("mail.smtp.host", "is required for the smtp transport")
		}
		switch strings.ToLower(c.Mail.SMTP.TLS) {
		case "", "starttls", "tls", "none":
		default:
			return model.ConfigErrorf("mail.smtp.tls", "want starttls, tls or none, got %q", c.Mail.SMTP.TLS)
		}
	case "telegram":
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return model.ConfigErrorf("mail.transport", "telegram transport needs telegram.token")
		}
		if _, err := telegram.ParseTarget(snap.Recipient); err != nil {
			return &model.ConfigError{Field: "mail.recipient", Err: err}
		}
	case "log":
	default:
		return model.ConfigErrorf("mail.transport", "want smtp, telegram or log, got %q", c.Mail.Transport)
	}
	if c.Dispatch.MaxItems < 0 || c.Dispatch.TextLimit < 0 || c.Dispatch.RetryMax < 0 {
		return model.ConfigErrorf("dispatch", "counts must be >= 0")
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"telegram.poll_timeout":   c.Telegram.PollTimeout,
		"feed.timeout":            c.Feed.Timeout,
		"pipeline.cycle_timeout":  c.Pipeline.CycleTimeout,
		"mail.smtp.timeout":       c.Mail.SMTP.Timeout,
		"dispatch.retry_delay":    c.Dispatch.RetryDelay,
		"dispatch.send_timeout":   c.Dispatch.SendTimeout,
		"lifecycle.shutdown_wait": c.Lifecycle.ShutdownWait,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateChannels(c *Config, channels []model.ChannelConfig) error {
	seen := map[string]bool{}
	for i, ch := range channels {
		field := fmt.Sprintf("channels[%d]", i)
		if ch.ID == "" {
			return model.ConfigErrorf(field+".id", "is required")
		}
		key := strings.ToLower(ch.ID)
		if seen[key] {
			return model.ConfigErrorf(field+".id", "duplicate channel %q", ch.ID)
		}
		seen[key] = true
		switch ch.Source {
		case SourceTelegram:
			if strings.TrimSpace(c.Telegram.Token) == "" {
				return model.ConfigErrorf(field+".source", "telegram source needs telegram.token")
			}
		case SourceFeed:
			if ch.URL == "" && strings.TrimSpace(c.Feed.URLTemplate) == "" {
				return model.ConfigErrorf(field+".url", "feed source needs url or feed.url_template")
			}
		default:
			return model.ConfigErrorf(field+".source", "unknown source %q", ch.Source)
		}
	}
	return nil
}

// ErrNoConfig is returned by Manager.Snapshot before the first Load.
var ErrNoConfig = errors.New("config not loaded")
