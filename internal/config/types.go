package config

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Config is the on-disk configuration. Every duration is a Go duration
// string ("30s", "6h").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Feed        FeedConfig        `json:"feed"`
	Channels    []ChannelConfig   `json:"channels"`
	Tags        []TagConfig       `json:"tags"`
	TagMatching TagMatchingConfig `json:"tag_matching"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Backoff     BackoffConfig     `json:"backoff"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Mail        MailConfig        `json:"mail"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Lifecycle   LifecycleConfig   `json:"lifecycle"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"` // console | json
	// File enables a JSON log file at the given path.
	File string `json:"file,omitempty"`
	// Telegram forwards warnings and errors to a chat.
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingTelegram struct {
	Enabled bool `json:"enabled"`
	// Chat is "chat_id" or "chat_id:thread_id".
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver and retention.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tgdigest.db", "dedup_retention": "720h" }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"` // sqlite only
	DedupRetention string `json:"dedup_retention,omitempty"`
	RunLogKeep     int    `json:"run_log_keep,omitempty"`
	PruneEvery     string `json:"prune_every,omitempty"`
}

// TelegramConfig enables the bot. Without a token the telegram source and
// transport are unavailable.
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

type FeedConfig struct {
	// URLTemplate builds a feed URL from a channel id, e.g.
	// "https://rsshub.app/telegram/channel/{id}".
	URLTemplate string  `json:"url_template"`
	Timeout     string  `json:"timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	UserAgent   string  `json:"user_agent,omitempty"`
}

type ChannelConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"` // default true
	// Source is "telegram" or "feed"; empty uses pipeline.default_source.
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// TagConfig is one interest tag. A bare string is accepted as a pattern
// with the tag_matching defaults.
type TagConfig struct {
	Pattern       string   `json:"pattern"`
	Regex         bool     `json:"regex,omitempty"`
	CaseSensitive *bool    `json:"case_sensitive,omitempty"`
	WholeWord     *bool    `json:"whole_word,omitempty"`
	Synonyms      []string `json:"synonyms,omitempty"`
}

// UnmarshalJSON accepts a string or an object and rejects unknown fields.
func (t *TagConfig) UnmarshalJSON(b []byte) error {
	if s := bytes.TrimSpace(b); len(s) > 0 && s[0] == '"' {
		var p string
		if err := json.Unmarshal(s, &p); err != nil {
			return err
		}
		*t = TagConfig{Pattern: p}
		return nil
	}
	type plain TagConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = TagConfig(p)
	return nil
}

type TagMatchingConfig struct {
	CaseSensitive bool `json:"case_sensitive"`
	WholeWord     bool `json:"whole_word"`
}

// ScheduleConfig drives the trigger loop.
//
// Defaults:
//   - mode: "interval"
//   - interval: "1h"
//   - check_every: "30s"
//   - timezone: local
type ScheduleConfig struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Mode       string   `json:"mode"`
	Interval   string   `json:"interval,omitempty"`
	Times      []string `json:"times,omitempty"`
	Weekdays   []string `json:"weekdays,omitempty"`
	Timezone   string   `json:"timezone,omitempty"`
	CheckEvery string   `json:"check_every,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type BackoffConfig struct {
	Base string `json:"base,omitempty"` // default 30s
	Max  string `json:"max,omitempty"`  // default 6h
}

type PipelineConfig struct {
	Concurrency   int    `json:"concurrency,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`
	CycleTimeout  string `json:"cycle_timeout,omitempty"`
	DefaultSource string `json:"default_source,omitempty"` // telegram | feed
}

// MailConfig selects the digest transport.
type MailConfig struct {
	// Transport is "smtp" (default), "telegram" or "log".
	Transport      string     `json:"transport,omitempty"`
	Recipient      string     `json:"recipient"`
	SubjectPrefix  string     `json:"subject_prefix,omitempty"`
	AlertOnFailure bool       `json:"alert_on_failure,omitempty"`
	SMTP           SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	TLS      string `json:"tls,omitempty"` // starttls | tls | none
	Timeout  string `json:"timeout,omitempty"`
}

type DispatchConfig struct {
	MaxItems    int     `json:"max_items,omitempty"`
	TextLimit   int     `json:"text_limit,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
	RetryDelay  string  `json:"retry_delay,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

// LifecycleConfig controls the host integration.
type LifecycleConfig struct {
	// SdNotify reports READY/STOPPING and pings the watchdog when
	// running under systemd.
	SdNotify bool `json:"sd_notify"`
	// SleepSignals subscribes to logind PrepareForSleep to catch resume.
	SleepSignals bool   `json:"sleep_signals"`
	ShutdownWait string `json:"shutdown_wait,omitempty"` // default 15s
}

func (m MailConfig) TransportName() string {
	t := strings.ToLower(strings.TrimSpace(m.Transport))
	if t == "" {
		return "smtp"
	}
	return t
}
