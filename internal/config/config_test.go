package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
	"tgdigest/internal/schedule"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc"},
  "channels": [
    {"id": "@golang_news", "name": "Go News"},
    {"id": "durov", "source": "feed", "enabled": false}
  ],
  "feed": {"url_template": "https://rsshub.example/telegram/channel/{id}"},
  "tags": ["golang", {"pattern": "k8s|kubernetes", "regex": true}],
  "tag_matching": {"whole_word": true},
  "schedule": {"mode": "fixed_time", "times": ["08:00", "20:00"], "weekdays": ["mon", "fri"], "timezone": "UTC"},
  "mail": {"recipient": "me@example.com", "smtp": {"host": "smtp.example.com", "password": "secret"}}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
channels:
  - id: "@golang_news"
    name: Go News
  - id: durov
    source: feed
    enabled: false
feed:
  url_template: https://rsshub.example/telegram/channel/{id}
tags:
  - golang
  - pattern: k8s|kubernetes
    regex: true
tag_matching:
  whole_word: true
schedule:
  mode: fixed_time
  times: ["08:00", "20:00"]
  weekdays: [mon, fri]
  timezone: UTC
mail:
  recipient: me@example.com
  smtp:
    host: smtp.example.com
    password: secret
`

const sampleTOML = `
tags = ["golang", { pattern = "k8s|kubernetes", regex = true }]

[telegram]
token = "123:abc"

[[channels]]
id = "@golang_news"
name = "Go News"

[[channels]]
id = "durov"
source = "feed"
enabled = false

[feed]
url_template = "https://rsshub.example/telegram/channel/{id}"

[tag_matching]
whole_word = true

[schedule]
mode = "fixed_time"
times = ["08:00", "20:00"]
weekdays = ["mon", "fri"]
timezone = "UTC"

[mail]
recipient = "me@example.com"

[mail.smtp]
host = "smtp.example.com"
password = "secret"
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	want, err := Decode("json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for _, tc := range []struct{ format, data string }{
		{"yaml", sampleYAML},
		{"toml", sampleTOML},
	} {
		got, err := Decode(tc.format, []byte(tc.data))
		if err != nil {
			t.Fatalf("%s: %v", tc.format, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s differs from json (-want +got):\n%s", tc.format, diff)
		}
	}
	if err := Validate(want); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	for name, data := range map[string]string{
		"unknown field":     `{"mail": {"recipient": "a@b", "cc": "x"}}`,
		"unknown tag field": `{"tags": [{"pattern": "go", "fuzzy": true}]}`,
		"trailing data":     `{} {}`,
	} {
		if _, err := Decode("json", []byte(data)); err == nil {
			t.Errorf("%s: decoded without error", name)
		}
	}
}

func TestFormatFromExtension(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]string{
		"config.json": "json", "c.YAML": "yaml", "c.yml": "yaml", "c.toml": "toml", "config": "json",
	} {
		if got := Format(path); got != want {
			t.Errorf("Format(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	wantChannels := []model.ChannelConfig{
		{ID: "@golang_news", DisplayName: "Go News", Enabled: true, Source: SourceTelegram},
		{ID: "durov", Enabled: false, Source: SourceFeed},
	}
	if diff := cmp.Diff(wantChannels, snap.Channels); diff != "" {
		t.Fatalf("channels (-want +got):\n%s", diff)
	}
	wantTags := []model.InterestTag{
		{Pattern: "golang", WholeWord: true},
		{Pattern: "k8s|kubernetes", IsRegex: true, WholeWord: true},
	}
	if diff := cmp.Diff(wantTags, snap.Tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	if snap.Schedule.Mode != schedule.ModeFixedTime || snap.Schedule.Location != time.UTC {
		t.Fatalf("schedule = %+v", snap.Schedule)
	}
	if diff := cmp.Diff([]time.Weekday{time.Monday, time.Friday}, snap.Schedule.Weekdays); diff != "" {
		t.Fatalf("weekdays (-want +got):\n%s", diff)
	}
	if snap.Recipient != "me@example.com" {
		t.Fatalf("recipient = %q", snap.Recipient)
	}
}

func TestValidateNamesField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad interval", func(c *Config) { c.Schedule = ScheduleConfig{Mode: "interval", Interval: "soon"} }, "schedule.interval"},
		{"unknown mode", func(c *Config) { c.Schedule = ScheduleConfig{Mode: "cron"} }, "schedule"},
		{"fixed without times", func(c *Config) { c.Schedule = ScheduleConfig{Mode: "fixed_time"} }, "schedule"},
		{"bad weekday", func(c *Config) { c.Schedule.Weekdays = []string{"someday"} }, "schedule.weekdays"},
		{"bad regex", func(c *Config) { c.Tags = []TagConfig{{Pattern: "([", Regex: true}} }, "tags"},
		{"duplicate channel", func(c *Config) { c.Channels = append(c.Channels, ChannelConfig{ID: "@GOLANG_NEWS"}) }, "channels[2].id"},
		{"no recipient", func(c *Config) { c.Mail.Recipient = " " }, "mail.recipient"},
		{"no smtp host", func(c *Config) { c.Mail.SMTP.Host = "" }, "mail.smtp.host"},
		{"unknown transport", func(c *Config) { c.Mail.Transport = "pigeon" }, "mail.transport"},
		{"telegram transport needs chat id", func(c *Config) { c.Mail.Transport = "telegram" }, "mail.recipient"},
		{"telegram source without token", func(c *Config) {
			c.Telegram.Token = ""
			c.Channels[0].Source = "telegram"
		}, "channels[0].source"},
		{"feed without url", func(c *Config) { c.Feed.URLTemplate = "" }, "channels[1].url"},
		{"bad duration", func(c *Config) { c.Dispatch.RetryDelay = "-1s" }, "dispatch.retry_delay"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("json", []byte(sampleJSON))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tc.edit(cfg)
			err = Validate(cfg)
			var ce *model.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate = %v, want ConfigError", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("field = %q, want %q (%v)", ce.Field, tc.field, err)
			}
		})
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Snapshot(); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Snapshot before Load = %v", err)
	}
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("Reload unchanged = %v, %v", ok, err)
	}

	invalid := strings.Replace(sampleJSON, `"me@example.com"`, `""`, 1)
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("Reload invalid = %v, %v", ok, err)
	}
	if m.Get().Mail.Recipient != "me@example.com" {
		t.Fatalf("invalid config was committed")
	}

	updated := strings.Replace(sampleJSON, `"me@example.com"`, `"you@example.com"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("Reload changed = %v, %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Mail.Recipient != "you@example.com" {
			t.Fatalf("published recipient = %q", cfg.Mail.Recipient)
		}
	default:
		t.Fatalf("no config published")
	}
	snap, err := m.Snapshot()
	if err != nil || snap.Recipient != "you@example.com" {
		t.Fatalf("Snapshot = %q, %v", snap.Recipient, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, _ := Decode("json", []byte(sampleJSON))
	b, _ := Decode("json", []byte(sampleJSON))
	b.Mail.SMTP.Password = "rotated"
	b.Tags = b.Tags[:1]
	b.Schedule.Times = []string{"09:00"}

	changed, attrs := SummarizeChange(a, b)
	if diff := cmp.Diff([]string{"mail", "schedule", "tags"}, changed); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if changed, _ := SummarizeChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}
