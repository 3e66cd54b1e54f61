package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgdigest/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields
// describing them. Tokens and passwords never appear in the fields.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		mark("telegram", logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		mark("feed", logx.Float64("feed.rate_per_sec", newCfg.Feed.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		mark("channels", logx.Int("channels.count", len(newCfg.Channels)))
	}
	if !reflect.DeepEqual(oldCfg.Tags, newCfg.Tags) || oldCfg.TagMatching != newCfg.TagMatching {
		mark("tags", logx.Int("tags.count", len(newCfg.Tags)))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		mark("schedule",
			logx.String("schedule.mode", newCfg.Schedule.Mode),
			logx.Strs("schedule.times", newCfg.Schedule.Times),
		)
	}
	if oldCfg.Backoff != newCfg.Backoff {
		mark("backoff")
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		mark("pipeline", logx.Int("pipeline.concurrency", newCfg.Pipeline.Concurrency))
	}
	if oldCfg.Mail != newCfg.Mail {
		mark("mail", logx.String("mail.transport", newCfg.Mail.TransportName()))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch", logx.Int("dispatch.max_items", newCfg.Dispatch.MaxItems))
	}
	if oldCfg.Lifecycle != newCfg.Lifecycle {
		mark("lifecycle")
	}

	sort.Strings(changed)
	return changed, attrs
}

// Restart lists sections that only take effect after a restart.
var Restart = map[string]bool{
	"storage":   true,
	"telegram":  true,
	"lifecycle": true,
}
