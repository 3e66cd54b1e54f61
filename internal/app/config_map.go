package app

import (
	"strings"
	"time"

	"tgdigest/internal/config"
	"tgdigest/internal/lifecycle"
	"tgdigest/internal/notifier"
	"tgdigest/internal/notifier/smtp"
	"tgdigest/internal/reader/feed"
	"tgdigest/internal/storage"
	"tgdigest/internal/task/engine"
	"tgdigest/internal/task/scheduler"
	telegram "tgdigest/internal/transport/telegram/adapter"
	logx "tgdigest/pkg/logx"
)

// The mappers run on validated configs, so duration errors are already
// excluded; they are still returned to keep a bad hot reload out.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:  lc.Level,
		Format: lc.Format,
		File:   logx.FileConfig{Enabled: strings.TrimSpace(lc.File) != "", Path: lc.File},
		Forward: logx.ForwardConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		if driver == "file" {
			path = "./tgdigest_state"
		} else {
			path = "./tgdigest.db"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.ParseDurationField("feed.timeout", cfg.Feed.Timeout)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		URLTemplate: strings.TrimSpace(cfg.Feed.URLTemplate),
		Timeout:     timeout,
		RatePerSec:  cfg.Feed.RatePerSec,
		UserAgent:   "tgdigest/" + Version,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	delay, err := config.ParseDurationField("dispatch.retry_delay", d.RetryDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Recipient:      strings.TrimSpace(cfg.Mail.Recipient),
		RetryMax:       d.RetryMax,
		RetryDelay:     delay,
		SendTimeout:    timeout,
		RatePerSec:     d.RatePerSec,
		MaxItems:       d.MaxItems,
		TextLimit:      d.TextLimit,
		SubjectPrefix:  cfg.Mail.SubjectPrefix,
		AlertOnFailure: cfg.Mail.AlertOnFailure,
	}, nil
}

func mapSMTPConfig(cfg *config.Config) (smtp.Config, error) {
	s := cfg.Mail.SMTP
	timeout, err := config.ParseDurationOrDefault("mail.smtp.timeout", s.Timeout, 30*time.Second)
	if err != nil {
		return smtp.Config{}, err
	}
	return smtp.Config{
		Host:     strings.TrimSpace(s.Host),
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		From:     s.From,
		TLS:      strings.ToLower(strings.TrimSpace(s.TLS)),
		Timeout:  timeout,
	}, nil
}

// mapEngineConfig sizes the cycle gate. The cycle timeout bounds one run;
// a small queue is enough because scheduled fires coalesce.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("pipeline.cycle_timeout", cfg.Pipeline.CycleTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		QueueSize:      8,
		DefaultTimeout: timeout,
		HistorySize:    50,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	every, err := cfg.CheckEvery()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.Schedule.IsEnabled(), CheckEvery: every}, nil
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	wait, err := config.ParseDurationField("lifecycle.shutdown_wait", cfg.Lifecycle.ShutdownWait)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		SdNotify:     cfg.Lifecycle.SdNotify,
		SleepSignals: cfg.Lifecycle.SleepSignals,
		ShutdownWait: wait,
	}, nil
}
