package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tgdigest/internal/model"
	"tgdigest/internal/storage"
)

const feedHead = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Go News</title>`

func feedItem(id int, text string, at time.Time) string {
	return fmt.Sprintf(`<item><title>%s</title><link>https://t.me/gonews/%d</link><description>%s</description><pubDate>%s</pubDate></item>`,
		text, id, text, at.UTC().Format(http.TimeFormat))
}

func writeConfig(t *testing.T, feedURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": %q},
  "channels": [{"id": "@gonews", "name": "Go News", "source": "feed", "url": %q}],
  "tags": ["golang"],
  "schedule": {"mode": "interval", "interval": "1h"},
  "mail": {"transport": "log", "recipient": "me@example.com"},
  "lifecycle": {"sd_notify": false, "sleep_signals": false}
}`, filepath.Join(dir, "state"), feedURL)
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunOnceEndToEnd(t *testing.T) {
	t.Parallel()
	var fresh atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		old := time.Now().Add(-24 * time.Hour)
		body := feedHead + feedItem(101, "golang before the baseline", old)
		if fresh.Load() {
			body += feedItem(102, "new golang release", time.Now().Add(time.Hour))
			body += feedItem(103, "unrelated", time.Now().Add(time.Hour))
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body + `</channel></rss>`))
	}))
	defer srv.Close()

	a, err := New(writeConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	run, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if run.Status != model.StatusSuccess || run.MessagesNotified != 0 {
		t.Fatalf("first run = %+v, want success with nothing notified", run)
	}

	fresh.Store(true)
	run, err = a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if run.Status != model.StatusSuccess || run.MessagesMatched != 1 || run.MessagesNotified != 1 {
		t.Fatalf("second run = %+v, want one notified match", run)
	}

	rep, err := a.Status(ctx, 10)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := rep.Cursors["@gonews"].LastSeenID; got != 103 {
		t.Fatalf("cursor = %d, want 103", got)
	}
	if rep.Notified != 1 || len(rep.Runs) != 2 {
		t.Fatalf("report notified=%d runs=%d, want 1 and 2", rep.Notified, len(rep.Runs))
	}
	if rep.NextFire.IsZero() {
		t.Fatalf("next fire not computed")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "http://127.0.0.1:1/feed")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b = []byte(strings.Replace(string(b), `"recipient": "me@example.com"`, `"recipient": ""`, 1))
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = New(path)
	var ce *model.ConfigError
	if !errors.As(err, &ce) || ce.Field != "mail.recipient" {
		t.Fatalf("New err = %v, want mail.recipient config error", err)
	}
}

func TestRunOnceRefusesWhileStoreHeld(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("no flock")
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedHead + `</channel></rss>`))
	}))
	defer srv.Close()
	path := writeConfig(t, srv.URL)

	owner, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer owner.Close()
	if err := owner.exclusive(); err != nil {
		t.Fatalf("owner lock: %v", err)
	}

	other, err := New(path)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	defer other.Close()
	_, err = other.RunOnce(context.Background())
	if !errors.Is(err, storage.ErrLocked) || !strings.Contains(err.Error(), "SIGUSR2") {
		t.Fatalf("RunOnce = %v, want locked error naming SIGUSR2", err)
	}
	if _, err := other.Prune(context.Background()); !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("Prune = %v, want locked error", err)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("feed fetched %d times by a refused run", n)
	}
}
