package notifier

import (
	"strings"
	"testing"
	"time"

	"tgdigest/internal/model"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"hello world", 5, "hello..."},
		{"hello world", 6, "hello..."},
		{"привет мир", 6, "привет..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestDigestSubject(t *testing.T) {
	t.Parallel()
	if got := DigestSubject("", 1); got != "New content: 1 item" {
		t.Errorf("got %q", got)
	}
	if got := DigestSubject("[tg] ", 1200); got != "[tg] New content: 1,200 items" {
		t.Errorf("got %q", got)
	}
}

func TestRenderDigestGroupsByChannel(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := func(ch string, id int64, text string) model.Message {
		return model.Message{ChannelID: ch, MessageID: id, Text: text, Timestamp: now.Add(-time.Hour), Link: "https://t.me/" + ch + "/1"}
	}
	b := Batch{Items: []Item{
		{Message: msg("a", 1, "first"), Channel: "Alpha", Tags: []string{"go"}},
		{Message: msg("b", 1, "second"), Channel: "Beta"},
		{Message: msg("a", 2, strings.Repeat("x", 300)), Channel: "Alpha"},
		{Message: model.Message{ChannelID: "c", MessageID: 9, ContentType: model.ContentPhoto}},
	}}
	m := RenderDigest(b, now, Config{TextLimit: 200})

	if m.Subject != "New content: 4 items" {
		t.Fatalf("subject = %q", m.Subject)
	}
	if !strings.Contains(m.Text, "4 new messages from 3 channels") {
		t.Errorf("summary missing:\n%s", m.Text)
	}
	ia, ib := strings.Index(m.Text, "== Alpha =="), strings.Index(m.Text, "== Beta ==")
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("groups out of order:\n%s", m.Text)
	}
	if strings.Count(m.Text, "== Alpha ==") != 1 {
		t.Errorf("channel grouped twice")
	}
	if !strings.Contains(m.Text, "== c ==") || !strings.Contains(m.Text, "[photo]") {
		t.Errorf("channel id fallback or placeholder missing:\n%s", m.Text)
	}
	if strings.Contains(m.Text, strings.Repeat("x", 201)) || !strings.Contains(m.Text, strings.Repeat("x", 200)+"...") {
		t.Errorf("text not truncated to 200 runes")
	}
	if !strings.Contains(m.Text, "(go)") {
		t.Errorf("tags missing")
	}
	if !strings.Contains(m.HTML, `<a href="https://t.me/a/1">`) || !strings.Contains(m.HTML, "1 hour ago") {
		t.Errorf("html missing link or relative time:\n%s", m.HTML)
	}
}

func TestRenderDigestEscapesHTML(t *testing.T) {
	t.Parallel()
	b := Batch{Items: []Item{{Channel: "<b>x</b>", Message: model.Message{ChannelID: "x", MessageID: 1, Text: "<script>alert(1)</script>"}}}}
	m := RenderDigest(b, time.Now(), Config{TextLimit: 200})
	if strings.Contains(m.HTML, "<script>") || strings.Contains(m.HTML, "<b>x</b>") {
		t.Fatalf("html not escaped:\n%s", m.HTML)
	}
}

func TestRenderAlert(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	run := model.CycleRun{ID: "r1", Trigger: model.TriggerSchedule, StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond), ChannelsFailed: 2, ErrorSummary: "network down"}
	m := RenderAlert(run, start, Config{SubjectPrefix: "[tg] "})
	if m.Subject != "[tg] Digest cycle failed" {
		t.Fatalf("subject = %q", m.Subject)
	}
	for _, want := range []string{"r1", "1.5s", "2 failed", "network down"} {
		if !strings.Contains(m.Text, want) {
			t.Errorf("alert missing %q:\n%s", want, m.Text)
		}
	}
}
