package telegram

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
	kit "tgdigest/internal/transport"
)

type fakeSender struct {
	to   []kit.ChatTarget
	text []string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.to = append(f.to, to)
	f.text = append(f.text, text)
	return nil
}

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    kit.ChatTarget
		wantErr bool
	}{
		{in: "-1001234", want: kit.ChatTarget{ChatID: -1001234}},
		{in: " 42:7 ", want: kit.ChatTarget{ChatID: 42, ThreadID: 7}},
		{in: "@channel", wantErr: true},
		{in: "42:x", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTarget(%q) err = %v", tt.in, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseTarget(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	tr := New(fs)
	if err := tr.Send(context.Background(), "42", notifier.Mail{Subject: "New content: 1 item", Text: "body\n"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fs.to[0].ChatID != 42 || !strings.HasPrefix(fs.text[0], "New content: 1 item\n\nbody") {
		t.Fatalf("sent %+v %q", fs.to, fs.text)
	}
	if err := tr.Send(context.Background(), "nope", notifier.Mail{}); !model.IsPermanent(err) {
		t.Fatalf("bad recipient err = %v, want permanent", err)
	}
}
