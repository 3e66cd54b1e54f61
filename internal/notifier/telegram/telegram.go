// Package telegram delivers digests as bot messages to a chat.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
	kit "tgdigest/internal/transport"
)

// Transport sends the text body of a digest. The recipient is a chat id,
// optionally followed by ":<thread id>" for forum topics.
type Transport struct {
	sender kit.Sender
}

func New(sender kit.Sender) *Transport { return &Transport{sender: sender} }

func (t *Transport) Name() string { return "telegram" }

func (t *Transport) Send(ctx context.Context, recipient string, m notifier.Mail) error {
	to, err := ParseTarget(recipient)
	if err != nil {
		return model.NewPermanent(err)
	}
	text := m.Subject + "\n\n" + strings.TrimSpace(m.Text)
	return t.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
}

// SendLog forwards an operator log line to the same chat.
func (t *Transport) SendLog(ctx context.Context, recipient, text string) error {
	to, err := ParseTarget(recipient)
	if err != nil {
		return err
	}
	return t.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
}

func ParseTarget(s string) (kit.ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q", s)
	}
	to := kit.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread id %q", s)
		}
		to.ThreadID = tid
	}
	return to, nil
}
