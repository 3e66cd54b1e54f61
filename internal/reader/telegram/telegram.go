// Package telegram reads channels through a bot that is a member of them.
// The bot pushes channel posts as they arrive; Ingestor stores them in the
// inbox and Reader serves them to cycles from there.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"tgdigest/internal/model"
	"tgdigest/internal/storage"
	kit "tgdigest/internal/transport"
	logx "tgdigest/pkg/logx"
)

// Ingestor maps incoming posts onto configured channels and persists them.
type Ingestor struct {
	inbox    storage.InboxStore
	channels func() []model.ChannelConfig
	log      logx.Logger

	stored  atomic.Uint64
	ignored atomic.Uint64
}

func NewIngestor(inbox storage.InboxStore, channels func() []model.ChannelConfig, log logx.Logger) *Ingestor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{inbox: inbox, channels: channels, log: log.With(logx.String("comp", "reader.telegram"))}
}

// Sink adapts Ingest to the bot's post callback.
func (i *Ingestor) Sink() kit.PostSink {
	return func(ctx context.Context, p kit.Post) {
		if _, err := i.Ingest(ctx, p); err != nil {
			i.log.Warn("post not stored", logx.Int64("chat", p.ChatID), logx.Int("message", p.MessageID), logx.Err(err))
		}
	}
}

// Ingest stores p under the configured channel it belongs to. Posts from
// unconfigured chats and edits are ignored.
func (i *Ingestor) Ingest(ctx context.Context, p kit.Post) (bool, error) {
	if p.Edited {
		i.ignored.Add(1)
		return false, nil
	}
	ch, ok := Match(i.channels(), p)
	if !ok {
		i.ignored.Add(1)
		i.log.Debug("post from unconfigured chat", logx.Int64("chat", p.ChatID), logx.String("username", p.ChatUsername))
		return false, nil
	}
	m := model.Message{
		ChannelID:   ch.ID,
		MessageID:   int64(p.MessageID),
		Timestamp:   p.Date,
		Text:        p.Text,
		Author:      p.Author,
		ContentType: model.ContentType(p.Kind),
		Link:        Link(p),
	}
	if err := i.inbox.AppendInbox(ctx, m); err != nil {
		return false, err
	}
	i.stored.Add(1)
	return true, nil
}

func (i *Ingestor) Stats() (stored, ignored uint64) { return i.stored.Load(), i.ignored.Load() }

// Match finds the channel whose id is the post's chat id or username.
// Usernames compare case-insensitively with or without "@".
func Match(channels []model.ChannelConfig, p kit.Post) (model.ChannelConfig, bool) {
	user := strings.ToLower(p.ChatUsername)
	for _, ch := range channels {
		if ch.Source != "" && !strings.EqualFold(ch.Source, "telegram") {
			continue
		}
		id := strings.TrimSpace(ch.ID)
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			if n == p.ChatID {
				return ch, true
			}
			continue
		}
		if user != "" && strings.ToLower(strings.TrimPrefix(id, "@")) == user {
			return ch, true
		}
	}
	return model.ChannelConfig{}, false
}

// Link is the public URL of a post. Private channels use the t.me/c form.
func Link(p kit.Post) string {
	if p.ChatUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", p.ChatUsername, p.MessageID)
	}
	internal := strings.TrimPrefix(strconv.FormatInt(p.ChatID, 10), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, p.MessageID)
}

// Reader serves cycles from the inbox.
type Reader struct {
	inbox storage.InboxStore
	limit int
}

// NewReader returns at most limit messages per fetch; the rest is read on
// the next cycle since the cursor only advances past what was returned.
func NewReader(inbox storage.InboxStore, limit int) *Reader {
	if limit <= 0 {
		limit = 500
	}
	return &Reader{inbox: inbox, limit: limit}
}

func (r *Reader) FetchSince(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error) {
	msgs, err := r.inbox.InboxSince(ctx, ch.ID, cur.LastSeenID, cur.Since, r.limit)
	if err != nil {
		return nil, &model.FetchError{Channel: ch.ID, Temporary: true, Err: err}
	}
	return msgs, nil
}
