// Package reader fetches channel messages newer than a cursor. Sources
// (Telegram bot inbox, RSS bridges) plug in behind the Reader interface
// and are routed by ChannelConfig.Source.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tgdigest/internal/model"
)

// Reader returns the messages of ch newer than cur, ordered by message id
// ascending, with unique ids. Failures are *model.FetchError.
type Reader interface {
	FetchSince(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error)
}

// Func adapts a function to Reader.
type Func func(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error)

func (f Func) FetchSince(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error) {
	return f(ctx, ch, cur)
}

var ErrUnknownSource = errors.New("unknown channel source")

// Mux routes a channel to the reader registered for its source. It returns
// what the source produced, unfiltered: the caller decides which ids count
// as examined before applying Normalize.
type Mux struct {
	mu       sync.RWMutex
	readers  map[string]Reader
	fallback string
}

// NewMux routes channels without a source to fallback.
func NewMux(fallback string) *Mux {
	return &Mux{readers: map[string]Reader{}, fallback: strings.ToLower(fallback)}
}

func (m *Mux) Register(source string, r Reader) {
	m.mu.Lock()
	m.readers[strings.ToLower(source)] = r
	m.mu.Unlock()
}

func (m *Mux) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.readers))
	for k := range m.readers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) FetchSince(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error) {
	src := strings.ToLower(strings.TrimSpace(ch.Source))
	m.mu.RLock()
	if src == "" {
		src = m.fallback
	}
	r := m.readers[src]
	m.mu.RUnlock()
	if r == nil {
		return nil, &model.FetchError{Channel: ch.ID, Err: fmt.Errorf("%w %q", ErrUnknownSource, src)}
	}
	msgs, err := r.FetchSince(ctx, ch, cur)
	if err != nil {
		var fe *model.FetchError
		if !errors.As(err, &fe) {
			err = &model.FetchError{Channel: ch.ID, Temporary: true, Err: err}
		}
		return nil, err
	}
	return msgs, nil
}

// Normalize enforces the reader contract on msgs: channel id set, ids
// above the cursor, nothing older than the cursor baseline, ascending
// unique ids.
func Normalize(msgs []model.Message, channelID string, cur model.Cursor) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID <= cur.LastSeenID {
			continue
		}
		if !cur.Since.IsZero() && !m.Timestamp.IsZero() && m.Timestamp.Before(cur.Since) {
			continue
		}
		m.ChannelID = channelID
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	uniq := out[:0]
	for i, m := range out {
		if i > 0 && m.MessageID == out[i-1].MessageID {
			continue
		}
		uniq = append(uniq, m)
	}
	return uniq
}
