package reader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
)

func ids(msgs []model.Message) []int64 {
	out := []int64{}
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{MessageID: 105, Timestamp: base.Add(5 * time.Minute)},
		{MessageID: 99, Timestamp: base.Add(time.Minute)},
		{MessageID: 101, Timestamp: base.Add(time.Minute)},
		{MessageID: 103, Timestamp: base.Add(3 * time.Minute)},
		{MessageID: 103, Timestamp: base.Add(3 * time.Minute)},
		{MessageID: 102, Timestamp: base.Add(-time.Hour)},
	}
	got := Normalize(msgs, "A", model.Cursor{LastSeenID: 100, Since: base})
	if diff := cmp.Diff([]int64{101, 103, 105}, ids(got)); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	for _, m := range got {
		if m.ChannelID != "A" {
			t.Fatalf("channel id not set: %+v", m)
		}
	}
}

func TestMuxRoutes(t *testing.T) {
	t.Parallel()
	mux := NewMux("telegram")
	var routed []string
	mk := func(name string) Reader {
		return Func(func(context.Context, model.ChannelConfig, model.Cursor) ([]model.Message, error) {
			routed = append(routed, name)
			return []model.Message{{MessageID: 2}, {MessageID: 1}}, nil
		})
	}
	mux.Register("telegram", mk("telegram"))
	mux.Register("FEED", mk("feed"))

	got, err := mux.FetchSince(context.Background(), model.ChannelConfig{ID: "a"}, model.Cursor{})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if diff := cmp.Diff([]int64{2, 1}, ids(got)); diff != "" {
		t.Fatalf("mux altered source output (-want +got):\n%s", diff)
	}
	if _, err := mux.FetchSince(context.Background(), model.ChannelConfig{ID: "b", Source: "Feed"}, model.Cursor{}); err != nil {
		t.Fatalf("FetchSince feed: %v", err)
	}
	if diff := cmp.Diff([]string{"telegram", "feed"}, routed); diff != "" {
		t.Fatalf("routing (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"feed", "telegram"}, mux.Sources()); diff != "" {
		t.Fatalf("sources (-want +got):\n%s", diff)
	}
}

func TestMuxErrors(t *testing.T) {
	t.Parallel()
	mux := NewMux("")
	_, err := mux.FetchSince(context.Background(), model.ChannelConfig{ID: "x", Source: "irc"}, model.Cursor{})
	var fe *model.FetchError
	if !errors.As(err, &fe) || !errors.Is(err, ErrUnknownSource) || fe.Temporary {
		t.Fatalf("err = %v", err)
	}

	mux.Register("flaky", Func(func(context.Context, model.ChannelConfig, model.Cursor) ([]model.Message, error) {
		return nil, errors.New("reset by peer")
	}))
	_, err = mux.FetchSince(context.Background(), model.ChannelConfig{ID: "y", Source: "flaky"}, model.Cursor{})
	if !errors.As(err, &fe) || !fe.Temporary || fe.Channel != "y" {
		t.Fatalf("err = %v, want temporary FetchError", err)
	}
}
