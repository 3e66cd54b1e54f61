package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"
)

const rss = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Go News</title>
<item>
  <title>Go 1.24 released</title>
  <link>https://t.me/gonews/102</link>
  <description><![CDATA[<p>Go 1.24 is out.</p><p>Generic type aliases<br>and more.</p>]]></description>
  <pubDate>Tue, 11 Feb 2025 18:00:00 GMT</pubDate>
</item>
<item>
  <title>photo</title>
  <link>https://t.me/gonews/101</link>
  <description><![CDATA[<img src="https://cdn/x.jpg">]]></description>
  <pubDate>Tue, 11 Feb 2025 17:00:00 GMT</pubDate>
</item>
<item>
  <title>no id</title>
  <link>https://example.com/about</link>
  <description>skip me</description>
</item>
</channel></rss>`

func newReader(url string) *Reader {
	return New(Config{URLTemplate: url + "/telegram/channel/{id}", RatePerSec: 1000}, nil, logx.Nop())
}

func TestFetchParsesItems(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/telegram/channel/gonews" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rss))
	}))
	defer srv.Close()

	got, err := newReader(srv.URL).FetchSince(context.Background(), model.ChannelConfig{ID: "@gonews"}, model.Cursor{})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	want := model.Message{
		ChannelID:   "@gonews",
		MessageID:   102,
		Timestamp:   time.Date(2025, 2, 11, 18, 0, 0, 0, time.UTC),
		Text:        "Go 1.24 is out.\nGeneric type aliases\nand more.",
		ContentType: model.ContentText,
		Link:        "https://t.me/gonews/102",
	}
	got[0].Timestamp = got[0].Timestamp.UTC()
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("message (-want +got):\n%s", diff)
	}
	if got[1].ContentType != model.ContentPhoto || got[1].Text != "photo" {
		t.Fatalf("photo item = %+v", got[1])
	}
}

func TestConditionalGetWaitsForCursor(t *testing.T) {
	t.Parallel()
	var conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(rss))
	}))
	defer srv.Close()

	r := newReader(srv.URL)
	ch := model.ChannelConfig{ID: "gonews"}
	ctx := context.Background()
	if _, err := r.FetchSince(ctx, ch, model.Cursor{}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	// Cursor did not advance: the full feed must be served again.
	got, err := r.FetchSince(ctx, ch, model.Cursor{})
	if err != nil || len(got) != 2 || conditional.Load() != 0 {
		t.Fatalf("refetch = %d msgs, err %v, conditional %d", len(got), err, conditional.Load())
	}
	got, err = r.FetchSince(ctx, ch, model.Cursor{LastSeenID: 102})
	if err != nil || len(got) != 0 || conditional.Load() != 1 {
		t.Fatalf("caught-up fetch = %d msgs, err %v, conditional %d", len(got), err, conditional.Load())
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		temporary bool
		retry     time.Duration
	}{
		{
			name: "retry-after",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "42")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			temporary: true, retry: 42 * time.Second,
		},
		{
			name: "flood wait body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"errors":["FLOOD_WAIT_17"]}`))
			},
			temporary: true, retry: 17 * time.Second,
		},
		{
			name:      "server error",
			handler:   func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			temporary: true,
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		},
		{
			name:      "garbage",
			handler:   func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("not a feed")) },
			temporary: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := newReader(srv.URL).FetchSince(context.Background(), model.ChannelConfig{ID: "x"}, model.Cursor{})
			var fe *model.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FetchError", err)
			}
			if fe.Temporary != tt.temporary || fe.RetryAfter != tt.retry || fe.Channel != "x" {
				t.Fatalf("FetchError = %+v", fe)
			}
		})
	}
}

func TestURL(t *testing.T) {
	t.Parallel()
	r := New(Config{}, nil, logx.Nop())
	if _, err := r.URL(model.ChannelConfig{ID: "a"}); err == nil {
		t.Fatalf("missing template accepted")
	}
	u, err := r.URL(model.ChannelConfig{ID: "a", URL: "https://feeds/a.xml"})
	if err != nil || u != "https://feeds/a.xml" {
		t.Fatalf("URL = %q, %v", u, err)
	}
}

func TestHTMLText(t *testing.T) {
	t.Parallel()
	text, img := HTMLText(`<div>Hello <b>world</b></div><br><br><blockquote>quoted</blockquote>`)
	if text != "Hello world\n\nquoted" || img {
		t.Fatalf("HTMLText = %q, %v", text, img)
	}
}
