// Package feed reads channels through an RSS or Atom bridge (RSSHub,
// tg.i-c-a.su and similar) that renders a Telegram channel as a feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"tgdigest/internal/model"
	logx "tgdigest/pkg/logx"
)

type Config struct {
	// URLTemplate builds a feed URL from a channel id; "{id}" is replaced
	// with the id without a leading "@". ChannelConfig.URL overrides it.
	URLTemplate string
	Timeout     time.Duration // per request; default 20s
	RatePerSec  float64       // requests per second across channels; default 2
	UserAgent   string
}

// Reader fetches feeds with conditional GET. Validators are only sent once
// the channel cursor has caught up with the response they came from, so a
// cycle that failed to commit re-reads the full feed.
type Reader struct {
	cfg     Config
	httpc   *http.Client
	fp      *gofeed.Parser
	limiter *rate.Limiter
	log     logx.Logger

	mu    sync.Mutex
	state map[string]validators
}

type validators struct {
	etag         string
	lastModified string
	maxID        int64
}

func New(cfg Config, httpc *http.Client, log logx.Logger) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tgdigest"
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{
		cfg:     cfg,
		httpc:   httpc,
		fp:      gofeed.NewParser(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log.With(logx.String("comp", "reader.feed")),
		state:   map[string]validators{},
	}
}

// URL resolves the feed address of ch.
func (r *Reader) URL(ch model.ChannelConfig) (string, error) {
	if u := strings.TrimSpace(ch.URL); u != "" {
		return u, nil
	}
	if r.cfg.URLTemplate == "" {
		return "", errors.New("no feed url and no url template")
	}
	id := url.PathEscape(strings.TrimPrefix(strings.TrimSpace(ch.ID), "@"))
	return strings.ReplaceAll(r.cfg.URLTemplate, "{id}", id), nil
}

func (r *Reader) FetchSince(ctx context.Context, ch model.ChannelConfig, cur model.Cursor) ([]model.Message, error) {
	fail := func(temp bool, retry time.Duration, err error) error {
		return &model.FetchError{Channel: ch.ID, Temporary: temp, RetryAfter: retry, Err: err}
	}
	u, err := r.URL(ch)
	if err != nil {
		return nil, fail(false, 0, err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fail(true, 0, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fail(false, 0, err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	r.mu.Lock()
	v, known := r.state[u]
	r.mu.Unlock()
	if known && cur.LastSeenID >= v.maxID {
		if v.etag != "" {
			req.Header.Set("If-None-Match", v.etag)
		}
		if v.lastModified != "" {
			req.Header.Set("If-Modified-Since", v.lastModified)
		}
	}

	res, err := r.httpc.Do(req)
	if err != nil {
		return nil, fail(true, 0, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotModified:
		r.log.Debug("unmodified feed", logx.String("channel", ch.ID))
		return nil, nil
	case res.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 16<<10))
		if wait, ok := floodWait(res, body); ok {
			r.log.Warn("rate limited", logx.String("channel", ch.ID), logx.Duration("retry_in", wait))
			return nil, fail(true, wait, fmt.Errorf("rate limited: %d", res.StatusCode))
		}
		err := fmt.Errorf("want 200, got %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		return nil, fail(res.StatusCode >= 500, 0, err)
	}

	parsed, err := r.fp.Parse(res.Body)
	if err != nil {
		return nil, fail(true, 0, fmt.Errorf("parse feed: %w", err))
	}
	msgs := make([]model.Message, 0, len(parsed.Items))
	var maxID int64
	for _, it := range parsed.Items {
		m, ok := ItemMessage(it)
		if !ok {
			r.log.Debug("item without id skipped", logx.String("channel", ch.ID), logx.String("link", it.Link))
			continue
		}
		m.ChannelID = ch.ID
		maxID = max(maxID, m.MessageID)
		msgs = append(msgs, m)
	}

	r.mu.Lock()
	r.state[u] = validators{etag: res.Header.Get("ETag"), lastModified: res.Header.Get("Last-Modified"), maxID: maxID}
	r.mu.Unlock()
	return msgs, nil
}

// floodWait extracts the wait of a rate-limited response from the
// Retry-After header or a FLOOD_WAIT_<seconds> error in a JSON body.
func floodWait(res *http.Response, body []byte) (time.Duration, bool) {
	limited := res.StatusCode == http.StatusTooManyRequests || res.StatusCode == 420
	if s := strings.TrimSpace(res.Header.Get("Retry-After")); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return time.Duration(n) * time.Second, true
		}
		if t, err := http.ParseTime(s); err == nil {
			return max(time.Until(t), 0), true
		}
	}
	var payload struct {
		Errors []any `json:"errors"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, e := range payload.Errors {
			s, _ := e.(string)
			if after, ok := strings.CutPrefix(s, "FLOOD_WAIT_"); ok {
				if n, err := strconv.Atoi(after); err == nil {
					return time.Duration(n) * time.Second, true
				}
			}
		}
	}
	return 0, limited
}

// ItemMessage converts a feed item. The message id is the trailing number
// of the item link or guid (t.me/<channel>/<id>); items without one are
// not addressable by a cursor and are rejected.
func ItemMessage(it *gofeed.Item) (model.Message, bool) {
	id, ok := trailingID(it.Link)
	if !ok {
		id, ok = trailingID(it.GUID)
	}
	if !ok {
		return model.Message{}, false
	}
	m := model.Message{
		MessageID: id,
		Link:      it.Link,
	}
	switch {
	case it.PublishedParsed != nil:
		m.Timestamp = *it.PublishedParsed
	case it.UpdatedParsed != nil:
		m.Timestamp = *it.UpdatedParsed
	}
	if it.Author != nil {
		m.Author = it.Author.Name
	} else if len(it.Authors) > 0 && it.Authors[0] != nil {
		m.Author = it.Authors[0].Name
	}

	html := it.Content
	if html == "" {
		html = it.Description
	}
	text, hasImage := HTMLText(html)
	if text == "" {
		text = strings.TrimSpace(it.Title)
	}
	m.Text = text
	m.ContentType = contentType(it, hasImage)
	return m, true
}

func trailingID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	}
	n, err := strconv.ParseInt(path.Base(strings.TrimRight(s, "/")), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func contentType(it *gofeed.Item, hasImage bool) model.ContentType {
	for _, enc := range it.Enclosures {
		if enc == nil {
			continue
		}
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			return model.ContentPhoto
		case strings.HasPrefix(enc.Type, "video/"):
			return model.ContentVideo
		case strings.HasPrefix(enc.Type, "audio/"):
			return model.ContentAudio
		case enc.Type != "":
			return model.ContentDocument
		}
	}
	if hasImage {
		return model.ContentPhoto
	}
	return model.ContentText
}

// HTMLText flattens feed HTML to plain text. Line breaks and paragraphs
// become newlines. It also reports whether the markup embeds an image.
func HTMLText(s string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s), false
	}
	hasImage := doc.Find("img").Length() > 0
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, blockquote").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n")), hasImage
}
