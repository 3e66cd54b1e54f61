package notifier

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"tgdigest/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = map[string]any{"join": strings.Join}

var (
	digestText = template.Must(template.New("digest.txt.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/digest.txt.tmpl"))
	digestHTML = htmltemplate.Must(htmltemplate.New("digest.html.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/digest.html.tmpl"))
	alertText  = template.Must(template.New("alert.txt.tmpl").ParseFS(templateFS, "templates/alert.txt.tmpl"))
)

const timeLayout = "2006-01-02 15:04"

type digestView struct {
	Subject   string
	Summary   string
	Generated string
	Groups    []groupView
}

type groupView struct {
	Channel string
	Items   []itemView
}

type itemView struct {
	Time   string
	Ago    string
	Author string
	Text   string
	Link   string
	Tags   []string
}

// DigestSubject is the subject line for n items.
func DigestSubject(prefix string, n int) string {
	noun := "items"
	if n == 1 {
		noun = "item"
	}
	return prefix + "New content: " + humanize.Comma(int64(n)) + " " + noun
}

// RenderDigest builds the text and HTML bodies of one digest. Items are
// grouped by channel in order of first appearance.
func RenderDigest(b Batch, now time.Time, cfg Config) Mail {
	view := digestView{
		Subject:   DigestSubject(cfg.SubjectPrefix, len(b.Items)),
		Generated: now.Format(timeLayout),
	}
	channels := 0
	idx := map[string]int{}
	for _, it := range b.Items {
		name := it.Channel
		if name == "" {
			name = it.Message.ChannelID
		}
		i, ok := idx[name]
		if !ok {
			i = len(view.Groups)
			idx[name] = i
			view.Groups = append(view.Groups, groupView{Channel: name})
			channels++
		}
		view.Groups[i].Items = append(view.Groups[i].Items, itemView{
			Time:   it.Message.Timestamp.Format(timeLayout),
			Ago:    humanize.RelTime(it.Message.Timestamp, now, "ago", "from now"),
			Author: it.Message.Author,
			Text:   Truncate(it.Message.Body(), cfg.TextLimit),
			Link:   it.Message.Link,
			Tags:   it.Tags,
		})
	}
	view.Summary = humanize.Comma(int64(len(b.Items))) + " new " + plural(len(b.Items), "message", "messages") +
		" from " + humanize.Comma(int64(channels)) + " " + plural(channels, "channel", "channels")

	return Mail{
		Subject: view.Subject,
		Text:    execText(digestText, view),
		HTML:    execHTML(digestHTML, view),
	}
}

// RenderAlert builds the failure notice for run.
func RenderAlert(run model.CycleRun, now time.Time, cfg Config) Mail {
	view := struct {
		Run      model.CycleRun
		Started  string
		Duration string
	}{
		Run:      run,
		Started:  run.StartedAt.Format(timeLayout),
		Duration: run.Duration().Round(time.Millisecond).String(),
	}
	return Mail{
		Subject: cfg.SubjectPrefix + "Digest cycle failed",
		Text:    execText(alertText, view),
	}
}

// RenderTest builds a configuration check message.
func RenderTest(now time.Time, cfg Config) Mail {
	return Mail{
		Subject: cfg.SubjectPrefix + "Mail configuration test",
		Text:    "This is a test message sent at " + now.Format(time.RFC1123) + ".\nDelivery works.\n",
	}
}

// Truncate cuts s to limit runes and marks the cut with "...".
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:limit]), func(r rune) bool { return r == ' ' || r == '\n' }) + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func execText(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "render error: " + err.Error()
	}
	return buf.String()
}

func execHTML(t *htmltemplate.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
