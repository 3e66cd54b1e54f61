package status

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"tgdigest/internal/model"
)

// Report is the state shown by the status command.
type Report struct {
	Runs     []model.CycleRun // newest first
	Cursors  map[string]model.Cursor
	Channels []model.ChannelConfig
	Backoff  map[model.Domain]model.BackoffState
	Notified int
	NextFire time.Time
	LastSlot time.Time
}

// Render writes r as aligned text. Times are relative to now.
func Render(w io.Writer, r Report, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rel := func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return humanize.RelTime(t, now, "ago", "from now")
	}

	fmt.Fprintf(tw, "next fire:\t%s\n", rel(r.NextFire))
	if !r.LastSlot.IsZero() {
		fmt.Fprintf(tw, "last slot:\t%s\n", r.LastSlot.Format("Mon 2006-01-02 15:04"))
	}
	fmt.Fprintf(tw, "notified records:\t%s\n", humanize.Comma(int64(r.Notified)))

	var active []string
	for _, d := range model.Domains {
		if st := r.Backoff[d]; st.Active() {
			active = append(active, fmt.Sprintf("%s x%d until %s", d, st.ConsecutiveFailures, rel(st.NextRetryNotBefore)))
		}
	}
	if len(active) == 0 {
		active = []string{"none"}
	}
	fmt.Fprintf(tw, "backoff:\t%s\n", strings.Join(active, ", "))

	fmt.Fprintln(tw, "\nCHANNEL\tNAME\tLAST SEEN\tSINCE")
	ids := make([]string, 0, len(r.Cursors))
	names := map[string]string{}
	for _, ch := range r.Channels {
		names[ch.ID] = ch.Name()
		if _, ok := r.Cursors[ch.ID]; !ok {
			ids = append(ids, ch.ID)
		}
	}
	for id := range r.Cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c, ok := r.Cursors[id]
		last := "-"
		if ok && c.LastSeenID > 0 {
			last = fmt.Sprint(c.LastSeenID)
		}
		name := names[id]
		if name == "" {
			name = "(not configured)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, name, last, rel(c.Since))
	}

	fmt.Fprintln(tw, "\nSTARTED\tTRIGGER\tSTATUS\tCHANNELS\tMATCHED\tNOTIFIED\tTOOK\tERROR")
	for _, run := range r.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			rel(run.StartedAt), run.Trigger, run.Status,
			run.ChannelsProcessed-run.ChannelsFailed, run.ChannelsProcessed,
			run.MessagesMatched, run.MessagesNotified,
			run.Duration().Round(time.Millisecond), oneLine(run.ErrorSummary, 60))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
