package notifier

import (
	"context"
	"time"

	"tgdigest/internal/model"
)

// Config controls digest assembly and delivery.
type Config struct {
	// Recipient is an email address for smtp or a chat id for telegram.
	Recipient string

	RetryMax    int           // extra attempts after the first; default 2
	RetryDelay  time.Duration // fixed delay between attempts; default 2s
	SendTimeout time.Duration // per attempt; default 30s
	RatePerSec  float64       // transport calls per second; default 1

	MaxItems  int // items per digest; default 100
	TextLimit int // runes of message text per item; default 200

	SubjectPrefix  string
	AlertOnFailure bool
}

// Mail is one rendered notification.
type Mail struct {
	Subject string
	Text    string
	HTML    string
}

// Transport delivers a rendered mail to one recipient. Errors should be
// classified with model.NewTransient or model.NewPermanent; unclassified
// errors are treated as transient.
type Transport interface {
	Name() string
	Send(ctx context.Context, recipient string, m Mail) error
}

// Item is one matched message in a digest.
type Item struct {
	Message model.Message
	Channel string // display name
	Tags    []string
}

// Batch is the pending notification set of one cycle. A non-empty
// Recipient overrides the configured one.
type Batch struct {
	CycleID   string
	Recipient string
	Items     []Item
}

func (b Batch) Identities() []model.Identity {
	out := make([]model.Identity, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.Message.Identity())
	}
	return out
}

// Result describes a completed send.
type Result struct {
	Subject  string
	Items    int
	Attempts int
}

type HistoryItem struct {
	At       time.Time
	Subject  string
	Items    int
	Attempts int
	Error    string
}

// NotificationEvent is emitted on the event bus for each send outcome.
type NotificationEvent struct {
	Transport string    `json:"transport"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Subject   string    `json:"subject"`
	Items     int       `json:"items"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
