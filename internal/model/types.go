package model

import (
	"fmt"
	"time"
)

// ContentType describes what a channel message carries besides text.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentPhoto    ContentType = "photo"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentOther    ContentType = "other"
)

// Placeholder returns the text used for a media message without caption.
func (c ContentType) Placeholder() string {
	switch c {
	case "", ContentText:
		return ""
	default:
		return "[" + string(c) + "]"
	}
}

// Message is one channel post as returned by a reader.
// Identity is (ChannelID, MessageID); MessageID grows monotonically per channel.
type Message struct {
	ChannelID   string
	MessageID   int64
	Timestamp   time.Time
	Text        string
	Author      string
	ContentType ContentType
	Link        string
}

func (m Message) Identity() Identity {
	return Identity{ChannelID: m.ChannelID, MessageID: m.MessageID}
}

// Body is the text used for matching and rendering. Media without caption
// falls back to a placeholder.
func (m Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.ContentType.Placeholder()
}

type Identity struct {
	ChannelID string
	MessageID int64
}

func (id Identity) String() string { return fmt.Sprintf("%s:%d", id.ChannelID, id.MessageID) }

// ChannelConfig is read-only to the pipeline.
type ChannelConfig struct {
	ID          string
	DisplayName string
	Enabled     bool
	Source      string
	URL         string
}

func (c ChannelConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ID
}

// InterestTag is one pattern of the tag set. Matching is any-of.
type InterestTag struct {
	Pattern       string
	CaseSensitive bool
	IsRegex       bool
	WholeWord     bool
	Synonyms      []string
}

type NotifiedRecord struct {
	ChannelID  string
	MessageID  int64
	NotifiedAt time.Time
}

func (r NotifiedRecord) Identity() Identity {
	return Identity{ChannelID: r.ChannelID, MessageID: r.MessageID}
}

// Cursor is the per-channel watermark. LastSeenID never decreases.
// Since is the baseline written on the first cycle of a channel; readers
// ignore messages older than it.
type Cursor struct {
	ChannelID  string
	LastSeenID int64
	Since      time.Time
}

type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerWake     Trigger = "wake"
)

// CycleRun is the append-only outcome of one cycle.
type CycleRun struct {
	ID                string
	Trigger           Trigger
	Slot              time.Time
	StartedAt         time.Time
	EndedAt           time.Time
	Status            RunStatus
	ChannelsProcessed int
	ChannelsFailed    int
	MessagesMatched   int
	MessagesNotified  int
	ErrorSummary      string
}

func (r CycleRun) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Domain names a failure domain with its own backoff counter.
type Domain string

const (
	DomainNetwork Domain = "network"
	DomainMail    Domain = "mail"
	DomainStorage Domain = "storage"
)

var Domains = []Domain{DomainNetwork, DomainMail, DomainStorage}

type BackoffState struct {
	Domain              Domain
	ConsecutiveFailures int
	NextRetryNotBefore  time.Time
}

func (b BackoffState) Active() bool { return b.ConsecutiveFailures > 0 }
