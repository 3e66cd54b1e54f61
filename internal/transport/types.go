// Package transport holds the chat-platform types shared by the bot
// adapter, the telegram reader and the telegram notification transport.
package transport

import (
	"context"
	"time"
)

// Post is one channel post delivered by the platform.
type Post struct {
	ChatID       int64
	ChatUsername string
	ChatTitle    string
	MessageID    int
	Date         time.Time
	Text         string // text or caption
	Author       string // author signature, when the channel signs posts
	Kind         string // text, photo, video, audio, document, other
	Edited       bool
}

// PostSink receives posts from the poll loop. It must not block for long.
type PostSink func(ctx context.Context, p Post)

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of a bot.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// Bot is a long-polling chat bot.
type Bot interface {
	Sender
	Start(ctx context.Context, sink PostSink) error
	Stop(ctx context.Context) error
}
