package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgdigest/internal/model"
	rtsup "tgdigest/internal/runtime/supervisor"
	kit "tgdigest/internal/transport"
	logx "tgdigest/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (local bot-api server, tests).
	APIURL string
	// Offline skips the getMe call on construction.
	Offline bool
}

// Adapter wraps a telebot long-poller. Channel posts flow to the sink set
// by Start; SendText is usable without Start.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	sink    atomic.Value // kit.PostSink
	sinkCtx atomic.Value // context.Context
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and stop watcher. Created by Start, canceled by Stop.
	sup *rtsup.Supervisor

	posts   atomic.Uint64
	ignored atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"channel_post", "edited_channel_post"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	a.sink.Store(kit.PostSink(nil))
	a.sinkCtx.Store(context.Background())
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		a.deliver(c.Message(), false)
		return nil
	})
	a.bot.Handle(tele.OnEditedChannelPost, func(c tele.Context) error {
		a.deliver(c.Message(), true)
		return nil
	})
}

func (a *Adapter) deliver(m *tele.Message, edited bool) {
	sink, _ := a.sink.Load().(kit.PostSink)
	if m == nil || m.Chat == nil || sink == nil {
		a.ignored.Add(1)
		return
	}
	a.posts.Add(1)
	ctx, _ := a.sinkCtx.Load().(context.Context)
	sink(ctx, PostFromMessage(m, edited))
}

// PostFromMessage converts a telebot channel message.
func PostFromMessage(m *tele.Message, edited bool) kit.Post {
	p := kit.Post{
		ChatID:       m.Chat.ID,
		ChatUsername: m.Chat.Username,
		ChatTitle:    m.Chat.Title,
		MessageID:    m.ID,
		Date:         m.Time(),
		Text:         m.Text,
		Author:       m.Signature,
		Kind:         string(model.ContentText),
		Edited:       edited,
	}
	if p.Text == "" {
		p.Text = m.Caption
	}
	switch {
	case m.Photo != nil:
		p.Kind = string(model.ContentPhoto)
	case m.Video != nil || m.Animation != nil:
		p.Kind = string(model.ContentVideo)
	case m.Audio != nil || m.Voice != nil:
		p.Kind = string(model.ContentAudio)
	case m.Document != nil:
		p.Kind = string(model.ContentDocument)
	case m.Text == "":
		p.Kind = string(model.ContentOther)
	}
	return p
}

func (a *Adapter) Start(ctx context.Context, sink kit.PostSink) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sink.Store(sink)
	a.sinkCtx.Store(ctx)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop. It can return early on some
	// failures, so it runs under a restart loop.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.sink.Store(kit.PostSink(nil))
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("posts", a.posts.Load()), logx.Uint64("ignored", a.ignored.Load()))
	sup.Cancel()
	go a.bot.Stop()

	// The long poll may still be waiting; keep shutdown snappy.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Supervisor returns the poll-loop supervisor, nil when not started.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

const telegramTextLimit = 4000

// SendText sends text, split into chunks Telegram accepts. Errors are
// classified: flood waits and server errors are transient, other API
// rejections (chat not found, bot kicked) are permanent.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range SplitText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return model.NewTransient(err)
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return Classify(err)
		}
	}
	return nil
}

// Classify maps a Bot API error onto transient or permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return model.NewTransient(err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return model.NewPermanent(err)
	}
	return model.NewTransient(err)
}

// SplitText splits s into chunks of at most limit runes. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func SplitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
