package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "termsched/pkg/logx"
)

// TelegramConfig configures the Telegram forwarder.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerSec bounds outbound messages; excess messages are dropped.
	RatePerSec int
	// FailuresOnly forwards only failure messages.
	FailuresOnly bool
}

// sender is the subset of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram forwards outcome messages to a chat. Notify enqueues without
// blocking; Run performs the sends.
type Telegram struct {
	cfg     TelegramConfig
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter
	queue   chan string
	dropped atomic.Uint64
}

// NewTelegramBot builds a bot client without contacting the API.
func NewTelegramBot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := NewTelegramBot(cfg.Token)
	if err != nil {
		return nil, err
	}
	return newTelegram(cfg, b, log), nil
}

func newTelegram(cfg TelegramConfig, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Telegram{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan string, 64),
	}
}

func (t *Telegram) Notify(msg string) {
	if t.cfg.FailuresOnly && !strings.Contains(strings.ToLower(msg), "failed") {
		return
	}
	if !t.limiter.Allow() {
		t.dropped.Add(1)
		return
	}
	select {
	case t.queue <- msg:
	default:
		t.dropped.Add(1)
	}
}

func (t *Telegram) Dropped() uint64 { return t.dropped.Load() }

// Run sends queued messages until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	chat := &tele.Chat{ID: t.cfg.ChatID}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
			start := time.Now()
			if _, err := t.bot.Send(chat, msg, opts); err != nil {
				t.log.Warn("telegram notify failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}
	}
}
