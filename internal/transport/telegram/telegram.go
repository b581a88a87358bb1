// Package telegram is the chat channel: it sends suggestion text to the
// owner's chat and publishes the owner's replies on the event bus.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"jarvis/internal/eventbus"
	rtsup "jarvis/internal/runtime/supervisor"
	logx "jarvis/pkg/logx"
)

type Config struct {
	Token       string
	OwnerChatID int64
	ThreadID    int // forum topic for outgoing messages; 0 for none
	PollTimeout time.Duration

	// ReplyButtons are offered under each outgoing message; pressing one
	// counts as typing that word.
	ReplyButtons []string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the stop watcher; created on Start.
	sup *rtsup.Supervisor
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	return newAdapter(cfg, bus, log, false)
}

func newAdapter(cfg Config, bus eventbus.Bus, log logx.Logger, offline bool) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.OwnerChatID == 0 {
		return nil, errors.New("telegram owner chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.Comp("telegram")), bus: bus, bot: b}
	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		var fromID int64
		var fromUser string
		if m.Sender != nil {
			fromID, fromUser = m.Sender.ID, m.Sender.Username
		}
		a.handleText(m.Chat.ID, fromID, fromUser, m.Text)
		return nil
	})
	b.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	word, ok := a.replyWord(cb.Data)
	if !ok {
		return c.Respond()
	}
	var fromID int64
	var fromUser string
	if cb.Sender != nil {
		fromID, fromUser = cb.Sender.ID, cb.Sender.Username
	}
	if a.handleText(cb.Message.Chat.ID, fromID, fromUser, word) {
		// One answer per message.
		if _, err := a.bot.EditReplyMarkup(cb.Message, nil); err != nil {
			a.log.Debug("remove reply buttons failed", logx.Err(err))
		}
	}
	return c.Respond(&tele.CallbackResponse{Text: word})
}

func (a *Adapter) replyWord(data string) (string, bool) {
	i, ok := parseReplyData(data)
	if !ok || i >= len(a.cfg.ReplyButtons) {
		return "", false
	}
	return a.cfg.ReplyButtons[i], true
}

// handleText publishes owner messages as user text; other chats are ignored.
func (a *Adapter) handleText(chatID, fromID int64, fromUsername, text string) bool {
	if chatID != a.cfg.OwnerChatID {
		a.log.Debug("ignoring message from foreign chat", logx.Int64("chat_id", chatID))
		return false
	}
	if strings.TrimSpace(text) == "" || a.bus == nil {
		return false
	}
	a.bus.Publish(eventbus.Event{
		Kind: eventbus.KindTelegramMessage,
		Time: time.Now(),
		Attrs: eventbus.Attrs(
			"text", text,
			"chat_id", chatID,
			"from_id", fromID,
			"from_username", fromUsername,
		),
	})
	return true
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app; the chat channel is best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() blocks until Stop(); if it returns while we are still
	// running, restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

// Stop never blocks shutdown for long on the Telegram long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// Send implements notifier.Notifier for the text channel. The reply buttons
// go under the last chunk.
func (a *Adapter) Send(ctx context.Context, text string) error {
	return a.send(ctx, text, true)
}

// Plain returns a notifier for messages that expect no reply, such as
// acknowledgements; it never attaches reply buttons.
func (a *Adapter) Plain() PlainSender { return PlainSender{a: a} }

type PlainSender struct{ a *Adapter }

func (p PlainSender) Send(ctx context.Context, text string) error {
	return p.a.send(ctx, text, false)
}

func (a *Adapter) send(ctx context.Context, text string, buttons bool) error {
	chat := &tele.Chat{ID: a.cfg.OwnerChatID}
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, a.sendOptions(buttons && i == len(chunks)-1)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendOptions(buttons bool) *tele.SendOptions {
	opt := &tele.SendOptions{ThreadID: a.cfg.ThreadID, DisableWebPagePreview: true}
	if buttons {
		opt.ReplyMarkup = replyMarkup(a.cfg.ReplyButtons)
	}
	return opt
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
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
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
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
