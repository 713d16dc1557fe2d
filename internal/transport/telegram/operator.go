// Package telegram is the operator channel: warn/error log lines and cycle
// alerts are pushed to one chat, and that chat may ask for /status or /sync.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "arpgbot/internal/runtime/supervisor"
	logx "arpgbot/pkg/logx"
)

type Config struct {
	Token string
	// ChatID receives operator messages; commands from other chats are ignored.
	ChatID   int64
	ThreadID int
	// PollTimeout is the long-poll timeout (default 10s).
	PollTimeout time.Duration
}

// Hooks answer operator commands. A nil hook disables its command.
type Hooks struct {
	Status func(ctx context.Context) (string, error)
	Sync   func(ctx context.Context) (string, error)
}

// sender is the part of *tele.Bot used to send messages.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Operator struct {
	cfg Config
	log logx.Logger

	bot  *tele.Bot
	send sender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	hooks   Hooks
}

func New(cfg Config, log logx.Logger) (*Operator, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Operator{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, send: b}, nil
}

// SetHooks installs the command handlers. Call before Start.
func (o *Operator) SetHooks(h Hooks) { o.hooks = h }

func (o *Operator) registerHandlers() {
	o.bot.Handle("/status", o.command("status", o.hooks.Status))
	o.bot.Handle("/sync", o.command("sync", o.hooks.Sync))
}

func (o *Operator) command(name string, fn func(ctx context.Context) (string, error)) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Chat() == nil || c.Chat().ID != o.cfg.ChatID {
			return nil
		}
		if fn == nil {
			return c.Send("/" + name + " is not available")
		}
		ctx, cancel := context.WithTimeout(o.context(), 2*time.Minute)
		defer cancel()
		text, err := fn(ctx)
		if err != nil {
			o.log.Warn("operator command failed", logx.String("cmd", name), logx.Err(err))
			text = "/" + name + " failed: " + err.Error()
		}
		return o.SendText(ctx, text)
	}
}

func (o *Operator) context() context.Context {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.sup != nil {
		return o.sup.Context()
	}
	return context.Background()
}

// Start begins polling for operator commands. Without hooks it only sends.
func (o *Operator) Start(ctx context.Context) error {
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return nil
	}
	o.running = true
	o.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(o.log),
		// operator channel errors must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := o.sup
	o.runMu.Unlock()

	if o.hooks.Status == nil && o.hooks.Sync == nil {
		return nil
	}
	o.registerHandlers()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		o.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		o.log.Info("polling started")
		o.bot.Start()
		o.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (o *Operator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	sup := o.sup
	o.sup = nil
	wasRunning := o.running
	o.running = false
	o.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// keep shutdown snappy even if getUpdates is still waiting
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			o.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		o.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendLog implements logx.Sink.
func (o *Operator) SendLog(ctx context.Context, text string) error {
	return o.SendText(ctx, text)
}

// SendText sends text to the operator chat, split into Telegram-sized chunks.
func (o *Operator) SendText(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: o.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: o.cfg.ThreadID}
		if _, err := o.send.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText splits long messages on newline boundaries where possible.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
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
