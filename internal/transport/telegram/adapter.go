package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"projcast/internal/broadcast"
	"projcast/internal/runtime/supervisor"
	"projcast/pkg/logx"
)

var errPollerExited = errors.New("telegram poller exited")

const (
	defaultPollTimeout = 10 * time.Second
	defaultRatePerSec  = 20
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowedIDs restricts commands to these user IDs; empty admits everyone.
	AllowedIDs []int64
	// RatePerSec caps outgoing messages across all chats.
	RatePerSec float64
}

// Adapter runs the bot long-poll loop and sends chat messages. It implements
// logx.Sender.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	cmds    *Commands
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func New(cfg Config, hub *broadcast.Hub, in Submitter, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
	a.cmds = NewCommands(hub, in, a, cfg.AllowedIDs, log)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Commands exposes the command set, mainly for stats.
func (a *Adapter) Commands() *Commands { return a.cmds }

// Supervisor returns the adapter's supervisor (nil if not started).
func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	ctx := context.Background()
	if sup := a.Supervisor(); sup != nil {
		ctx = sup.Context()
	}
	reply := a.cmds.Handle(ctx, m.Chat.ID, m.Sender.ID, m.Text)
	if reply == "" {
		return nil
	}
	return a.SendText(ctx, m.Chat.ID, reply)
}

// SendText sends text to chatID, split into message-sized chunks. Each chunk
// waits on the shared rate limiter.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(tele.ChatID(chatID), part, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		// a broken bot must not take the HTTP side down with it
		supervisor.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.stopBot()
	})

	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errPollerExited
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	a.setMenu()
	return nil
}

func (a *Adapter) setMenu() {
	cmds := []tele.Command{
		{Text: "project", Description: "Publish a projection: /project <start> <growth%>"},
		{Text: "projection", Description: "Show the current projection"},
		{Text: "watch", Description: "Send every update to this chat"},
		{Text: "unwatch", Description: "Stop sending updates"},
	}
	if err := a.bot.SetCommands(cmds); err != nil {
		a.log.Warn("menu commands update failed", logx.Err(err))
	}
}

// stopBot stops the poller without waiting past stopGrace; bot.Stop blocks
// when the poll loop is not running.
func (a *Adapter) stopBot() {
	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		close(done)
	}()
	t := time.NewTimer(stopGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		a.log.Debug("telebot stop still pending")
	}
}

// Stop ends watches and the poller. It never fails shutdown; problems are
// logged.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if err := a.cmds.Close(ctx); err != nil {
		a.log.Warn("telegram watches did not close", logx.Err(err))
	}
	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	grace := stopGrace + time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
