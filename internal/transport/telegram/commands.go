package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"projcast/internal/broadcast"
	"projcast/internal/ingress"
	"projcast/internal/projection"
	"projcast/pkg/logx"
)

// Submitter is the ingress side used by /project.
type Submitter interface {
	Submit(ctx context.Context, req ingress.Request) (projection.Snapshot, error)
}

// Messenger delivers text to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Commands interprets chat commands independently of the bot library.
type Commands struct {
	hub     *broadcast.Hub
	in      Submitter
	out     Messenger
	allowed atomic.Pointer[map[int64]struct{}]
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watches map[int64]*watch
}

type watch struct {
	cancel context.CancelFunc
}

// NewCommands builds a command set. An empty allowed list admits every user.
func NewCommands(hub *broadcast.Hub, in Submitter, out Messenger, allowed []int64, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Commands{
		hub:     hub,
		in:      in,
		out:     out,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		watches: map[int64]*watch{},
	}
	c.SetAllowed(allowed)
	return c
}

// SetAllowed replaces the user allow-list. Open watches are kept.
func (c *Commands) SetAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	c.allowed.Store(&m)
}

func (c *Commands) authorized(userID int64) bool {
	m := *c.allowed.Load()
	if len(m) == 0 {
		return true
	}
	_, ok := m[userID]
	return ok
}

// Handle runs one message and returns the reply, or "" when nothing should
// be sent back.
func (c *Commands) Handle(ctx context.Context, chatID, userID int64, text string) string {
	cmd, args := splitCommand(text)
	if cmd == "" {
		return ""
	}
	if !c.authorized(userID) {
		c.log.Debug("command from unauthorized user ignored", logx.Int64("user_id", userID), logx.String("cmd", cmd))
		return ""
	}

	switch cmd {
	case "/start", "/help":
		return helpText
	case "/project":
		return c.project(ctx, args)
	case "/projection":
		return formatSnapshot(c.hub.Current())
	case "/watch":
		return c.watch(chatID)
	case "/unwatch":
		if c.unwatch(chatID) {
			return "Stopped watching."
		}
		return "This chat is not watching."
	default:
		return ""
	}
}

func (c *Commands) project(ctx context.Context, args []string) string {
	start, growth, err := parseProjectArgs(args)
	if err != nil {
		return err.Error()
	}
	snap, err := c.in.Submit(ctx, ingress.Request{Source: "telegram", StartValue: start, GrowthPercent: growth})
	switch {
	case err == nil:
		return fmt.Sprintf("Published projection #%d.", snap.Seq)
	case errors.Is(err, ingress.ErrRateLimited):
		return "Too many updates, try again shortly."
	case errors.Is(err, ingress.ErrInvalidInput), errors.Is(err, projection.ErrInvalidProjection):
		return "Rejected: " + err.Error()
	default:
		c.log.Warn("telegram publish failed", logx.Err(err))
		return "Publish failed."
	}
}

func (c *Commands) watch(chatID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "Shutting down."
	}
	if _, ok := c.watches[chatID]; ok {
		return "This chat is already watching."
	}
	ctx, cancel := context.WithCancel(c.ctx)
	w := &watch{cancel: cancel}
	c.watches[chatID] = w

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		err := c.hub.Serve(ctx, chatSink{chatID: chatID, out: c.out}, broadcast.SessionOptions{
			Label: fmt.Sprintf("telegram:%d", chatID),
		})
		c.mu.Lock()
		if c.watches[chatID] == w {
			delete(c.watches, chatID)
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("telegram watch closed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}()
	return "Watching. Send /unwatch to stop."
}

func (c *Commands) unwatch(chatID int64) bool {
	c.mu.Lock()
	w, ok := c.watches[chatID]
	if ok {
		delete(c.watches, chatID)
	}
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
	return ok
}

// Watching reports how many chats have an open watch.
func (c *Commands) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// Close ends every watch and waits for their sessions to return or ctx to
// end.
func (c *Commands) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.watches = map[int64]*watch{}
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chatSink delivers snapshots as chat messages. A chat has no connection to
// probe, so Ping always succeeds.
type chatSink struct {
	chatID int64
	out    Messenger
}

func (s chatSink) Send(ctx context.Context, snap projection.Snapshot) error {
	return s.out.SendText(ctx, s.chatID, formatSnapshot(snap))
}

func (chatSink) Ping(context.Context) error { return nil }
