package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig routes log lines at or above MinLevel to a chat via Sender.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// Sender delivers a plain-text message to a chat. The telegram transport
// implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Service owns the live zerolog root and its sinks.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]
	file fileSink

	sender    atomic.Value // senderBox
	chatQueue chan chatItem
	chatOnce  sync.Once
	chatStop  context.CancelFunc
	chatWG    sync.WaitGroup

	// guarded by mu
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
	dropped  uint64
}

type senderBox struct{ s Sender }

type chatItem struct {
	chatID int64
	text   string
}

// New builds the service, applies cfg and returns the root Logger. sender may
// be nil and bound later with SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{chatQueue: make(chan chatItem, 256)}
	s.sender.Store(senderBox{sender})
	boot := zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&boot)

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender binds the chat transport once it exists.
func (s *Service) SetSender(sender Sender) { s.sender.Store(senderBox{sender}) }

func (s *Service) getSender() Sender {
	b, _ := s.sender.Load().(senderBox)
	return b.s
}

// Dropped reports chat lines discarded because the queue was full.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Service) Close() error {
	s.mu.Lock()
	stop := s.chatStop
	s.chatStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.chatWG.Wait()
	}
	return s.file.swap(nil, "")
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chatID = cfg.Chat.ChatID
	s.minLevel = ParseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Chat.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	// The previous file stays open until the new root is stored.
	var (
		swapFile bool
		nextFile *os.File
		nextPath string
	)
	if cfg.File.Enabled {
		nextPath = strings.TrimSpace(cfg.File.Path)
		if nextPath == "" {
			nextPath = "./projcast.log"
		}
		if nextPath != s.file.currentPath() {
			f, err := os.OpenFile(nextPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", nextPath, err)
				nextPath = ""
			}
			nextFile, swapFile = f, true
		}
		if nextPath != "" {
			writers = append(writers, zerolog.SyncWriter(&s.file))
		}
	} else {
		swapFile = true
	}
	if cfg.Chat.Enabled {
		s.chatOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.chatStop = cancel
			s.chatWG.Add(1)
			go func() {
				defer s.chatWG.Done()
				s.chatWorker(ctx)
			}()
		})
		writers = append(writers, &chatWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(Stderr(), "logx: chat logging enabled but chat_id is not set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if swapFile {
		if err := s.file.swap(nextFile, nextPath); err != nil {
			fmt.Fprintf(Stderr(), "logx: close log file: %v\n", err)
		}
	}
}

// fileSink is the file writer shared by every root. Writes and swaps hold
// mu, so no write ever reaches a closed handle; with no file set writes are
// discarded.
type fileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func (w *fileSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return len(p), nil
	}
	return w.f.Write(p)
}

func (w *fileSink) currentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// swap installs f (nil disables the sink) and closes the previous file.
func (w *fileSink) swap(f *os.File, path string) error {
	w.mu.Lock()
	old := w.f
	w.f, w.path = f, path
	w.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
