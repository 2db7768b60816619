package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"projcast/internal/projection"
)

// sseSink writes snapshots as text/event-stream frames:
//
//	event: snapshot
//	data: {...}
//
// and keep-alives as ": ping" comments.
type sseSink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu sync.Mutex
}

func newSSESink(w http.ResponseWriter, writeTimeout time.Duration) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (s *sseSink) Send(_ context.Context, snap projection.Snapshot) error {
	payload, err := projection.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(payload)+32)
	frame = append(frame, "event: snapshot\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return s.write(frame)
}

func (s *sseSink) Ping(context.Context) error {
	return s.write([]byte(": ping\n\n"))
}

func (s *sseSink) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
