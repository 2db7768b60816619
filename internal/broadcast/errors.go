package broadcast

import "errors"

var (
	// ErrWaitTimeout reports that Notifier.Wait hit its timeout. It is a
	// keep-alive signal, not a failure.
	ErrWaitTimeout = errors.New("wait timeout")

	// ErrTransport wraps a Sink failure. It is local to one Session.
	ErrTransport = errors.New("subscriber transport error")
)
