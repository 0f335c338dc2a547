package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/instruments/session/channel"
)

var (
	// ErrFailedToStart matches every error returned by a failed Start.
	ErrFailedToStart = errors.New("session failed to start")

	ErrStartup              = errors.New("device preparation failed")
	ErrResourceCreation     = errors.New("creating session resources failed")
	ErrLaunch               = errors.New("launching process failed")
	ErrHandshakeTimeout     = errors.New("handshake timed out")
	ErrHandshakeInterrupted = errors.New("handshake interrupted")
	ErrProcessCrashed       = errors.New("process crashed")

	ErrChannelNotReady  = channel.ErrNotReady
	ErrInvalidState     = errors.New("invalid session state")
	ErrInvalidSessionID = errors.New("invalid session ID")
)

// StartError is returned by a failed Start. It matches ErrFailedToStart, its Kind, and the underlying error.
type StartError struct {
	SessionID string
	// Kind is one of ErrStartup, ErrResourceCreation, ErrLaunch, ErrHandshakeTimeout,
	// ErrHandshakeInterrupted or ErrProcessCrashed.
	Kind error
	Err  error
	// Diagnostic is the tail of the process output, if the process was launched.
	Diagnostic string
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s: %s: %s", e.SessionID, ErrFailedToStart, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		fmt.Fprintf(&b, "\nprocess output:\n%s", d)
	}
	return b.String()
}

func (e *StartError) Unwrap() []error {
	errs := []error{ErrFailedToStart, e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
