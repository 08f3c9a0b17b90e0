// Package platform subscribes to the kernel's process event connector and
// turns its notifications into fork and exit events.
package platform

import (
	"errors"
	"time"

	"github.com/jnesss/pgcpu-recorder/types"
)

var (
	// ErrUnsupported is returned by Connect where no proc connector exists.
	ErrUnsupported = errors.New("process event connector is only available on linux")

	// ErrMalformed marks a notification that could not be decoded.
	ErrMalformed = errors.New("malformed proc connector message")

	// ErrClosed is returned once the kernel side of the socket has shut down.
	ErrClosed = errors.New("proc connector socket closed")
)

// EventSource is a subscribed kernel notification channel.
type EventSource interface {
	Subscribe() error
	// Receive blocks at most timeout. It reports types.EventTimeout when
	// nothing arrived and types.EventNone for notifications that are not
	// process-level forks or exits.
	Receive(timeout time.Duration) (types.Event, error)
	Unsubscribe() error
	Close() error
}

var _ EventSource = (*Connector)(nil)
