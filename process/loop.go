package process

import (
	"context"
	"fmt"
	"time"

	"github.com/jnesss/pgcpu-recorder/types"
)

// Receiver waits up to timeout for the next process notification.
type Receiver interface {
	Receive(timeout time.Duration) (types.Event, error)
}

// DefaultTickInterval matches the 100 Hz accounting clock.
const DefaultTickInterval = 10 * time.Millisecond

// Run feeds notifications from src into t and reconciles at least once per
// interval, however busy the notification stream is. Cancellation of ctx is
// observed between iterations; Run then returns nil. A receive error ends
// the loop and is returned. The caller flushes the tracker in both cases.
func Run(ctx context.Context, src Receiver, t *Tracker, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	lastTick := t.opts.Clock()
	sweep := func() {
		t.OnTick()
		recordTick()
		lastTick = t.opts.Clock()
	}

	for ctx.Err() == nil {
		wait := interval - t.opts.Clock().Sub(lastTick)
		if wait <= 0 {
			sweep()
			continue
		}

		ev, err := src.Receive(wait)
		if err != nil {
			return fmt.Errorf("failed to receive process notification: %w", err)
		}

		switch ev.Kind {
		case types.EventFork:
			t.OnFork(ev.ParentPID, ev.PID)
		case types.EventExit:
			t.OnExit(ev.PID)
		case types.EventTimeout:
			sweep()
		}
	}
	return nil
}
