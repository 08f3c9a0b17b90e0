package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/pgcpu-recorder/types"
)

// scriptedReceiver replays events, then cancels the run.
type scriptedReceiver struct {
	events   []types.Event
	err      error
	cancel   context.CancelFunc
	clock    *fakeClock
	timeouts []time.Duration
}

func (s *scriptedReceiver) Receive(timeout time.Duration) (types.Event, error) {
	s.timeouts = append(s.timeouts, timeout)
	if len(s.events) == 0 {
		if s.err != nil {
			return types.Event{}, s.err
		}
		s.cancel()
		return types.Event{Kind: types.EventTimeout}, nil
	}
	ev := s.events[0]
	s.events = s.events[1:]
	if ev.Kind == types.EventTimeout {
		s.clock.advance(timeout)
	}
	return ev, nil
}

func TestRunDispatches(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedReceiver{
		cancel: cancel,
		clock:  clock,
		events: []types.Event{
			{Kind: types.EventFork, ParentPID: postmaster, PID: child},
			{Kind: types.EventNone},
			{Kind: types.EventTimeout},
			{Kind: types.EventExit, PID: child},
		},
	}
	insp.backend(child, postmaster, 9, "postgres: alice db1 1.2.3.4(5678)")

	require.NoError(t, Run(ctx, src, tr, 10*time.Millisecond))

	assert.Equal(t, 0, tr.Len())
	require.Len(t, sink.records, 1)
	assert.Equal(t, int64(90), sink.records[0].CPUMillis)
	assert.Equal(t, int64(10), sink.records[0].StopMillis)
}

func TestRunTicksUnderContinuousTraffic(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0, "postgres: a b c")
	tr.OnFork(postmaster, child)
	tr.OnTick()
	insp.gone(child)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Never time out: every receive returns a foreign notification and
	// takes 4ms.
	n := 0
	src := receiverFunc(func(timeout time.Duration) (types.Event, error) {
		n++
		clock.advance(4 * time.Millisecond)
		if n == 5 {
			cancel()
		}
		return types.Event{Kind: types.EventNone}, nil
	})

	require.NoError(t, Run(ctx, src, tr, 10*time.Millisecond))
	assert.Equal(t, 0, tr.Len())
	assert.Len(t, sink.records, 1)
}

func TestRunReceiveError(t *testing.T) {
	tr, _, _, clock := newTestTracker(Options{})
	boom := errors.New("netlink recv: bad file descriptor")
	src := &scriptedReceiver{err: boom, clock: clock}

	err := Run(context.Background(), src, tr, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	tr, _, _, clock := newTestTracker(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedReceiver{clock: clock, cancel: cancel}

	require.NoError(t, Run(ctx, src, tr, 10*time.Millisecond))
	assert.Empty(t, src.timeouts)
}

func TestRunWaitsForRemainingInterval(t *testing.T) {
	tr, _, _, clock := newTestTracker(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := 0
	var waits []time.Duration
	src := receiverFunc(func(timeout time.Duration) (types.Event, error) {
		waits = append(waits, timeout)
		n++
		clock.advance(3 * time.Millisecond)
		if n == 2 {
			cancel()
		}
		return types.Event{Kind: types.EventNone}, nil
	})

	require.NoError(t, Run(ctx, src, tr, 10*time.Millisecond))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 7 * time.Millisecond}, waits)
}

type receiverFunc func(time.Duration) (types.Event, error)

func (f receiverFunc) Receive(timeout time.Duration) (types.Event, error) { return f(timeout) }
