package types

// EventKind identifies what a notification source delivered.
type EventKind int

const (
	EventNone    EventKind = iota // a notification the tracker does not consume
	EventTimeout                  // the wait expired without a notification
	EventFork                     // a new thread-group leader was forked
	EventExit                     // a thread-group leader exited
)

func (k EventKind) String() string {
	switch k {
	case EventTimeout:
		return "timeout"
	case EventFork:
		return "fork"
	case EventExit:
		return "exit"
	default:
		return "none"
	}
}

// Event is one decoded process notification.
// ParentPID is only set for EventFork.
type Event struct {
	Kind      EventKind
	PID       int
	ParentPID int
}
