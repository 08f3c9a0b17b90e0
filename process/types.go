package process

import (
	"log/slog"
	"time"

	"github.com/jnesss/pgcpu-recorder/record"
)

// Snapshot is a point-in-time read of one process. Tick counters are in
// USER_HZ clock ticks, as reported by /proc/<pid>/stat.
type Snapshot struct {
	PID  int
	PPID int
	Comm string
	Args []string

	UserTicks        uint64
	SystemTicks      uint64
	ChildUserTicks   uint64
	ChildSystemTicks uint64
}

// OwnTicks is the CPU the process itself consumed.
func (s Snapshot) OwnTicks() uint64 {
	return s.UserTicks + s.SystemTicks
}

// ChildTicks is the CPU consumed by reaped descendants.
func (s Snapshot) ChildTicks() uint64 {
	return s.ChildUserTicks + s.ChildSystemTicks
}

// Inspector looks processes up in the process table. Snapshot reports
// false when the pid no longer resolves; that is routine for short-lived
// processes and never an error.
type Inspector interface {
	Snapshot(pid int) (Snapshot, bool)
	List() ([]Snapshot, error)
}

// Identity is the client a backend serves, parsed from its process title.
type Identity struct {
	Database string
	User     string
	Origin   string
}

// Entity is one process lifecycle under tracking. A nil Identity means the
// process has not announced its client yet.
type Entity struct {
	PID      int
	Kind     record.Kind
	Identity *Identity

	CPUTicks    uint64
	CPUBaseline uint64

	StartMillis int64
	StopMillis  int64
	Stopped     bool
}

func (e *Entity) Identified() bool {
	return e.Identity != nil
}

// CPUMillis converts the ticks consumed under tracking to milliseconds.
func (e *Entity) CPUMillis(tickScale time.Duration) int64 {
	if e.CPUTicks < e.CPUBaseline {
		return 0
	}
	return int64(e.CPUTicks-e.CPUBaseline) * tickScale.Milliseconds()
}

// Exportable reports whether finalizing the entity writes a record.
func (e *Entity) Exportable() bool {
	return e.Identified() || e.Kind.Synthetic()
}

// Record renders the entity for the output stream.
func (e *Entity) Record(tickScale time.Duration) record.Record {
	rec := record.Record{
		Kind:        e.Kind,
		PID:         e.PID,
		StartMillis: e.StartMillis,
		StopMillis:  e.StopMillis,
		CPUMillis:   e.CPUMillis(tickScale),
	}
	if e.Identity != nil {
		rec.Database = e.Identity.Database
		rec.User = e.Identity.User
		rec.Origin = e.Identity.Origin
	}
	return rec
}

// Options configures a Tracker.
type Options struct {
	// Target is the command name (comm) of tracked processes. Default: postgres
	Target string

	// ReaperPID is the parent of the root coordinator process. Default: 1
	ReaperPID int

	// TickScale is the duration of one accounting tick. Default: 10ms
	TickScale time.Duration

	// StrictTitle requires the rewritten "<target>:" title prefix before a
	// command line is accepted as an identity.
	StrictTitle bool

	Logger *slog.Logger

	// Clock defaults to time.Now. Start defaults to Clock() at construction.
	Clock func() time.Time
	Start time.Time
}

const (
	DefaultTarget    = "postgres"
	DefaultReaperPID = 1
	DefaultTickScale = 10 * time.Millisecond
)
