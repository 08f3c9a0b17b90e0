package process

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/record"
)

// Tracker owns every tracked lifecycle. It is not safe for concurrent use:
// one loop feeds it forks, exits and ticks.
type Tracker struct {
	inspector Inspector
	sink      record.Sink
	opts      Options
	logger    *slog.Logger

	entities map[int]*Entity

	// The synthetic entities share the master's pid, so they live outside
	// the pid-keyed map.
	master     *Entity
	masterTree *Entity
}

// NewTracker creates a tracker exporting to sink.
func NewTracker(inspector Inspector, sink record.Sink, opts Options) *Tracker {
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.ReaperPID == 0 {
		opts.ReaperPID = DefaultReaperPID
	}
	if opts.TickScale == 0 {
		opts.TickScale = DefaultTickScale
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Start.IsZero() {
		opts.Start = opts.Clock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}

	return &Tracker{
		inspector: inspector,
		sink:      sink,
		opts:      opts,
		logger:    log.WithComponent(logger, "tracker"),
		entities:  make(map[int]*Entity),
	}
}

// Start is the monitor start time all millisecond offsets are relative to.
func (t *Tracker) Start() time.Time {
	return t.opts.Start
}

// Len is the number of tracked regular entities.
func (t *Tracker) Len() int {
	return len(t.entities)
}

// Lookup returns a copy of the regular entity for pid.
func (t *Tracker) Lookup(pid int) (Entity, bool) {
	e, ok := t.entities[pid]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

func (t *Tracker) Master() (Entity, bool) {
	if t.master == nil {
		return Entity{}, false
	}
	return *t.master, true
}

func (t *Tracker) MasterTree() (Entity, bool) {
	if t.masterTree == nil {
		return Entity{}, false
	}
	return *t.masterTree, true
}

func (t *Tracker) now() int64 {
	return t.opts.Clock().Sub(t.opts.Start).Milliseconds()
}

// OnFork starts tracking childPID when both it and its parent run the
// target command. Anything else is a race with an unrelated short-lived
// process or a foreign fork and is dropped silently.
func (t *Tracker) OnFork(parentPID, childPID int) {
	if _, ok := t.entities[childPID]; ok {
		t.ignoreFork(parentPID, childPID, "duplicate")
		return
	}

	parent, ok := t.inspector.Snapshot(parentPID)
	if !ok {
		t.ignoreFork(parentPID, childPID, "parent_gone")
		return
	}
	child, ok := t.inspector.Snapshot(childPID)
	if !ok {
		t.ignoreFork(parentPID, childPID, "child_gone")
		return
	}
	if parent.Comm != t.opts.Target || child.Comm != t.opts.Target {
		t.ignoreFork(parentPID, childPID, "foreign")
		return
	}

	e := &Entity{
		PID:         childPID,
		Kind:        record.KindRegular,
		CPUTicks:    child.OwnTicks(),
		StartMillis: t.now(),
	}
	t.entities[childPID] = e
	recordTracked(len(t.entities))
	t.logger.Debug("tracking forked backend", log.PIDKey, childPID, log.ParentPIDKey, parentPID)
}

func (t *Tracker) ignoreFork(parentPID, childPID int, reason string) {
	recordForkIgnored(reason)
	t.logger.Log(context.Background(), log.LevelTrace, "ignoring fork",
		log.PIDKey, childPID, log.ParentPIDKey, parentPID, log.ReasonKey, reason)
}

// OnExit finalizes the entity for pid. Exits of untracked pids are ignored.
// The master's exit finalizes both synthetic entities.
func (t *Tracker) OnExit(pid int) {
	if e, ok := t.entities[pid]; ok {
		if snap, ok := t.inspector.Snapshot(pid); ok {
			t.update(e, snap)
		}
		t.finalize(e)
		delete(t.entities, pid)
		recordTracked(len(t.entities))
		return
	}

	if t.master != nil && t.master.PID == pid {
		t.logger.Warn("master process exited", log.PIDKey, pid)
		if snap, ok := t.inspector.Snapshot(pid); ok {
			t.updateMaster(snap)
		}
		t.finalizeMaster()
	}
}

// update folds a fresh snapshot into e. Ticks never move backwards.
func (t *Tracker) update(e *Entity, snap Snapshot) {
	ticks := snap.OwnTicks()
	if e.Kind == record.KindMasterTree {
		ticks = snap.ChildTicks()
	}
	if ticks > e.CPUTicks {
		e.CPUTicks = ticks
	}
	t.identify(e, snap)
}

func (t *Tracker) updateMaster(snap Snapshot) {
	t.update(t.master, snap)
	t.update(t.masterTree, snap)
}

// identify is the one Unidentified -> Identified transition. It is a no-op
// for identified and synthetic entities.
func (t *Tracker) identify(e *Entity, snap Snapshot) {
	if e.Identified() || e.Kind.Synthetic() {
		return
	}
	id, ok := ParseTitle(snap.Args, t.opts.Target, t.opts.StrictTitle)
	if !ok {
		return
	}
	e.Identity = id
	t.logger.Debug("identified backend", log.PIDKey, e.PID,
		"database", id.Database, "user", id.User, "origin", id.Origin)
}

// finalize stops e and exports it when the export policy allows.
func (t *Tracker) finalize(e *Entity) {
	e.StopMillis = t.now()
	e.Stopped = true

	if !e.Exportable() {
		recordDropped()
		t.logger.Debug("dropping unidentified backend", log.PIDKey, e.PID)
		return
	}

	rec := e.Record(t.opts.TickScale)
	if err := t.sink.Write(rec); err != nil {
		recordSinkError()
		t.logger.Error("failed to export record", log.PIDKey, e.PID, log.Error(err))
		return
	}
	recordExported(e.Kind)
}

func (t *Tracker) finalizeMaster() {
	t.finalize(t.master)
	t.finalize(t.masterTree)
	t.master, t.masterTree = nil, nil
}

func (t *Tracker) sortedPIDs() []int {
	return slices.Sorted(maps.Keys(t.entities))
}
