package process

import (
	"fmt"

	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/record"
)

// OnTick re-reads every tracked process. A process that no longer resolves
// exited without a notification reaching us; it is finalized here, which is
// the only recovery path for dropped exit events.
func (t *Tracker) OnTick() {
	for _, pid := range t.sortedPIDs() {
		e := t.entities[pid]
		snap, ok := t.inspector.Snapshot(pid)
		if ok {
			t.update(e, snap)
			continue
		}
		recordMissedExit()
		t.logger.Debug("process gone without exit notification", log.PIDKey, pid)
		t.finalize(e)
		delete(t.entities, pid)
	}
	recordTracked(len(t.entities))

	if t.master == nil {
		return
	}
	snap, ok := t.inspector.Snapshot(t.master.PID)
	if ok {
		t.updateMaster(snap)
		return
	}
	recordMissedExit()
	t.logger.Warn("master process gone", log.PIDKey, t.master.PID)
	t.finalizeMaster()
}

// StartupAdopt enumerates the process table once before notifications are
// consumed. Running backends become regular entities; the target process
// whose parent is the reaper becomes the master and master tree entities.
func (t *Tracker) StartupAdopt() error {
	snaps, err := t.inspector.List()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	now := t.now()
	for _, snap := range snaps {
		if snap.Comm != t.opts.Target {
			continue
		}

		if snap.PPID == t.opts.ReaperPID {
			t.adoptMaster(snap, now)
			continue
		}

		if _, ok := t.entities[snap.PID]; ok {
			continue
		}
		e := &Entity{
			PID:         snap.PID,
			Kind:        record.KindRegular,
			StartMillis: now,
		}
		t.update(e, snap)
		t.entities[snap.PID] = e
	}
	recordTracked(len(t.entities))

	if t.master == nil {
		t.logger.Warn("no master process found", "target", t.opts.Target, "reaper", t.opts.ReaperPID)
	}
	t.logger.Info("adopted running processes", "backends", len(t.entities), "master", t.master != nil)
	return nil
}

func (t *Tracker) adoptMaster(snap Snapshot, now int64) {
	if t.master != nil {
		t.logger.Warn("ignoring second master candidate",
			log.PIDKey, snap.PID, "master", t.master.PID)
		return
	}
	t.master = &Entity{
		PID:         snap.PID,
		Kind:        record.KindMaster,
		CPUTicks:    snap.OwnTicks(),
		CPUBaseline: snap.OwnTicks(),
		StartMillis: now,
	}
	t.masterTree = &Entity{
		PID:         snap.PID,
		Kind:        record.KindMasterTree,
		CPUTicks:    snap.ChildTicks(),
		CPUBaseline: snap.ChildTicks(),
		StartMillis: now,
	}
	t.logger.Info("tracking master process", log.PIDKey, snap.PID)
}

// ShutdownFlush finalizes everything still tracked. Afterwards the tracker
// is empty.
func (t *Tracker) ShutdownFlush() {
	for _, pid := range t.sortedPIDs() {
		e := t.entities[pid]
		if snap, ok := t.inspector.Snapshot(pid); ok {
			t.update(e, snap)
		}
		t.finalize(e)
		delete(t.entities, pid)
	}
	recordTracked(0)

	if t.master != nil {
		if snap, ok := t.inspector.Snapshot(t.master.PID); ok {
			t.updateMaster(snap)
		}
		t.finalizeMaster()
	}
}
