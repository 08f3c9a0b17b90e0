package process

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcInspector reads snapshots from a procfs mount.
type ProcInspector struct {
	fs procfs.FS
}

// NewProcInspector opens the procfs mounted at mountPoint (usually /proc).
func NewProcInspector(mountPoint string) (*ProcInspector, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcInspector{fs: fs}, nil
}

// Snapshot reads /proc/<pid>/stat and cmdline. Any read failure means the
// process is gone or going.
func (pi *ProcInspector) Snapshot(pid int) (Snapshot, bool) {
	p, err := pi.fs.Proc(pid)
	if err != nil {
		return Snapshot{}, false
	}
	return readSnapshot(p)
}

// List snapshots every process that can still be read.
func (pi *ProcInspector) List() ([]Snapshot, error) {
	procs, err := pi.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	snaps := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		if snap, ok := readSnapshot(p); ok {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

func readSnapshot(p procfs.Proc) (Snapshot, bool) {
	stat, err := p.Stat()
	if err != nil {
		return Snapshot{}, false
	}

	// A zombie has an empty cmdline but valid counters.
	args, err := p.CmdLine()
	if err != nil {
		args = nil
	}

	return Snapshot{
		PID:              stat.PID,
		PPID:             stat.PPID,
		Comm:             stat.Comm,
		Args:             args,
		UserTicks:        uint64(stat.UTime),
		SystemTicks:      uint64(stat.STime),
		ChildUserTicks:   nonNegative(int64(stat.CUTime)),
		ChildSystemTicks: nonNegative(int64(stat.CSTime)),
	}, true
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
