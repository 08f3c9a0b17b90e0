package process

import (
	"errors"
	"time"

	"github.com/jnesss/pgcpu-recorder/record"
)

type fakeInspector struct {
	procs   map[int]Snapshot
	listErr error
	calls   map[int]int
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		procs: make(map[int]Snapshot),
		calls: make(map[int]int),
	}
}

func (f *fakeInspector) Snapshot(pid int) (Snapshot, bool) {
	f.calls[pid]++
	s, ok := f.procs[pid]
	return s, ok
}

func (f *fakeInspector) List() ([]Snapshot, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Snapshot
	for _, s := range f.procs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeInspector) set(s Snapshot) {
	f.procs[s.PID] = s
}

func (f *fakeInspector) backend(pid, ppid int, ticks uint64, title ...string) {
	f.set(Snapshot{PID: pid, PPID: ppid, Comm: "postgres", Args: title, UserTicks: ticks})
}

func (f *fakeInspector) gone(pid int) {
	delete(f.procs, pid)
}

type captureSink struct {
	records []record.Record
	err     error
}

func (c *captureSink) Write(r record.Record) error {
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, r)
	return nil
}

var errSink = errors.New("sink unavailable")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(opts Options) (*Tracker, *fakeInspector, *captureSink, *fakeClock) {
	insp := newFakeInspector()
	sink := &captureSink{}
	clock := &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	opts.Clock = clock.Now
	return NewTracker(insp, sink, opts), insp, sink, clock
}
