package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/pgcpu-recorder/record"
)

const (
	postmaster = 100
	child      = 200
)

func TestForkExitScenario(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0, "/usr/bin/postgres", "-D", "/data")
	insp.backend(child, postmaster, 0, "/usr/bin/postgres", "-D", "/data")

	tr.OnFork(postmaster, child)
	e, ok := tr.Lookup(child)
	require.True(t, ok)
	assert.False(t, e.Identified())

	clock.advance(100 * time.Millisecond)
	insp.backend(child, postmaster, 40, "postgres: alice db1 1.2.3.4(5678)")
	tr.OnTick()

	e, _ = tr.Lookup(child)
	require.True(t, e.Identified())

	clock.advance(400 * time.Millisecond)
	tr.OnExit(child)

	assert.Equal(t, 0, tr.Len())
	require.Len(t, sink.records, 1)
	assert.Equal(t, record.Record{
		Kind:        record.KindRegular,
		PID:         child,
		StartMillis: 0,
		StopMillis:  500,
		CPUMillis:   400,
		Database:    "db1",
		User:        "alice",
		Origin:      "1.2.3.4",
	}, sink.records[0])
	assert.Equal(t, "200\t0\t500\t400\tdb1\talice\t1.2.3.4", sink.records[0].Line())
}

func TestForkIgnored(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeInspector)
	}{
		{
			name:  "parent gone",
			setup: func(f *fakeInspector) { f.backend(child, postmaster, 0) },
		},
		{
			name:  "child gone",
			setup: func(f *fakeInspector) { f.backend(postmaster, 1, 0) },
		},
		{
			name: "foreign child",
			setup: func(f *fakeInspector) {
				f.backend(postmaster, 1, 0)
				f.set(Snapshot{PID: child, PPID: postmaster, Comm: "sh"})
			},
		},
		{
			name: "foreign parent",
			setup: func(f *fakeInspector) {
				f.set(Snapshot{PID: postmaster, PPID: 1, Comm: "bash"})
				f.backend(child, postmaster, 0)
			},
		},
		{
			name:  "both gone",
			setup: func(*fakeInspector) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, insp, sink, _ := newTestTracker(Options{})
			tt.setup(insp)

			tr.OnFork(postmaster, child)

			assert.Equal(t, 0, tr.Len())
			_, ok := tr.Lookup(child)
			assert.False(t, ok)
			assert.Empty(t, sink.records)
		})
	}
}

func TestForkCustomTarget(t *testing.T) {
	tr, insp, _, _ := newTestTracker(Options{Target: "edb-postgres"})
	insp.set(Snapshot{PID: postmaster, Comm: "edb-postgres"})
	insp.set(Snapshot{PID: child, Comm: "edb-postgres"})

	tr.OnFork(postmaster, child)
	assert.Equal(t, 1, tr.Len())
}

func TestForkDuplicateLeavesEntityUntouched(t *testing.T) {
	tr, insp, _, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 5)
	tr.OnFork(postmaster, child)

	clock.advance(time.Second)
	insp.backend(child, postmaster, 9)
	tr.OnFork(postmaster, child)

	e, ok := tr.Lookup(child)
	require.True(t, ok)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, int64(0), e.StartMillis)
	assert.Equal(t, uint64(5), e.CPUTicks)
}

func TestExitUntracked(t *testing.T) {
	tr, insp, sink, _ := newTestTracker(Options{})
	insp.backend(child, postmaster, 10, "postgres: a b c")

	tr.OnExit(child)

	assert.Empty(t, sink.records)
	assert.Zero(t, insp.calls[child])
}

func TestExitUnidentifiedIsDropped(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0, "postgres:", "startup")
	tr.OnFork(postmaster, child)

	clock.advance(30 * time.Millisecond)
	tr.OnTick()
	insp.backend(child, postmaster, 3, "postgres: alice db1")
	tr.OnExit(child)

	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, sink.records)
}

func TestExitIdentifiesFromFinalSnapshot(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0)
	tr.OnFork(postmaster, child)

	clock.advance(20 * time.Millisecond)
	insp.backend(child, postmaster, 2, "postgres: bob sales [local] idle")
	tr.OnExit(child)

	require.Len(t, sink.records, 1)
	assert.Equal(t, "sales", sink.records[0].Database)
	assert.Equal(t, "bob", sink.records[0].User)
	assert.Equal(t, "[local]", sink.records[0].Origin)
	assert.Equal(t, int64(20), sink.records[0].CPUMillis)
}

func TestExitWithoutSnapshotUsesLastState(t *testing.T) {
	tr, insp, sink, clock := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0)
	tr.OnFork(postmaster, child)

	insp.backend(child, postmaster, 12, "postgres: alice db1 10.0.0.9(40000) SELECT")
	tr.OnTick()

	clock.advance(250 * time.Millisecond)
	insp.gone(child)
	tr.OnExit(child)

	require.Len(t, sink.records, 1)
	assert.Equal(t, int64(250), sink.records[0].StopMillis)
	assert.Equal(t, int64(120), sink.records[0].CPUMillis)
	assert.Equal(t, "10.0.0.9", sink.records[0].Origin)
}

func TestIdentificationIsMonotonic(t *testing.T) {
	tr, insp, _, _ := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0, "postgres: alice db1 1.2.3.4(1) idle")
	tr.OnFork(postmaster, child)
	tr.OnTick()

	first, _ := tr.Lookup(child)
	require.True(t, first.Identified())

	insp.backend(child, postmaster, 3, "postgres: mallory other 6.6.6.6(2) idle")
	tr.OnTick()

	second, _ := tr.Lookup(child)
	assert.Equal(t, *first.Identity, *second.Identity)
}

func TestCPUNeverDecreases(t *testing.T) {
	tr, insp, _, _ := newTestTracker(Options{})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0)
	tr.OnFork(postmaster, child)

	var prev uint64
	for _, ticks := range []uint64{1, 5, 5, 3, 8, 20} {
		insp.backend(child, postmaster, ticks)
		tr.OnTick()
		e, ok := tr.Lookup(child)
		require.True(t, ok)
		used := e.CPUTicks - e.CPUBaseline
		assert.GreaterOrEqual(t, used, prev)
		prev = used
	}
	assert.Equal(t, uint64(20), prev)
}

func TestSinkErrorDoesNotKeepEntity(t *testing.T) {
	tr, insp, sink, _ := newTestTracker(Options{})
	sink.err = errSink
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0, "postgres: a b c")
	tr.OnFork(postmaster, child)

	tr.OnExit(child)
	assert.Equal(t, 0, tr.Len())
}

func TestTickScale(t *testing.T) {
	tr, insp, sink, _ := newTestTracker(Options{TickScale: 4 * time.Millisecond})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0)
	tr.OnFork(postmaster, child)

	insp.backend(child, postmaster, 25, "postgres: a b c")
	tr.OnExit(child)

	require.Len(t, sink.records, 1)
	assert.Equal(t, int64(100), sink.records[0].CPUMillis)
}

func TestStrictTitle(t *testing.T) {
	tr, insp, sink, _ := newTestTracker(Options{StrictTitle: true})
	insp.backend(postmaster, 1, 0)
	insp.backend(child, postmaster, 0, "/usr/bin/postgres", "-D", "/data", "-c", "x=1")
	tr.OnFork(postmaster, child)
	tr.OnTick()

	e, _ := tr.Lookup(child)
	assert.False(t, e.Identified())

	insp.backend(child, postmaster, 0, "postgres: alice db1 [local]")
	tr.OnExit(child)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "alice", sink.records[0].User)
}
