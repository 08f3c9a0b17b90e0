package record

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLine(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{
			name: "regular",
			rec:  Record{PID: 4242, StartMillis: 0, StopMillis: 500, CPUMillis: 400, Database: "db1", User: "alice", Origin: "1.2.3.4"},
			want: "4242\t0\t500\t400\tdb1\talice\t1.2.3.4",
		},
		{
			name: "master",
			rec:  Record{Kind: KindMaster, PID: 10, StopMillis: 9000, CPUMillis: 30},
			want: "@10\t0\t9000\t30\t\t\t",
		},
		{
			name: "master tree",
			rec:  Record{Kind: KindMasterTree, PID: 10, StopMillis: 9000, CPUMillis: 70},
			want: "+10\t0\t9000\t70\t\t\t",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Line())
			got, err := ParseLine(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.rec, got)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"1\t2\t3",
		"x\t0\t1\t2\ta\tb\tc",
		"1\t0\tnope\t2\ta\tb\tc",
	} {
		_, err := ParseLine(line)
		assert.True(t, errors.Is(err, ErrMalformed), "line %q", line)
	}
}

func TestHeader(t *testing.T) {
	ts := time.Date(2026, 10, 14, 9, 30, 5, 0, time.Local)
	assert.Equal(t, "START 2026-10-14 09:30:05", Header(ts))
	assert.True(t, IsHeader(Header(ts)))
	assert.False(t, IsHeader("123\t0\t1\t1\ta\tb\tc"))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)

	require.NoError(t, w.Start(ts))
	require.NoError(t, w.Write(Record{PID: 7, StopMillis: 20, CPUMillis: 10, Database: "d", User: "u", Origin: "o"}))

	assert.Equal(t, "START 2026-01-02 03:04:05\n7\t0\t20\t10\td\tu\to\n", buf.String())
}

func TestMultiSink(t *testing.T) {
	var got []int
	boom := errors.New("boom")
	m := MultiSink{
		SinkFunc(func(r Record) error { got = append(got, r.PID); return nil }),
		SinkFunc(func(Record) error { return boom }),
		SinkFunc(func(r Record) error { got = append(got, r.PID*10); return nil }),
	}

	err := m.Write(Record{PID: 3})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{3, 30}, got)
}

func TestSummarize(t *testing.T) {
	stream := strings.Join([]string{
		"START 2026-10-14 09:00:00",
		"1\t0\t10\t100\tdb1\talice\t10.0.0.1",
		"2\t0\t10\t300\tdb1\tbob\t10.0.0.2",
		"3\t5\t10\t600\tdb2\talice\t10.0.0.1",
		"@9\t0\t10\t50\t\t\t",
		"+9\t0\t10\t1000\t\t\t",
		"",
		"garbage",
	}, "\n")

	s, err := Summarize(strings.NewReader(stream))
	require.NoError(t, err)

	assert.Equal(t, int64(1000), s.CPUMillis)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, &Group{CPUMillis: 400, Count: 2}, s.ByDatabase["db1"])
	assert.Equal(t, &Group{CPUMillis: 700, Count: 2}, s.ByUser["alice"])
	assert.Equal(t, &Group{CPUMillis: 300, Count: 1}, s.ByOrigin["10.0.0.2"])
	assert.Equal(t, &Group{CPUMillis: 1000, Count: 1}, s.Master[KindMasterTree])

	var out bytes.Buffer
	require.NoError(t, s.Print(&out))
	assert.Contains(t, out.String(), "CPU BY DB:\ndb1\t400\t40%\t2\ndb2\t600\t60%\t1\n")
	assert.Contains(t, out.String(), "MASTER:\nmaster\t50\t1\nmaster_tree\t1000\t1\n")
	assert.True(t, strings.HasSuffix(out.String(), "TOTAL\t1000\t3\n"))
}

func TestSummaryEmpty(t *testing.T) {
	s, err := Summarize(strings.NewReader("START 2026-10-14 09:00:00\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.Print(&out))
	assert.Equal(t, "CPU BY DB:\n\nCPU BY USER:\n\nCPU BY ORIGIN:\n\nTOTAL\t0\t0\n", out.String())
}
