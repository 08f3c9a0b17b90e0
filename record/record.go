// Package record defines the lifecycle record stream: one tab-separated line
// per finalized process lifecycle, preceded by a START header.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tells per-connection rows apart from the two aggregate rows.
type Kind int

const (
	KindRegular    Kind = iota
	KindMaster          // the postmaster's own CPU
	KindMasterTree      // CPU of the postmaster's reaped descendants
)

// Row markers for the synthetic kinds. Regular rows carry none.
const (
	MasterMarker     = '@'
	MasterTreeMarker = '+'
)

// HeaderPrefix starts the line that records the monitor start time.
const HeaderPrefix = "START"

// HeaderTimeLayout is the local wall-clock layout of the header.
const HeaderTimeLayout = "2006-01-02 15:04:05"

// Fields is the number of tab-separated fields of a data line.
const Fields = 7

var ErrMalformed = errors.New("malformed record line")

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindMasterTree:
		return "master_tree"
	default:
		return "regular"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names are regular.
func ParseKind(s string) Kind {
	switch s {
	case "master":
		return KindMaster
	case "master_tree":
		return KindMasterTree
	default:
		return KindRegular
	}
}

// Synthetic reports whether the kind is one of the aggregate rows.
func (k Kind) Synthetic() bool {
	return k == KindMaster || k == KindMasterTree
}

func (k Kind) marker() string {
	switch k {
	case KindMaster:
		return string(MasterMarker)
	case KindMasterTree:
		return string(MasterTreeMarker)
	default:
		return ""
	}
}

// Record is the exported summary of one tracked lifecycle.
type Record struct {
	Kind        Kind
	PID         int
	StartMillis int64
	StopMillis  int64
	CPUMillis   int64
	Database    string
	User        string
	Origin      string
}

// Line renders the record without a trailing newline.
func (r Record) Line() string {
	return fmt.Sprintf("%s%d\t%d\t%d\t%d\t%s\t%s\t%s",
		r.Kind.marker(), r.PID, r.StartMillis, r.StopMillis, r.CPUMillis,
		r.Database, r.User, r.Origin)
}

// Header renders the START line for a monitor started at t.
func Header(t time.Time) string {
	return HeaderPrefix + " " + t.Local().Format(HeaderTimeLayout)
}

// IsHeader reports whether line is a START header.
func IsHeader(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), HeaderPrefix)
}

// ParseLine is the inverse of Line. Surrounding whitespace is ignored,
// tabs inside the line are significant.
func ParseLine(line string) (Record, error) {
	line = strings.Trim(line, " \r\n")
	fields := strings.Split(line, "\t")
	if len(fields) < Fields {
		return Record{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}

	var rec Record
	pid := fields[0]
	switch {
	case strings.HasPrefix(pid, string(MasterMarker)):
		rec.Kind = KindMaster
		pid = pid[1:]
	case strings.HasPrefix(pid, string(MasterTreeMarker)):
		rec.Kind = KindMasterTree
		pid = pid[1:]
	}

	var err error
	if rec.PID, err = strconv.Atoi(pid); err != nil {
		return Record{}, fmt.Errorf("%w: pid: %v", ErrMalformed, err)
	}
	nums := []*int64{&rec.StartMillis, &rec.StopMillis, &rec.CPUMillis}
	for i, dst := range nums {
		if *dst, err = strconv.ParseInt(fields[i+1], 10, 64); err != nil {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
		}
	}
	rec.Database = fields[4]
	rec.User = fields[5]
	rec.Origin = fields[6]
	return rec, nil
}
