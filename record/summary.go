package record

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Group accumulates CPU and occurrence count for one key.
type Group struct {
	CPUMillis int64
	Count     int
}

// Summary reduces a record stream by database, user and origin. Synthetic
// rows are kept apart so aggregate CPU is not counted twice.
type Summary struct {
	ByDatabase map[string]*Group
	ByUser     map[string]*Group
	ByOrigin   map[string]*Group
	Master     map[Kind]*Group

	CPUMillis int64
	Count     int
	Skipped   int
}

func NewSummary() *Summary {
	return &Summary{
		ByDatabase: make(map[string]*Group),
		ByUser:     make(map[string]*Group),
		ByOrigin:   make(map[string]*Group),
		Master:     make(map[Kind]*Group),
	}
}

// Add accumulates one record.
func (s *Summary) Add(r Record) {
	if r.Kind.Synthetic() {
		accumulate(s.Master, r.Kind, r.CPUMillis)
		return
	}
	accumulate(s.ByDatabase, r.Database, r.CPUMillis)
	accumulate(s.ByUser, r.User, r.CPUMillis)
	accumulate(s.ByOrigin, r.Origin, r.CPUMillis)
	s.CPUMillis += r.CPUMillis
	s.Count++
}

func accumulate[K comparable](m map[K]*Group, key K, cpu int64) {
	g, ok := m[key]
	if !ok {
		g = &Group{}
		m[key] = g
	}
	g.CPUMillis += cpu
	g.Count++
}

// Summarize reads a record stream. START headers are skipped, lines that
// do not parse are counted in Skipped.
func Summarize(r io.Reader) (*Summary, error) {
	s := NewSummary()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if IsHeader(line) {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			s.Skipped++
			continue
		}
		s.Add(rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record stream: %w", err)
	}
	return s, nil
}

// Print writes the per-group tables followed by the totals.
func (s *Summary) Print(w io.Writer) error {
	bw := bufio.NewWriter(w)
	printGroups(bw, "CPU BY DB:", s.ByDatabase, s.CPUMillis)
	printGroups(bw, "CPU BY USER:", s.ByUser, s.CPUMillis)
	printGroups(bw, "CPU BY ORIGIN:", s.ByOrigin, s.CPUMillis)

	if len(s.Master) > 0 {
		fmt.Fprintln(bw, "MASTER:")
		for _, k := range []Kind{KindMaster, KindMasterTree} {
			if g, ok := s.Master[k]; ok {
				fmt.Fprintf(bw, "%s\t%d\t%d\n", k, g.CPUMillis, g.Count)
			}
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintf(bw, "TOTAL\t%d\t%d\n", s.CPUMillis, s.Count)
	return bw.Flush()
}

func printGroups(w io.Writer, title string, groups map[string]*Group, total int64) {
	fmt.Fprintln(w, title)
	for _, k := range SortedKeys(groups) {
		g := groups[k]
		fmt.Fprintf(w, "%s\t%d\t%d%%\t%d\n", k, g.CPUMillis, Percent(g.CPUMillis, total), g.Count)
	}
	fmt.Fprintln(w)
}

// SortedKeys returns the group keys in lexical order.
func SortedKeys(groups map[string]*Group) []string {
	return slices.Sorted(maps.Keys(groups))
}

// Percent is part*100/total truncated, 0 when total is 0.
func Percent(part, total int64) int64 {
	if total <= 0 {
		return 0
	}
	return part * 100 / total
}
