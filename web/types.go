package web

import (
	"github.com/jnesss/pgcpu-recorder/record"
)

// GroupRow is one aggregate line of the summary API.
type GroupRow struct {
	Key    string `json:"key"`
	CPUMs  int64  `json:"cpu_ms"`
	Count  int    `json:"count"`
	CPUPct int64  `json:"cpu_pct"`
}

// SummaryResponse is the JSON rendering of record.Summary.
type SummaryResponse struct {
	ByDatabase   []GroupRow `json:"by_database"`
	ByUser       []GroupRow `json:"by_user"`
	ByOrigin     []GroupRow `json:"by_origin"`
	MasterCPUMs  int64      `json:"master_cpu_ms"`
	ReapedCPUMs  int64      `json:"master_tree_cpu_ms"`
	TotalCPUMs   int64      `json:"total_cpu_ms"`
	TotalRecords int        `json:"total_records"`
}

func newSummaryResponse(s *record.Summary) SummaryResponse {
	resp := SummaryResponse{
		ByDatabase:   groupRows(s.ByDatabase, s.CPUMillis),
		ByUser:       groupRows(s.ByUser, s.CPUMillis),
		ByOrigin:     groupRows(s.ByOrigin, s.CPUMillis),
		TotalCPUMs:   s.CPUMillis,
		TotalRecords: s.Count,
	}
	if g, ok := s.Master[record.KindMaster]; ok {
		resp.MasterCPUMs = g.CPUMillis
	}
	if g, ok := s.Master[record.KindMasterTree]; ok {
		resp.ReapedCPUMs = g.CPUMillis
	}
	return resp
}

func groupRows(groups map[string]*record.Group, total int64) []GroupRow {
	rows := make([]GroupRow, 0, len(groups))
	for _, key := range record.SortedKeys(groups) {
		g := groups[key]
		rows = append(rows, GroupRow{
			Key:    key,
			CPUMs:  g.CPUMillis,
			Count:  g.Count,
			CPUPct: record.Percent(g.CPUMillis, total),
		})
	}
	return rows
}
