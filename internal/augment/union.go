package augment

import (
	"auctus/internal/types"
)

// union stacks cat under query. Paired catalog columns land in their
// query column positions; unpaired query columns stay empty on catalog
// rows; unpaired catalog columns are dropped.
func union(query, cat *Table, spec *types.AugmentationSpec) (*Table, Info, error) {
	if len(spec.LeftColumns) != len(spec.RightColumns) {
		return nil, Info{}, errorf("pairing mismatch: %d left vs %d right units", len(spec.LeftColumns), len(spec.RightColumns))
	}

	// catFor[q] is the catalog column feeding query column q, or -1.
	catFor := make([]int, len(query.Columns))
	for i := range catFor {
		catFor[i] = -1
	}
	paired := map[int]bool{}
	for i := range spec.LeftColumns {
		if len(spec.LeftColumns[i]) != 1 || len(spec.RightColumns[i]) != 1 {
			return nil, Info{}, errorf("union pairs must be single columns")
		}
		lc, rc := spec.LeftColumns[i][0], spec.RightColumns[i][0]
		if lc < 0 || lc >= len(query.Columns) {
			return nil, Info{}, errorf("left column %d out of range", lc)
		}
		if rc < 0 || rc >= len(cat.Columns) {
			return nil, Info{}, errorf("right column %d out of range", rc)
		}
		catFor[lc] = rc
		paired[rc] = true

		// Paired date-time columns stack at a common resolution.
		if query.Kind(lc) == kindTime && cat.Kind(rc) == kindTime {
			res := spec.TemporalResolution
			if res == "" {
				res = types.CoarserResolution(query.Resolution(lc), cat.Resolution(rc))
			}
			if res != "" {
				query.roundTimeColumn(lc, res)
				cat.roundTimeColumn(rc, res)
			}
		}
	}
	if len(paired) == 0 {
		return nil, Info{}, errorf("union has no column pairs")
	}

	out := &Table{
		Columns:     append([]string(nil), query.Columns...),
		kinds:       append([]colKind(nil), query.kinds...),
		resolutions: append([]string(nil), query.resolutions...),
		Rows:        make([][]string, 0, query.NbRows()+cat.NbRows()),
	}
	for _, row := range query.Rows {
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	for _, row := range cat.Rows {
		mapped := make([]string, len(query.Columns))
		for q, c := range catFor {
			if c >= 0 {
				mapped[q] = row[c]
			}
		}
		out.Rows = append(out.Rows, mapped)
	}

	var removed []string
	for i, name := range cat.Columns {
		if !paired[i] {
			removed = append(removed, name)
		}
	}
	info := Info{
		AugmentationType: types.AugmentationUnion,
		RemovedColumns:   removed,
		NbRowsBefore:     query.NbRows(),
		NbRowsAfter:      out.NbRows(),
	}
	return out, info, nil
}
