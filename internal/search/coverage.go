package search

import (
	"auctus/internal/types"
)

// Kinds of query-side join keys.
const (
	kindStructural = "structural"
	kindSemantic   = "semantic"
	kindSpatial    = "spatial"
)

// queryColumn is one join key extracted from the query profile: a
// single column (numeric or temporal) or a column tuple (spatial).
type queryColumn struct {
	kind    string
	dtype   string
	indexes []int
	names   []string

	ranges     []types.Interval
	resolution string

	envelopes []types.Envelope
}

// totalCoverage is the summed length of the query-side ranges.
func (qc *queryColumn) totalCoverage() float64 {
	var total float64
	for _, r := range qc.ranges {
		total += r.Lte - r.Gte
	}
	return total
}

// totalArea is the summed area of the query-side envelopes.
func (qc *queryColumn) totalArea() float64 {
	var total float64
	for _, e := range qc.envelopes {
		total += e.Area()
	}
	return total
}

// extractQueryColumns pulls the joinable keys out of a profile: numeric
// columns that are not identifiers, date-time columns, and the spatial
// coverage tuples.
func extractQueryColumns(meta *types.DatasetMetadata) []queryColumn {
	var out []queryColumn

	temporalByIdx := map[int]types.TemporalCoverage{}
	for _, tc := range meta.TemporalCoverage {
		if len(tc.ColumnIndexes) == 1 {
			temporalByIdx[tc.ColumnIndexes[0]] = tc
		}
	}

	for i := range meta.Columns {
		col := &meta.Columns[i]

		if col.HasSemanticType(types.TypeDateTime) {
			qc := queryColumn{
				kind:       kindSemantic,
				dtype:      types.TypeDateTime,
				indexes:    []int{i},
				names:      []string{col.Name},
				resolution: col.TemporalResolution,
			}
			if tc, ok := temporalByIdx[i]; ok {
				for _, r := range tc.Ranges {
					qc.ranges = append(qc.ranges, r.Range)
				}
			} else {
				for _, r := range col.Coverage {
					qc.ranges = append(qc.ranges, r.Range)
				}
			}
			if len(qc.ranges) > 0 {
				out = append(out, qc)
			}
			continue
		}

		numeric := col.StructuralType == types.TypeInteger || col.StructuralType == types.TypeFloat
		if !numeric || col.HasSemanticType(types.TypeID) {
			continue
		}
		if col.HasSemanticType(types.TypeLatitude) || col.HasSemanticType(types.TypeLongitude) {
			// Coordinates join spatially, through the coverage tuples.
			continue
		}
		qc := queryColumn{
			kind:    kindStructural,
			dtype:   col.StructuralType,
			indexes: []int{i},
			names:   []string{col.Name},
		}
		for _, r := range col.Coverage {
			qc.ranges = append(qc.ranges, r.Range)
		}
		if len(qc.ranges) > 0 {
			out = append(out, qc)
		}
	}

	for _, sc := range meta.SpatialCoverage {
		qc := queryColumn{
			kind:    kindSpatial,
			dtype:   sc.Type,
			indexes: append([]int(nil), sc.ColumnIndexes...),
			names:   append([]string(nil), sc.ColumnNames...),
		}
		for _, r := range sc.Ranges {
			qc.envelopes = append(qc.envelopes, r.Range)
		}
		if len(qc.envelopes) > 0 {
			out = append(out, qc)
		}
	}

	return out
}

// intersectionLength returns the overlap of two intervals, 0 when
// disjoint.
func intersectionLength(a, b types.Interval) float64 {
	lo := a.Gte
	if b.Gte > lo {
		lo = b.Gte
	}
	hi := a.Lte
	if b.Lte < hi {
		hi = b.Lte
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// intersectionArea returns the overlap area of two envelopes.
func intersectionArea(a, b types.Envelope) float64 {
	lonLo := a.MinLon()
	if b.MinLon() > lonLo {
		lonLo = b.MinLon()
	}
	lonHi := a.MaxLon()
	if b.MaxLon() < lonHi {
		lonHi = b.MaxLon()
	}
	latLo := a.MinLat()
	if b.MinLat() > latLo {
		latLo = b.MinLat()
	}
	latHi := a.MaxLat()
	if b.MaxLat() < latHi {
		latHi = b.MaxLat()
	}
	if lonHi <= lonLo || latHi <= latLo {
		return 0
	}
	return (lonHi - lonLo) * (latHi - latLo)
}
