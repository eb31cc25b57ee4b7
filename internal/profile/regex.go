package profile

import (
	"regexp"
	"strings"

	"auctus/internal/types"
)

// maxUnclean is the tolerated fraction of non-empty cells that may fail
// the chosen structural type's pattern.
const maxUnclean = 0.02

var (
	intRe   = regexp.MustCompile(`^[+-]?[0-9]+$`)
	floatRe = regexp.MustCompile(`^[+-]?([0-9]+\.[0-9]*|\.[0-9]+|[0-9]+)([eE][+-]?[0-9]+)?$`)

	urlRe  = regexp.MustCompile(`^(https?|ftp)://[^\s/$.?#].[^\s]*$`)
	pathRe = regexp.MustCompile(`^(/|\./|\.\./|~/|[A-Za-z]:[\\/])[^\s]+$`)

	wktPointRe   = regexp.MustCompile(`(?i)^\s*POINT\s*\(\s*[-+]?[0-9.]+\s+[-+]?[0-9.]+\s*\)\s*$`)
	wktPolygonRe = regexp.MustCompile(`(?i)^\s*POLYGON\s*\(\(`)

	// combinedPointRe matches "Name (lat, long)" values emitted by some
	// geocoded exports.
	combinedPointRe = regexp.MustCompile(`^.{1,200}\(\s*[-+]?[0-9]+(\.[0-9]+)?\s*,\s*[-+]?[0-9]+(\.[0-9]+)?\s*\)$`)

	// latlongTupleRe matches a bare "lat, long" pair in one cell.
	latlongTupleRe = regexp.MustCompile(`^\s*[-+]?[0-9]+(\.[0-9]+)?\s*,\s*[-+]?[0-9]+(\.[0-9]+)?\s*$`)
)

var booleanLiterals = map[string]bool{
	"0": true, "1": true,
	"true": true, "false": true,
	"y": true, "n": true,
	"yes": true, "no": true,
}

// cellCounts accumulates per-pattern match counts over a column.
type cellCounts struct {
	total    int
	empty    int
	integer  int
	float    int
	url      int
	path     int
	wktPoint int
	wktPoly  int
	combined int
	tuple    int
	multiWrd int
	boolean  int
}

func (c cellCounts) nonEmpty() int { return c.total - c.empty }

// ratio returns n as a fraction of the non-empty cells; 0 when the
// column is all empty.
func (c cellCounts) ratio(n int) float64 {
	ne := c.nonEmpty()
	if ne == 0 {
		return 0
	}
	return float64(n) / float64(ne)
}

// clean reports whether n covers the non-empty cells up to maxUnclean.
func (c cellCounts) clean(n int) bool {
	return c.nonEmpty() > 0 && c.ratio(n) >= 1-maxUnclean
}

func countCells(values []string) cellCounts {
	var c cellCounts
	for _, v := range values {
		c.total++
		v = strings.TrimSpace(v)
		if v == "" {
			c.empty++
			continue
		}
		if intRe.MatchString(v) {
			c.integer++
		}
		if floatRe.MatchString(v) {
			c.float++
		}
		if urlRe.MatchString(v) {
			c.url++
		}
		if pathRe.MatchString(v) {
			c.path++
		}
		if wktPointRe.MatchString(v) {
			c.wktPoint++
		}
		if wktPolygonRe.MatchString(v) {
			c.wktPoly++
		}
		if combinedPointRe.MatchString(v) && !latlongTupleRe.MatchString(v) {
			c.combined++
		}
		if latlongTupleRe.MatchString(v) {
			c.tuple++
		}
		if strings.IndexByte(v, ' ') >= 0 && len(strings.Fields(v)) >= 2 {
			c.multiWrd++
		}
		if booleanLiterals[strings.ToLower(v)] {
			c.boolean++
		}
	}
	return c
}

// Point formats for geo-point columns.
const (
	pointFormatLongLat = "long,lat"
	pointFormatLatLong = "lat,long"
)

// chooseStructural picks the structural type by preference order:
// missing, integer, float, geo-point, geo-polygon, text. The second
// return is the point format for geo-point columns.
func chooseStructural(c cellCounts) (string, string) {
	switch {
	case c.nonEmpty() == 0:
		return types.TypeMissing, ""
	case c.clean(c.integer):
		return types.TypeInteger, ""
	case c.clean(c.integer + c.float):
		return types.TypeFloat, ""
	case c.clean(c.wktPoint):
		// WKT order is (x y), longitude first.
		return types.TypeGeoPoint, pointFormatLongLat
	case c.clean(c.combined):
		return types.TypeGeoPoint, pointFormatLatLong
	case c.clean(c.wktPoly):
		return types.TypeGeoPolygon, ""
	default:
		return types.TypeText, ""
	}
}

// structuralMatches returns the count backing a structural choice, used
// for the unclean ratio.
func structuralMatches(c cellCounts, structural string) int {
	switch structural {
	case types.TypeInteger:
		return c.integer
	case types.TypeFloat:
		return c.integer + c.float
	case types.TypeGeoPoint:
		if c.wktPoint >= c.combined {
			return c.wktPoint
		}
		return c.combined
	case types.TypeGeoPolygon:
		return c.wktPoly
	default:
		return c.nonEmpty()
	}
}
