package profile

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"auctus/internal/types"
)

const (
	// adminMinDistinct and adminMinResolved gate gazetteer lookups: at
	// least 3 distinct names, at least 70% of them resolving.
	adminMinDistinct = 3
	adminMinResolved = 0.70

	// freeTextRatio is the multi-word fraction above which a text column
	// counts as prose rather than an enumeration.
	freeTextRatio = 0.50

	// geocodeMinResolved is the hit rate an address column needs.
	geocodeMinResolved = 0.70
)

// colAux carries intermediate per-column values into the table-level
// passes (lat/long pairing, spatial coverage).
type colAux struct {
	// aligned holds row-aligned numeric values, NaN where a cell did not
	// parse. Only filled for numeric columns.
	aligned []float64

	dates  []time.Time
	points []GeoPoint
	areas  []AdminArea
}

// profileColumn computes the metadata for a single column. Failures of
// optional helpers (gazetteer, geocoder) degrade the classification,
// never the run.
func profileColumn(ctx context.Context, p *profiler, name string, values []string) (types.ColumnMetadata, colAux) {
	c := countCells(values)
	structural, pointFormat := chooseStructural(c)

	col := types.ColumnMetadata{
		Name:           name,
		StructuralType: structural,
		SemanticTypes:  []string{},
		PointFormat:    pointFormat,
	}
	if c.total > 0 {
		col.MissingRatio = float64(c.empty) / float64(c.total)
	}
	if ne := c.nonEmpty(); ne > 0 {
		col.UncleanRatio = 1 - c.ratio(structuralMatches(c, structural))
		if col.UncleanRatio < 0 {
			col.UncleanRatio = 0
		}
	}
	col.NumDistinctValues = countDistinct(values)

	var aux colAux

	if c.clean(c.boolean) && (structural == types.TypeInteger || structural == types.TypeText) {
		col.AddSemanticType(types.TypeBoolean)
		col.AddSemanticType(types.TypeCategorical)
	}

	switch structural {
	case types.TypeInteger:
		aux.aligned = parseNumbers(values)
		if isIDName(name) {
			col.AddSemanticType(types.TypeID)
		} else if strings.EqualFold(strings.TrimSpace(name), "year") && mostlyYears(aux.aligned) {
			// A column literally named "year" holding calendar years is
			// temporal, not a quantity.
			col.StructuralType = types.TypeText
			col.AddSemanticType(types.TypeDateTime)
			aux.dates = yearsToTimes(aux.aligned)
			aux.aligned = nil
		}
		p.attachNumeric(&col, aux.aligned)

	case types.TypeFloat:
		aux.aligned = parseNumbers(values)
		classifyLatLong(&col, name, aux.aligned)
		p.attachNumeric(&col, aux.aligned)

	case types.TypeGeoPoint:
		aux.points = parsePoints(values, pointFormat)

	case types.TypeText:
		aux = p.classifyText(ctx, &col, name, values, c)
	}

	if len(aux.dates) > 0 {
		attachTemporal(&col, aux.dates)
	}
	return col, aux
}

// classifyText orders the semantic checks for a text column: url, file
// path, date-time, admin area, address, then free-text vs categorical.
func (p *profiler) classifyText(ctx context.Context, col *types.ColumnMetadata, name string, values []string, c cellCounts) colAux {
	var aux colAux

	switch {
	case c.clean(c.url):
		col.AddSemanticType(types.TypeURL)
		return aux
	case c.clean(c.path):
		col.AddSemanticType(types.TypeFilePath)
		return aux
	}

	if dates, ratio := parseDateColumn(values); ratio >= 1-maxUnclean && len(dates) > 0 {
		col.AddSemanticType(types.TypeDateTime)
		aux.dates = dates
		return aux
	}

	if col.HasSemanticType(types.TypeBoolean) {
		return aux
	}

	if res := p.resolveAdmin(ctx, name, values); res != nil {
		col.AddSemanticType(types.TypeAdmin)
		level := res.Level
		col.AdminAreaLevel = &level
		aux.areas = res.Areas
		return aux
	}

	if pts := p.geocodeColumn(ctx, name, values); len(pts) > 0 {
		col.AddSemanticType(types.TypeAddress)
		aux.points = pts
		return aux
	}

	if c.ratio(c.multiWrd) >= freeTextRatio {
		col.AddSemanticType(types.TypeFreeText)
	} else {
		col.AddSemanticType(types.TypeCategorical)
	}
	return aux
}

// attachNumeric sets mean/stddev and, when enabled, coverage ranges.
func (p *profiler) attachNumeric(col *types.ColumnMetadata, aligned []float64) {
	nums := compactNumbers(aligned)
	if len(nums) == 0 {
		return
	}
	mean, stddev := meanStddev(nums)
	col.Mean = &mean
	col.Stddev = &stddev
	if p.opts.Coverage {
		col.Coverage = coverageRanges(nums)
	}
	if p.opts.Plots {
		col.PlotData = histogram(nums)
	}
}

// attachTemporal sets the per-column statistics of a date-time column:
// mean/stddev over epoch seconds and the detected resolution.
func attachTemporal(col *types.ColumnMetadata, dates []time.Time) {
	epochs := make([]float64, len(dates))
	for i, t := range dates {
		epochs[i] = float64(t.Unix())
	}
	mean, stddev := meanStddev(epochs)
	col.Mean = &mean
	col.Stddev = &stddev
	col.TemporalResolution = temporalResolution(dates)
}

func (p *profiler) resolveAdmin(ctx context.Context, name string, values []string) *AdminResolution {
	if p.opts.Admin == nil {
		return nil
	}
	distinct := distinctNonEmpty(values)
	if len(distinct) < adminMinDistinct {
		return nil
	}
	res, err := p.opts.Admin.ResolveNames(ctx, distinct)
	if err != nil {
		p.log.Debugw("gazetteer lookup failed", "column", name, "error", err)
		return nil
	}
	if res == nil || float64(res.Matched) < adminMinResolved*float64(len(distinct)) {
		return nil
	}
	return res
}

func (p *profiler) geocodeColumn(ctx context.Context, name string, values []string) []GeoPoint {
	if p.opts.Geocoder == nil || !strings.Contains(strings.ToLower(name), "address") {
		return nil
	}
	distinct := distinctNonEmpty(values)
	if len(distinct) == 0 {
		return nil
	}
	pts, err := p.opts.Geocoder.Geocode(ctx, distinct)
	if err != nil {
		p.log.Debugw("geocoding failed", "column", name, "error", err)
		return nil
	}
	if float64(len(pts)) < geocodeMinResolved*float64(len(distinct)) {
		return nil
	}
	return pts
}

// ---------------------------------------------------------------------------
// small helpers
// ---------------------------------------------------------------------------

func parseNumbers(values []string) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = f
	}
	return out
}

func compactNumbers(aligned []float64) []float64 {
	out := make([]float64, 0, len(aligned))
	for _, v := range aligned {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func countDistinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	return len(seen)
}

func distinctNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var idNameTokens = []string{"id", "identifier", "index"}

// isIDName reports whether a column name denotes an identifier: the
// bare token or a name starting/ending with it.
func isIDName(name string) bool {
	l := strings.ToLower(strings.TrimSpace(name))
	for _, tok := range idNameTokens {
		if l == tok {
			return true
		}
		for _, sep := range []string{"_", "-", " ", "."} {
			if strings.HasPrefix(l, tok+sep) || strings.HasSuffix(l, sep+tok) {
				return true
			}
		}
	}
	return false
}

// Wider than the [1900, now+2] window pivot detection uses for header
// text: a year column in historical or projection data can legitimately
// hold values far outside what a spreadsheet header row would.
const (
	yearMin = 1000
	yearMax = 2500
)

func mostlyYears(aligned []float64) bool {
	nums := compactNumbers(aligned)
	if len(nums) == 0 {
		return false
	}
	ok := 0
	for _, v := range nums {
		if v == math.Trunc(v) && v >= yearMin && v <= yearMax {
			ok++
		}
	}
	return float64(ok)/float64(len(nums)) >= 1-maxUnclean
}

func yearsToTimes(aligned []float64) []time.Time {
	var out []time.Time
	for _, v := range aligned {
		if math.IsNaN(v) || v != math.Trunc(v) || v < yearMin || v > yearMax {
			continue
		}
		out = append(out, time.Date(int(v), 1, 1, 0, 0, 0, 0, time.UTC))
	}
	return out
}

// classifyLatLong tags a float column whose name and value range look
// like a geographic coordinate. Pairing happens at table level; columns
// that end up without a partner lose the tag again.
func classifyLatLong(col *types.ColumnMetadata, name string, aligned []float64) {
	nums := compactNumbers(aligned)
	if len(nums) == 0 {
		return
	}
	switch {
	case isLatitudeName(name) && inRange(nums, -90, 90):
		col.AddSemanticType(types.TypeLatitude)
	case isLongitudeName(name) && inRange(nums, -180, 180):
		col.AddSemanticType(types.TypeLongitude)
	}
}

func isLatitudeName(name string) bool {
	l := strings.ToLower(name)
	return strings.Contains(l, "lat") && !isLongitudeName(name)
}

func isLongitudeName(name string) bool {
	l := strings.ToLower(name)
	return strings.Contains(l, "lon") || strings.Contains(l, "lng")
}

func inRange(nums []float64, lo, hi float64) bool {
	ok := 0
	for _, v := range nums {
		if v >= lo && v <= hi {
			ok++
		}
	}
	return float64(ok)/float64(len(nums)) >= 1-maxUnclean
}

// histogram builds a compact 10-bin numeric histogram for UI plots.
func histogram(nums []float64) map[string]any {
	lo, hi := nums[0], nums[0]
	for _, v := range nums {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	const bins = 10
	counts := make([]int, bins)
	width := (hi - lo) / bins
	for _, v := range nums {
		b := bins - 1
		if width > 0 {
			b = int((v - lo) / width)
			if b >= bins {
				b = bins - 1
			}
		}
		counts[b]++
	}
	data := make([]map[string]any, bins)
	for i, n := range counts {
		data[i] = map[string]any{
			"bin_start": lo + float64(i)*width,
			"bin_end":   lo + float64(i+1)*width,
			"count":     n,
		}
	}
	return map[string]any{"type": "histogram_numerical", "data": data}
}
