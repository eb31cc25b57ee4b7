package profile

import (
	"math"
	"testing"
	"time"

	"auctus/internal/types"
)

func TestMeanStddev(t *testing.T) {
	t.Parallel()

	mean, stddev := meanStddev([]float64{3, 4, 7, 8, 9})
	if math.Abs(mean-6.2) > 1e-9 {
		t.Errorf("mean = %v, want 6.2", mean)
	}
	if math.Abs(stddev-2.3151673805580453) > 1e-9 {
		t.Errorf("stddev = %v, want ~2.315", stddev)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	sorted := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		q    float64
		want float64
	}{
		{0, 1},
		{0.5, 3},
		{1, 5},
		{0.25, 2},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.q); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("percentile(%v) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestChooseStructural(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"integers", []string{"1", "2", "3"}, types.TypeInteger},
		{"floats", []string{"1.5", "2", "3.25"}, types.TypeFloat},
		{"text", []string{"alpha", "beta", "12"}, types.TypeText},
		{"all empty", []string{"", "", ""}, types.TypeMissing},
		{"wkt points", []string{"POINT (1.5 2.5)", "POINT (3 4)"}, types.TypeGeoPoint},
		{"combined points", []string{"Albany (42.65, -73.75)", "Troy (42.73, -73.69)"}, types.TypeGeoPoint},
		{"wkt polygons", []string{"POLYGON ((1 2, 3 4, 5 6, 1 2))"}, types.TypeGeoPolygon},
		{"tolerates 2% dirt", append(repeat("7", 99), "x"), types.TypeInteger},
		{"rejects 5% dirt", append(repeat("7", 95), "x", "x", "x", "x", "x"), types.TypeText},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := chooseStructural(countCells(tt.values))
			if got != tt.want {
				t.Errorf("chooseStructural() = %v, want %v", got, tt.want)
			}
		})
	}
}

func repeat(v string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestIsIDName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"id", true},
		{"ID", true},
		{"index", true},
		{"identifier", true},
		{"station_id", true},
		{"id_station", true},
		{"idaho", false},
		{"grid", false},
		{"height", false},
	}
	for _, tt := range tests {
		if got := isIDName(tt.name); got != tt.want {
			t.Errorf("isIDName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStripLatLongTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"lat", ""},
		{"pickup_latitude", "pickup"},
		{"pickup_longitude", "pickup"},
		{"Dropoff Lat", "dropoff"},
		{"lng_home", "home"},
	}
	for _, tt := range tests {
		if got := stripLatLongTokens(tt.in); got != tt.want {
			t.Errorf("stripLatLongTokens(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTemporalResolution(t *testing.T) {
	t.Parallel()

	day := func(d int) time.Time {
		return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
	}
	hour := func(h int) time.Time {
		return time.Date(2020, 1, 1, h, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		ts   []time.Time
		want string
	}{
		{
			name: "years",
			ts: []time.Time{
				time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			want: types.ResolutionYear,
		},
		{
			name: "duplicated years stay yearly",
			ts: []time.Time{
				time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			want: types.ResolutionYear,
		},
		{
			name: "daily",
			ts:   []time.Time{day(1), day(2), day(3), day(4), day(5), day(6)},
			want: types.ResolutionDay,
		},
		{
			name: "hourly",
			ts:   []time.Time{hour(0), hour(1), hour(2), hour(3), hour(4)},
			want: types.ResolutionHour,
		},
		{
			name: "half hourly",
			ts: []time.Time{
				time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2020, 1, 1, 0, 30, 0, 0, time.UTC),
				time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC),
				time.Date(2020, 1, 1, 1, 30, 0, 0, time.UTC),
			},
			want: types.ResolutionMinute,
		},
		{
			name: "empty",
			ts:   nil,
			want: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := temporalResolution(tt.ts); got != tt.want {
				t.Errorf("temporalResolution() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePoints(t *testing.T) {
	t.Parallel()

	wkt := parsePoints([]string{"POINT (-73.75 42.65)", "bogus"}, pointFormatLongLat)
	if len(wkt) != 1 || wkt[0].Lat != 42.65 || wkt[0].Lon != -73.75 {
		t.Errorf("wkt points = %+v", wkt)
	}

	combined := parsePoints([]string{"Albany (42.65, -73.75)"}, pointFormatLatLong)
	if len(combined) != 1 || combined[0].Lat != 42.65 || combined[0].Lon != -73.75 {
		t.Errorf("combined points = %+v", combined)
	}

	if out := parsePoints([]string{"POINT (500 500)"}, pointFormatLongLat); len(out) != 0 {
		t.Errorf("out-of-range point kept: %+v", out)
	}
}

func TestPointsEnvelopeInflatesDegenerateAxes(t *testing.T) {
	t.Parallel()

	e := pointsEnvelope([]GeoPoint{{Lat: 42, Lon: -73}})
	if e.Area() <= 0 {
		t.Errorf("single-point envelope has area %v", e.Area())
	}

	e = pointsEnvelope([]GeoPoint{{Lat: 42, Lon: -73}, {Lat: 43, Lon: -73}})
	if e.Area() <= 0 {
		t.Errorf("collinear envelope has area %v", e.Area())
	}
	if e.MinLat() != 42 || e.MaxLat() != 43 {
		t.Errorf("lat bounds changed: %+v", e)
	}
}

func TestPairLatLongRemovesUnmatchedTags(t *testing.T) {
	t.Parallel()

	cols := []types.ColumnMetadata{
		{Name: "lat", SemanticTypes: []string{types.TypeLatitude}},
		{Name: "long", SemanticTypes: []string{types.TypeLongitude}},
		{Name: "home_latitude", SemanticTypes: []string{types.TypeLatitude}},
	}
	pairs := pairLatLong(cols)
	if len(pairs) != 1 || pairs[0].lat != 0 || pairs[0].lon != 1 {
		t.Fatalf("pairs = %+v", pairs)
	}
	if cols[2].HasSemanticType(types.TypeLatitude) {
		t.Error("unmatched latitude column kept its tag")
	}
	if !cols[0].HasSemanticType(types.TypeLatitude) {
		t.Error("paired latitude column lost its tag")
	}
}

func TestCoverageRangesSmallInput(t *testing.T) {
	t.Parallel()

	ranges := coverageRanges([]float64{5})
	if len(ranges) == 0 {
		t.Fatal("no ranges for single value")
	}
	for _, r := range ranges {
		if r.Range.Gte > r.Range.Lte {
			t.Errorf("inverted range %+v", r)
		}
	}

	if coverageRanges(nil) != nil {
		t.Error("ranges for empty input")
	}
}
