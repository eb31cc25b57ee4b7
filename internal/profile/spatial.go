package profile

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"auctus/internal/types"
)

// envelopeDelta inflates a degenerate envelope axis so the index's
// tessellation always receives a box with positive area.
const envelopeDelta = 0.001

// GeoPoint is a parsed geographic coordinate.
type GeoPoint struct {
	Lat float64
	Lon float64
}

var pointCoordsRe = regexp.MustCompile(`\(\s*([-+]?[0-9.]+)[\s,]+([-+]?[0-9.]+)\s*\)`)

// parsePoints extracts coordinates from a geo-point column. WKT points
// are (long lat); combined "Name (lat, long)" values are the reverse.
func parsePoints(values []string, pointFormat string) []GeoPoint {
	var out []GeoPoint
	for _, v := range values {
		m := pointCoordsRe.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA != nil || errB != nil {
			continue
		}
		var p GeoPoint
		if pointFormat == pointFormatLatLong {
			p = GeoPoint{Lat: a, Lon: b}
		} else {
			p = GeoPoint{Lat: b, Lon: a}
		}
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// latLongPair is a matched (latitude, longitude) column pair.
type latLongPair struct {
	lat int
	lon int
}

// stripLatLongTokens normalizes a coordinate column name down to its
// residue: "pickup_latitude" and "pickup_longitude" both reduce to
// "pickup", which is how the two are paired.
func stripLatLongTokens(name string) string {
	l := strings.ToLower(name)
	for _, tok := range []string{"latitude", "longitude", "lat", "lng", "lon"} {
		l = strings.ReplaceAll(l, tok, "")
	}
	var b strings.Builder
	for _, r := range l {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// pairLatLong matches latitude columns to longitude columns by name
// residue. Columns left without a partner lose their coordinate tag.
func pairLatLong(cols []types.ColumnMetadata) []latLongPair {
	latByResidue := map[string][]int{}
	lonByResidue := map[string][]int{}
	for i := range cols {
		switch {
		case cols[i].HasSemanticType(types.TypeLatitude):
			r := stripLatLongTokens(cols[i].Name)
			latByResidue[r] = append(latByResidue[r], i)
		case cols[i].HasSemanticType(types.TypeLongitude):
			r := stripLatLongTokens(cols[i].Name)
			lonByResidue[r] = append(lonByResidue[r], i)
		}
	}

	var pairs []latLongPair
	paired := map[int]bool{}
	residues := make([]string, 0, len(latByResidue))
	for r := range latByResidue {
		residues = append(residues, r)
	}
	sort.Strings(residues)
	for _, r := range residues {
		lats, lons := latByResidue[r], lonByResidue[r]
		n := len(lats)
		if len(lons) < n {
			n = len(lons)
		}
		for k := 0; k < n; k++ {
			pairs = append(pairs, latLongPair{lat: lats[k], lon: lons[k]})
			paired[lats[k]] = true
			paired[lons[k]] = true
		}
	}

	for i := range cols {
		if paired[i] {
			continue
		}
		cols[i].RemoveSemanticType(types.TypeLatitude)
		cols[i].RemoveSemanticType(types.TypeLongitude)
	}
	return pairs
}

// pairPoints assembles row-aligned (lat, lon) values into points,
// skipping rows where either side is missing or out of range.
func pairPoints(lat, lon []float64) []GeoPoint {
	n := len(lat)
	if len(lon) < n {
		n = len(lon)
	}
	var out []GeoPoint
	for i := 0; i < n; i++ {
		if math.IsNaN(lat[i]) || math.IsNaN(lon[i]) {
			continue
		}
		if lat[i] < -90 || lat[i] > 90 || lon[i] < -180 || lon[i] > 180 {
			continue
		}
		out = append(out, GeoPoint{Lat: lat[i], Lon: lon[i]})
	}
	return out
}

// spatialRanges clusters points with k-means and returns one envelope
// per cluster holding at least 10% of them. Degenerate axes are
// inflated so every envelope has positive area.
func spatialRanges(points []GeoPoint) []types.SpatialRange {
	if len(points) == 0 {
		return nil
	}

	k := maxClusters
	if len(points) < k {
		k = len(points)
	}

	var obs clusters.Observations
	for _, p := range points {
		obs = append(obs, clusters.Coordinates{p.Lat, p.Lon})
	}

	var groups [][]GeoPoint
	km := kmeans.New()
	parts, err := km.Partition(obs, k)
	if err != nil {
		groups = [][]GeoPoint{points}
	} else {
		for _, c := range parts {
			if float64(len(c.Observations)) < minClusterShare*float64(len(points)) {
				continue
			}
			g := make([]GeoPoint, 0, len(c.Observations))
			for _, o := range c.Observations {
				xy := o.Coordinates()
				g = append(g, GeoPoint{Lat: xy[0], Lon: xy[1]})
			}
			groups = append(groups, g)
		}
		if len(groups) == 0 {
			groups = [][]GeoPoint{points}
		}
	}

	out := make([]types.SpatialRange, 0, len(groups))
	for _, g := range groups {
		out = append(out, types.SpatialRange{Range: pointsEnvelope(g)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Range, out[j].Range
		if a.MinLon() != b.MinLon() {
			return a.MinLon() < b.MinLon()
		}
		return a.MinLat() < b.MinLat()
	})
	return out
}

// pointsEnvelope returns the bounding box of a point set, inflated on
// any zero-extent axis.
func pointsEnvelope(points []GeoPoint) types.Envelope {
	minLat, maxLat := points[0].Lat, points[0].Lat
	minLon, maxLon := points[0].Lon, points[0].Lon
	for _, p := range points[1:] {
		minLat = math.Min(minLat, p.Lat)
		maxLat = math.Max(maxLat, p.Lat)
		minLon = math.Min(minLon, p.Lon)
		maxLon = math.Max(maxLon, p.Lon)
	}
	if maxLat-minLat == 0 {
		minLat -= envelopeDelta
		maxLat += envelopeDelta
	}
	if maxLon-minLon == 0 {
		minLon -= envelopeDelta
		maxLon += envelopeDelta
	}
	return types.NewEnvelope(minLon, maxLat, maxLon, minLat)
}

// inflateEnvelope pads an existing degenerate box; admin-area bounds
// from the gazetteer occasionally collapse to a line or a point.
func inflateEnvelope(e types.Envelope) types.Envelope {
	minLon, maxLon := e.MinLon(), e.MaxLon()
	minLat, maxLat := e.MinLat(), e.MaxLat()
	if maxLat-minLat == 0 {
		minLat -= envelopeDelta
		maxLat += envelopeDelta
	}
	if maxLon-minLon == 0 {
		minLon -= envelopeDelta
		maxLon += envelopeDelta
	}
	return types.NewEnvelope(minLon, maxLat, maxLon, minLat)
}

// buildSpatialCoverage assembles the dataset's spatial coverage from
// matched coordinate pairs, geo-point columns, resolved admin areas,
// and geocoded address columns.
func buildSpatialCoverage(cols []types.ColumnMetadata, auxes []colAux, pairs []latLongPair) []types.SpatialCoverage {
	var out []types.SpatialCoverage

	for _, pr := range pairs {
		points := pairPoints(auxes[pr.lat].aligned, auxes[pr.lon].aligned)
		ranges := spatialRanges(points)
		if len(ranges) == 0 {
			continue
		}
		out = append(out, types.SpatialCoverage{
			Type:          types.SpatialLatLong,
			ColumnNames:   []string{cols[pr.lat].Name, cols[pr.lon].Name},
			ColumnIndexes: []int{pr.lat, pr.lon},
			Ranges:        ranges,
		})
	}

	for i := range cols {
		switch {
		case cols[i].StructuralType == types.TypeGeoPoint:
			ranges := spatialRanges(auxes[i].points)
			if len(ranges) == 0 {
				continue
			}
			out = append(out, types.SpatialCoverage{
				Type:          types.SpatialPoint,
				ColumnNames:   []string{cols[i].Name},
				ColumnIndexes: []int{i},
				Ranges:        ranges,
			})

		case cols[i].HasSemanticType(types.TypeAdmin):
			ranges := make([]types.SpatialRange, 0, len(auxes[i].areas))
			for _, a := range auxes[i].areas {
				ranges = append(ranges, types.SpatialRange{Range: inflateEnvelope(a.Bounds)})
			}
			if len(ranges) == 0 {
				continue
			}
			out = append(out, types.SpatialCoverage{
				Type:          types.SpatialAdmin,
				ColumnNames:   []string{cols[i].Name},
				ColumnIndexes: []int{i},
				Ranges:        ranges,
			})

		case cols[i].HasSemanticType(types.TypeAddress):
			ranges := spatialRanges(auxes[i].points)
			if len(ranges) == 0 {
				continue
			}
			out = append(out, types.SpatialCoverage{
				Type:          types.SpatialAddress,
				ColumnNames:   []string{cols[i].Name},
				ColumnIndexes: []int{i},
				Ranges:        ranges,
			})
		}
	}
	return out
}
