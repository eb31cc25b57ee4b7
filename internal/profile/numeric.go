package profile

import (
	"math"
	"sort"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"auctus/internal/types"
)

const (
	// maxClusters caps the k-means k for coverage ranges.
	maxClusters = 3

	// minClusterShare is the fraction of points a cluster needs before
	// it contributes a coverage range.
	minClusterShare = 0.10
)

// meanStddev returns the mean and population standard deviation.
func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// percentile returns the q-th percentile (0..1) of sorted values with
// linear interpolation.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// coverageRanges clusters values with k-means (k = min(3, n)) and emits
// the 5th..95th percentile of every cluster holding at least 10% of the
// points. Falls back to a single min..max range when clustering cannot
// run.
func coverageRanges(values []float64) []types.NumericalRange {
	if len(values) == 0 {
		return nil
	}

	k := maxClusters
	if len(values) < k {
		k = len(values)
	}

	ranges := clusterRanges(values, k)
	if ranges == nil {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		ranges = []types.NumericalRange{{
			Range: types.Interval{Gte: sorted[0], Lte: sorted[len(sorted)-1]},
		}}
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Range.Gte < ranges[j].Range.Gte
	})
	return ranges
}

func clusterRanges(values []float64, k int) []types.NumericalRange {
	if k < 1 {
		return nil
	}
	var obs clusters.Observations
	for _, v := range values {
		obs = append(obs, clusters.Coordinates{v})
	}
	km := kmeans.New()
	parts, err := km.Partition(obs, k)
	if err != nil {
		return nil
	}

	var out []types.NumericalRange
	for _, c := range parts {
		if float64(len(c.Observations)) < minClusterShare*float64(len(values)) {
			continue
		}
		member := make([]float64, 0, len(c.Observations))
		for _, o := range c.Observations {
			member = append(member, o.Coordinates()[0])
		}
		sort.Float64s(member)
		out = append(out, types.NumericalRange{Range: types.Interval{
			Gte: percentile(member, 0.05),
			Lte: percentile(member, 0.95),
		}})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
