package profile

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"auctus/internal/types"
)

// resolutionSlack is how far the average values-per-bucket may stray
// from exactly one for a resolution to be accepted.
const resolutionSlack = 0.05

// parseDateCell parses one cell as a timestamp. Cells without a digit
// are rejected up front so month names and plain words do not pay for a
// full parse.
func parseDateCell(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" || !strings.ContainsAny(v, "0123456789") {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// parseDateColumn parses every non-empty cell; it returns the parsed
// times and the fraction of non-empty cells that parsed.
func parseDateColumn(values []string) ([]time.Time, float64) {
	var out []time.Time
	nonEmpty := 0
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		nonEmpty++
		if t, ok := parseDateCell(v); ok {
			out = append(out, t)
		}
	}
	if nonEmpty == 0 {
		return nil, 0
	}
	return out, float64(len(out)) / float64(nonEmpty)
}

// resolutionKeys maps each resolution to a bucketing function.
var resolutionKeys = []struct {
	name string
	key  func(time.Time) string
}{
	{types.ResolutionYear, func(t time.Time) string { return t.Format("2006") }},
	{types.ResolutionMonth, func(t time.Time) string { return t.Format("2006-01") }},
	{types.ResolutionWeek, func(t time.Time) string {
		y, w := t.ISOWeek()
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*w).Format("2006-01-02")
	}},
	{types.ResolutionDay, func(t time.Time) string { return t.Format("2006-01-02") }},
	{types.ResolutionHour, func(t time.Time) string { return t.Format("2006-01-02T15") }},
	{types.ResolutionMinute, func(t time.Time) string { return t.Format("2006-01-02T15:04") }},
	{types.ResolutionSecond, func(t time.Time) string { return t.Format("2006-01-02T15:04:05") }},
}

// temporalResolution buckets the distinct timestamps under each
// resolution, coarsest first, and picks the first one whose buckets hold
// on average (almost) exactly one value. Duplicated timestamps are
// collapsed first so repeated observations of the same instant do not
// drag the estimate finer than the data's real granularity.
func temporalResolution(ts []time.Time) string {
	if len(ts) == 0 {
		return ""
	}
	distinct := make(map[int64]time.Time, len(ts))
	for _, t := range ts {
		distinct[t.Unix()] = t
	}
	n := float64(len(distinct))

	for _, res := range resolutionKeys {
		buckets := make(map[string]struct{}, len(distinct))
		for _, t := range distinct {
			buckets[res.key(t)] = struct{}{}
		}
		if n/float64(len(buckets)) <= 1+resolutionSlack {
			return res.name
		}
	}
	return types.ResolutionSecond
}

// temporalCoverage builds the coverage entry for one date-time column.
func temporalCoverage(name string, idx int, structural string, ts []time.Time) types.TemporalCoverage {
	epochs := make([]float64, len(ts))
	for i, t := range ts {
		epochs[i] = float64(t.Unix())
	}
	ranges := make([]types.TemporalRange, 0, maxClusters)
	for _, r := range coverageRanges(epochs) {
		ranges = append(ranges, types.TemporalRange{Range: r.Range})
	}
	return types.TemporalCoverage{
		ColumnNames:        []string{name},
		ColumnIndexes:      []int{idx},
		ColumnTypes:        []string{structural},
		Ranges:             ranges,
		TemporalResolution: temporalResolution(ts),
	}
}
