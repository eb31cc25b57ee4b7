// Package profile infers per-column structural and semantic types,
// numeric and temporal coverage, spatial envelopes, and textual
// sketches from a canonical CSV.
//
// Inference is best-effort by column: a cell set that defeats every
// heuristic still yields a column record (text, no semantics). Only a
// table that cannot be loaded at all fails the dataset.
package profile

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"auctus/internal/metrics"
	"auctus/internal/types"
)

// sampleRows is how many data rows go into the embedded sample.
const sampleRows = 20

// AdminArea is one administrative area matched by the gazetteer.
type AdminArea struct {
	Name   string
	Level  int
	Bounds types.Envelope
}

// AdminResolution is the gazetteer's answer for a set of names: the
// disambiguated admin level, how many names matched at that level, and
// the matched areas with their bounding boxes.
type AdminResolution struct {
	Level   int
	Matched int
	Areas   []AdminArea
}

// AdminResolver resolves place names against an administrative-area
// gazetteer.
type AdminResolver interface {
	ResolveNames(ctx context.Context, names []string) (*AdminResolution, error)
}

// Geocoder turns addresses into coordinates. Unresolvable addresses are
// simply absent from the result.
type Geocoder interface {
	Geocode(ctx context.Context, addresses []string) ([]GeoPoint, error)
}

// Sketcher computes MinHash-style sketches over a column's values.
// Sketch is compute-only; Index additionally stores the sketch in the
// service under (datasetID, column) so containment queries can find it.
type Sketcher interface {
	Sketch(ctx context.Context, values []string) (*types.LazoSketch, error)
	Index(ctx context.Context, datasetID, column string, values []string) (*types.LazoSketch, error)
}

// Options configures a profiling run. The zero value profiles with
// coverage enabled and no external helpers.
type Options struct {
	// LoadMaxSize is the byte threshold above which rows are subsampled.
	// Zero means load everything.
	LoadMaxSize int64

	// Coverage and Plots toggle the numeric coverage/histogram passes;
	// IncludeSample embeds a small CSV excerpt in the metadata.
	Coverage      bool
	Plots         bool
	IncludeSample bool

	Admin    AdminResolver
	Geocoder Geocoder
	Sketcher Sketcher

	Log *zap.SugaredLogger
}

type profiler struct {
	opts Options
	log  *zap.SugaredLogger
}

// Profile loads the CSV at path and fills meta with the inferred
// profile: row counts, column metadata, coverage entries, and the
// aggregated structural types.
func Profile(ctx context.Context, path string, meta *types.DatasetMetadata, opts Options) error {
	start := time.Now()
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &profiler{opts: opts, log: log}

	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	tbl, err := Load(path, opts.LoadMaxSize)
	if err != nil {
		return err
	}

	meta.NbRows = tbl.NbRows
	meta.NbProfiledRows = tbl.NbProfiledRows
	if meta.Size == 0 {
		meta.Size = fi.Size()
	}
	meta.AverageRowSize = float64(meta.Size) / float64(tbl.NbRows)

	cols := make([]types.ColumnMetadata, len(tbl.ColumnNames))
	auxes := make([]colAux, len(tbl.ColumnNames))
	for i, name := range tbl.ColumnNames {
		cols[i], auxes[i] = profileColumn(ctx, p, name, tbl.Columns[i])
	}

	pairs := pairLatLong(cols)
	meta.SpatialCoverage = buildSpatialCoverage(cols, auxes, pairs)
	meta.TemporalCoverage = buildTemporalCoverage(cols, auxes)

	p.attachSketches(ctx, meta.ID, tbl, cols)

	meta.Columns = cols
	meta.Types = distinctStructuralTypes(cols)
	if opts.IncludeSample {
		meta.Sample = sampleCSV(tbl)
	}

	metrics.IncCounter(metrics.ProfileTotal, 1, nil)
	metrics.ObserveHistogram(metrics.ProfileDurationSeconds, time.Since(start).Seconds(), nil)
	log.Debugw("profiled dataset",
		"rows", tbl.NbRows, "columns", len(cols), "duration", time.Since(start))
	return nil
}

// buildTemporalCoverage emits one coverage entry per date-time column.
func buildTemporalCoverage(cols []types.ColumnMetadata, auxes []colAux) []types.TemporalCoverage {
	var out []types.TemporalCoverage
	for i := range cols {
		if !cols[i].HasSemanticType(types.TypeDateTime) || len(auxes[i].dates) == 0 {
			continue
		}
		out = append(out, temporalCoverage(cols[i].Name, i, cols[i].StructuralType, auxes[i].dates))
	}
	return out
}

// attachSketches submits textual (non-temporal) columns to the sketch
// service. A known dataset ID means ingestion: the sketch is stored in
// the service so containment queries can match it. Without an ID
// (anonymous uploads) the sketch is computed but not stored. Sketch
// failures degrade search recall, never the profile.
func (p *profiler) attachSketches(ctx context.Context, datasetID string, tbl *Table, cols []types.ColumnMetadata) {
	if p.opts.Sketcher == nil {
		return
	}
	for i := range cols {
		if cols[i].StructuralType != types.TypeText || cols[i].HasSemanticType(types.TypeDateTime) {
			continue
		}
		values := distinctNonEmpty(tbl.Columns[i])
		if len(values) == 0 {
			continue
		}
		var sk *types.LazoSketch
		var err error
		if datasetID != "" {
			sk, err = p.opts.Sketcher.Index(ctx, datasetID, cols[i].Name, values)
		} else {
			sk, err = p.opts.Sketcher.Sketch(ctx, values)
		}
		if err != nil {
			p.log.Warnw("sketching failed", "column", cols[i].Name, "error", err)
			continue
		}
		cols[i].Lazo = sk
	}
}

func distinctStructuralTypes(cols []types.ColumnMetadata) []string {
	seen := make(map[string]bool, len(cols))
	var out []string
	for i := range cols {
		t := cols[i].StructuralType
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// sampleCSV renders the header plus the first rows as a CSV string.
func sampleCSV(tbl *Table) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(tbl.ColumnNames)

	n := tbl.NbProfiledRows
	if n > sampleRows {
		n = sampleRows
	}
	row := make([]string, len(tbl.Columns))
	for r := 0; r < n; r++ {
		for c := range tbl.Columns {
			row[c] = tbl.Columns[c][r]
		}
		w.Write(row)
	}
	w.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}
