package search

import (
	"context"
	"encoding/json"
	"sort"

	"auctus/internal/index"
	"auctus/internal/types"
)

func decodeDataset(raw json.RawMessage) (*types.DatasetMetadata, error) {
	var meta types.DatasetMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func jsonUnmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// columnHit is the slice of a columns-index document the scorer needs.
type columnHit struct {
	DatasetID          string                 `json:"dataset_id"`
	Name               string                 `json:"name"`
	Index              int                    `json:"index"`
	Coverage           []types.NumericalRange `json:"coverage"`
	TemporalResolution string                 `json:"temporal_resolution"`
}

// spatialHit is the slice of a spatial-coverage document the scorer
// needs.
type spatialHit struct {
	DatasetID     string               `json:"dataset_id"`
	ColumnNames   []string             `json:"column_names"`
	ColumnIndexes []int                `json:"column_indexes"`
	Ranges        []types.SpatialRange `json:"ranges"`
}

// joinCandidates generates one ranked join result per (catalog column,
// query key) pair that intersects.
func (e *Engine) joinCandidates(ctx context.Context, req Request) []types.SearchResult {
	metaCache := map[string]*types.DatasetMetadata{}
	var results []types.SearchResult

	for _, qc := range extractQueryColumns(req.Profile) {
		switch qc.kind {
		case kindSpatial:
			results = append(results, e.spatialJoin(ctx, req, qc, metaCache)...)
		default:
			results = append(results, e.rangeJoin(ctx, req, qc, metaCache)...)
		}
	}
	results = append(results, e.textualJoin(ctx, req, metaCache)...)

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// rangeJoin finds catalog columns of the same type whose coverage
// intersects one of the query key's ranges. Score is the summed
// intersection length over the query's total coverage.
func (e *Engine) rangeJoin(ctx context.Context, req Request, qc queryColumn, metaCache map[string]*types.DatasetMetadata) []types.SearchResult {
	total := qc.totalCoverage()
	if total <= 0 {
		return nil
	}

	var typeFilter map[string]any
	if qc.kind == kindSemantic {
		typeFilter = map[string]any{"term": map[string]any{"semantic_types": qc.dtype}}
	} else {
		typeFilter = map[string]any{"term": map[string]any{"structural_type": qc.dtype}}
	}

	var rangeClauses []any
	for _, r := range qc.ranges {
		rangeClauses = append(rangeClauses, map[string]any{
			"nested": map[string]any{
				"path": "coverage",
				"query": map[string]any{
					"range": map[string]any{"coverage.range": map[string]any{
						"gte":      r.Gte,
						"lte":      r.Lte,
						"relation": "intersects",
					}},
				},
			},
		})
	}

	boolQuery := map[string]any{
		"filter": []any{typeFilter},
		"must": []any{map[string]any{
			"bool": map[string]any{
				"should":               rangeClauses,
				"minimum_should_match": 1,
			},
		}},
	}
	// Similar names rank higher, except for date-time keys, which join
	// regardless of what the column is called.
	if qc.dtype != types.TypeDateTime && len(qc.names) == 1 {
		boolQuery["should"] = []any{map[string]any{
			"match": map[string]any{"name": map[string]any{
				"query":     qc.names[0],
				"fuzziness": "AUTO",
			}},
		}}
	}
	if req.Query.IgnoreDataset != "" {
		boolQuery["must_not"] = []any{map[string]any{
			"term": map[string]any{"dataset_id": req.Query.IgnoreDataset},
		}}
	}
	body := map[string]any{"query": map[string]any{"bool": boolQuery}}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.catalog.SearchRaw(cctx, index.Columns, body, candidateFetch, 0)
	if err != nil {
		e.log.Warnw("column join query failed", "column", qc.names, "error", err)
		return nil
	}

	var out []types.SearchResult
	for _, hit := range resp.Hits {
		var ch columnHit
		if err := jsonUnmarshal(hit.Source, &ch); err != nil {
			continue
		}
		var score float64
		for _, qr := range qc.ranges {
			for _, cr := range ch.Coverage {
				score += intersectionLength(qr, cr.Range) / total
			}
		}
		if score <= 0 {
			continue
		}
		meta := e.dataset(ctx, ch.DatasetID, metaCache)
		if meta == nil {
			continue
		}
		aug := types.AugmentationSpec{
			Type:              types.AugmentationJoin,
			LeftColumns:       [][]int{append([]int(nil), qc.indexes...)},
			LeftColumnsNames:  [][]string{append([]string(nil), qc.names...)},
			RightColumns:      [][]int{{ch.Index}},
			RightColumnsNames: [][]string{{ch.Name}},
		}
		if qc.dtype == types.TypeDateTime {
			aug.TemporalResolution = types.CoarserResolution(qc.resolution, ch.TemporalResolution)
		}
		out = append(out, types.SearchResult{
			ID:           ch.DatasetID,
			Score:        score,
			Metadata:     *meta,
			Augmentation: aug,
		})
	}
	return out
}

// spatialJoin finds catalog coverage entries intersecting the query
// key's envelopes. Score is intersection area over the query's total
// area.
func (e *Engine) spatialJoin(ctx context.Context, req Request, qc queryColumn, metaCache map[string]*types.DatasetMetadata) []types.SearchResult {
	total := qc.totalArea()
	if total <= 0 {
		return nil
	}

	var shapeClauses []any
	for _, env := range qc.envelopes {
		shapeClauses = append(shapeClauses, map[string]any{
			"nested": map[string]any{
				"path": "ranges",
				"query": map[string]any{
					"geo_shape": map[string]any{"ranges.range": map[string]any{
						"shape": map[string]any{
							"type":        "envelope",
							"coordinates": env.Coordinates,
						},
						"relation": "intersects",
					}},
				},
			},
		})
	}
	boolQuery := map[string]any{
		"must": []any{map[string]any{
			"bool": map[string]any{
				"should":               shapeClauses,
				"minimum_should_match": 1,
			},
		}},
	}
	if req.Query.IgnoreDataset != "" {
		boolQuery["must_not"] = []any{map[string]any{
			"term": map[string]any{"dataset_id": req.Query.IgnoreDataset},
		}}
	}
	body := map[string]any{"query": map[string]any{"bool": boolQuery}}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.catalog.SearchRaw(cctx, index.Spatial, body, candidateFetch, 0)
	if err != nil {
		e.log.Warnw("spatial join query failed", "columns", qc.names, "error", err)
		return nil
	}

	var out []types.SearchResult
	for _, hit := range resp.Hits {
		var sh spatialHit
		if err := jsonUnmarshal(hit.Source, &sh); err != nil {
			continue
		}
		var score float64
		for _, qe := range qc.envelopes {
			for _, cr := range sh.Ranges {
				score += intersectionArea(qe, cr.Range) / total
			}
		}
		if score <= 0 {
			continue
		}
		meta := e.dataset(ctx, sh.DatasetID, metaCache)
		if meta == nil {
			continue
		}
		out = append(out, types.SearchResult{
			ID:       sh.DatasetID,
			Score:    score,
			Metadata: *meta,
			Augmentation: types.AugmentationSpec{
				Type:              types.AugmentationJoin,
				LeftColumns:       [][]int{append([]int(nil), qc.indexes...)},
				LeftColumnsNames:  [][]string{append([]string(nil), qc.names...)},
				RightColumns:      [][]int{append([]int(nil), sh.ColumnIndexes...)},
				RightColumnsNames: [][]string{append([]string(nil), sh.ColumnNames...)},
			},
		})
	}
	return out
}

// textualJoin asks the sketch service for containment candidates over
// the raw values of the query's textual columns. With keywords present,
// candidates are additionally filtered to keyword-matching datasets.
func (e *Engine) textualJoin(ctx context.Context, req Request, metaCache map[string]*types.DatasetMetadata) []types.SearchResult {
	if e.sketches == nil || len(req.TextValues) == 0 {
		return nil
	}

	idxOrder := make([]int, 0, len(req.TextValues))
	for i := range req.TextValues {
		idxOrder = append(idxOrder, i)
	}
	sort.Ints(idxOrder)

	var out []types.SearchResult
	for _, colIdx := range idxOrder {
		if colIdx < 0 || colIdx >= len(req.Profile.Columns) {
			continue
		}
		colName := req.Profile.Columns[colIdx].Name

		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		candidates, err := e.sketches.Query(cctx, req.TextValues[colIdx])
		cancel()
		if err != nil {
			e.log.Warnw("sketch query failed", "column", colName, "error", err)
			continue
		}

		for _, cand := range candidates {
			if cand.DatasetID == req.Query.IgnoreDataset {
				continue
			}
			if len(req.Query.Keywords) > 0 && !e.matchesKeywords(ctx, cand.DatasetID, cand.ColumnName, req.Query) {
				continue
			}
			meta := e.dataset(ctx, cand.DatasetID, metaCache)
			if meta == nil {
				continue
			}
			rightIdx := columnIndexByName(meta, cand.ColumnName)
			if rightIdx < 0 {
				continue
			}
			out = append(out, types.SearchResult{
				ID:       cand.DatasetID,
				Score:    cand.Score,
				Metadata: *meta,
				Augmentation: types.AugmentationSpec{
					Type:              types.AugmentationJoin,
					LeftColumns:       [][]int{{colIdx}},
					LeftColumnsNames:  [][]string{{colName}},
					RightColumns:      [][]int{{rightIdx}},
					RightColumnsNames: [][]string{{cand.ColumnName}},
				},
			})
		}
	}
	return out
}

// matchesKeywords checks one (dataset, column) candidate against the
// keyword query through the columns index.
func (e *Engine) matchesKeywords(ctx context.Context, datasetID, column string, q Query) bool {
	body := map[string]any{"query": map[string]any{
		"constant_score": map[string]any{
			"filter": map[string]any{"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"dataset_id": datasetID}},
					map[string]any{"term": map[string]any{"name.raw": column}},
				},
				"must": []any{map[string]any{
					"multi_match": map[string]any{
						"query":  q.KeywordString(),
						"fields": []string{"dataset_name", "dataset_description", "dataset_attribute_keywords"},
					},
				}},
			}},
		},
	}}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.catalog.SearchRaw(cctx, index.Columns, body, 1, 0)
	if err != nil {
		return false
	}
	return len(resp.Hits) > 0
}

func (e *Engine) dataset(ctx context.Context, id string, cache map[string]*types.DatasetMetadata) *types.DatasetMetadata {
	if meta, ok := cache[id]; ok {
		return meta
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	meta, err := e.catalog.GetDataset(cctx, id)
	if err != nil {
		e.log.Warnw("candidate metadata fetch failed", "dataset", id, "error", err)
		cache[id] = nil
		return nil
	}
	cache[id] = meta
	return meta
}

func columnIndexByName(meta *types.DatasetMetadata, name string) int {
	for i := range meta.Columns {
		if meta.Columns[i].Name == name {
			return i
		}
	}
	return -1
}
