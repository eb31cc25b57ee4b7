package search

import (
	"context"
	"sort"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"auctus/internal/index"
	"auctus/internal/lazo"
	"auctus/internal/metrics"
	"auctus/internal/types"
)

const (
	// maxResults caps the merged result list.
	maxResults = 50

	// candidateFetch is how many raw candidates each index query pulls
	// before client-side scoring.
	candidateFetch = 100

	// defaultCallTimeout bounds each individual index call; a timed-out
	// key contributes nothing and the partial result set is returned.
	defaultCallTimeout = 10 * time.Second
)

// Catalog is the slice of the index gateway the engine consumes.
type Catalog interface {
	SearchRaw(ctx context.Context, logical string, body map[string]any, size, from int) (*index.SearchResponse, error)
	GetDataset(ctx context.Context, id string) (*types.DatasetMetadata, error)
}

// SketchQuerier answers containment queries for textual join keys.
type SketchQuerier interface {
	Query(ctx context.Context, values []string) ([]lazo.Candidate, error)
}

// Engine runs keyword and augmentation searches.
type Engine struct {
	catalog  Catalog
	sketches SketchQuerier
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// New builds an engine. sketches may be nil, disabling textual join
// candidates.
func New(catalog Catalog, sketches SketchQuerier, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		catalog:  catalog,
		sketches: sketches,
		timeout:  defaultCallTimeout,
		log:      log,
	}
}

// Search dispatches: keyword-only queries page through the datasets
// index; queries with a profile run augmentation search.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if err := req.Query.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.IncCounter(metrics.SearchTotal, 1, nil)
		metrics.ObserveHistogram(metrics.SearchDurationSeconds, time.Since(start).Seconds(), nil)
	}()

	if req.Profile == nil {
		return e.keywordSearch(ctx, req)
	}

	var joins, unions []types.SearchResult
	if req.Query.AugmentationType != types.AugmentationUnion {
		joins = e.joinCandidates(ctx, req)
	}
	if req.Query.AugmentationType != types.AugmentationJoin {
		unions = e.unionCandidates(ctx, req)
	}
	return &Response{Results: mergeRoundRobin(joins, unions, maxResults)}, nil
}

// keywordSearch pages through the datasets index.
func (e *Engine) keywordSearch(ctx context.Context, req Request) (*Response, error) {
	var must, filter, mustNot []any

	if kw := req.Query.KeywordString(); kw != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  kw,
				"fields": []string{"name^2", "description", "attribute_keywords"},
			},
		})
	}
	if len(req.Query.Sources) > 0 {
		filter = append(filter, map[string]any{
			"terms": map[string]any{"source": req.Query.Sources},
		})
	}
	if len(req.Query.Types) > 0 {
		filter = append(filter, map[string]any{
			"terms": map[string]any{"types": req.Query.Types},
		})
	}
	if req.Query.IgnoreDataset != "" {
		mustNot = append(mustNot, map[string]any{
			"term": map[string]any{"id": req.Query.IgnoreDataset},
		})
	}

	if len(req.Query.Variables) > 0 {
		ids, applied, err := e.variableDatasetIDs(ctx, req.Query.Variables)
		if err != nil {
			return nil, err
		}
		if applied {
			if len(ids) == 0 {
				return &Response{Results: []types.SearchResult{}}, nil
			}
			filter = append(filter, map[string]any{
				"terms": map[string]any{"id": ids},
			})
		}
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	} else {
		boolQuery["must"] = []any{map[string]any{"match_all": map[string]any{}}}
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	body := map[string]any{"query": map[string]any{"bool": boolQuery}}

	size := req.Size
	if size <= 0 {
		size = maxResults
	}
	from := req.Page * size

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.catalog.SearchRaw(cctx, index.Datasets, body, size, from)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		meta, err := decodeDataset(hit.Source)
		if err != nil {
			e.log.Warnw("undecodable dataset document", "id", hit.ID, "error", err)
			continue
		}
		results = append(results, types.SearchResult{
			ID:       hit.ID,
			Score:    hit.Score,
			Metadata: *meta,
			Augmentation: types.AugmentationSpec{
				Type: types.AugmentationNone,
			},
		})
	}
	return &Response{Results: results, Total: resp.Total}, nil
}

// variableDatasetIDs resolves spatial/temporal variables into the set
// of dataset ids whose coverage intersects them.
func (e *Engine) variableDatasetIDs(ctx context.Context, vars []Variable) ([]string, bool, error) {
	idSet := map[string]bool{}
	applied := false

	for _, v := range vars {
		var (
			logical string
			body    map[string]any
		)
		switch v.Type {
		case TemporalVariable:
			iv, err := parseTemporalVariable(v)
			if err != nil {
				return nil, false, err
			}
			logical = index.Temporal
			body = map[string]any{"query": map[string]any{
				"nested": map[string]any{
					"path": "ranges",
					"query": map[string]any{
						"range": map[string]any{"ranges.range": map[string]any{
							"gte":      iv.Gte,
							"lte":      iv.Lte,
							"relation": "intersects",
						}},
					},
				},
			}}
		case GeospatialVariable:
			env := envelopeFromVariable(v)
			logical = index.Spatial
			body = map[string]any{"query": map[string]any{
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
			}}
		default:
			continue
		}
		applied = true

		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.catalog.SearchRaw(cctx, logical, body, candidateFetch, 0)
		cancel()
		if err != nil {
			return nil, false, err
		}
		for _, hit := range resp.Hits {
			var doc struct {
				DatasetID string `json:"dataset_id"`
			}
			if err := jsonUnmarshal(hit.Source, &doc); err == nil && doc.DatasetID != "" {
				idSet[doc.DatasetID] = true
			}
		}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, applied, nil
}

func parseTemporalVariable(v Variable) (types.Interval, error) {
	iv := types.Interval{Gte: 0, Lte: float64(time.Now().Unix())}
	if v.Start != "" {
		t, err := dateparse.ParseAny(v.Start)
		if err != nil {
			return iv, err
		}
		iv.Gte = float64(t.Unix())
	}
	if v.End != "" {
		t, err := dateparse.ParseAny(v.End)
		if err != nil {
			return iv, err
		}
		iv.Lte = float64(t.Unix())
	}
	return iv, nil
}

func envelopeFromVariable(v Variable) types.Envelope {
	minLat, maxLat := v.Latitude1, v.Latitude2
	if minLat > maxLat {
		minLat, maxLat = maxLat, minLat
	}
	minLon, maxLon := v.Longitude1, v.Longitude2
	if minLon > maxLon {
		minLon, maxLon = maxLon, minLon
	}
	return types.NewEnvelope(minLon, maxLat, maxLon, minLat)
}

// mergeRoundRobin interleaves two ranked lists and truncates.
func mergeRoundRobin(a, b []types.SearchResult, limit int) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(a)+len(b))
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			out = append(out, a[i])
		}
		if i < len(b) {
			out = append(out, b[i])
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
