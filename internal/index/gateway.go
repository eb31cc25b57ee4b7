// Package index is the gateway to the catalog's Elasticsearch indices:
// datasets, columns, spatial_coverage, and temporal_coverage. Writes
// are delete-then-insert per dataset id, so readers that query by id
// see either the old profile or the new one, never a mix.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"auctus/internal/types"
)

// Logical index names, prefixed per deployment.
const (
	Datasets = "datasets"
	Columns  = "columns"
	Spatial  = "spatial_coverage"
	Temporal = "temporal_coverage"
)

// ErrNotFound reports a dataset id absent from the index.
var ErrNotFound = errors.New("dataset not found")

// SketchStore is the part of the sketch service the gateway needs:
// dropping a dataset's sketches when the dataset leaves the catalog.
type SketchStore interface {
	Delete(ctx context.Context, datasetID string) error
}

// Gateway wraps the Elasticsearch client.
type Gateway struct {
	es       *elasticsearch.Client
	prefix   string
	sketches SketchStore
	log      *zap.SugaredLogger
}

// New connects to the given hosts. prefix namespaces the indices
// (e.g. "auctus_"); sketches may be nil.
func New(hosts []string, prefix string, sketches SketchStore, log *zap.SugaredLogger) (*Gateway, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: hosts})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{es: es, prefix: prefix, sketches: sketches, log: log}, nil
}

// Name returns the physical name of a logical index.
func (g *Gateway) Name(logical string) string {
	return g.prefix + logical
}

var mappings = map[string]string{
	Datasets: datasetsMapping,
	Columns:  columnsMapping,
	Spatial:  spatialMapping,
	Temporal: temporalMapping,
}

// CreateIndexes creates any missing index with its mapping. Existing
// indices are left untouched.
func (g *Gateway) CreateIndexes(ctx context.Context) error {
	for logical, mapping := range mappings {
		name := g.Name(logical)
		res, err := g.es.Indices.Exists([]string{name},
			g.es.Indices.Exists.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("index: check %s: %w", name, err)
		}
		drain(res)
		if res.StatusCode == 200 {
			continue
		}
		res, err = g.es.Indices.Create(name,
			g.es.Indices.Create.WithContext(ctx),
			g.es.Indices.Create.WithBody(strings.NewReader(mapping)))
		if err != nil {
			return fmt.Errorf("index: create %s: %w", name, err)
		}
		if err := checkResponse(res); err != nil {
			return fmt.Errorf("index: create %s: %w", name, err)
		}
		g.log.Infow("created index", "index", name)
	}
	return nil
}

// AddDataset writes a dataset's profile into all four indices,
// replacing any previous documents for the same id. The returned
// metadata is the stored document (id and attribute keywords filled).
func (g *Gateway) AddDataset(ctx context.Context, id string, meta *types.DatasetMetadata) (*types.DatasetMetadata, error) {
	if len(meta.Columns) == 0 {
		return nil, fmt.Errorf("index: dataset %s has no columns", id)
	}
	if meta.NbRows <= 0 {
		return nil, fmt.Errorf("index: dataset %s has nb_rows %d", id, meta.NbRows)
	}

	doc := datasetDoc(id, meta)

	if err := g.deleteDerived(ctx, id); err != nil {
		return nil, err
	}
	if err := g.putDoc(ctx, Datasets, id, doc); err != nil {
		return nil, err
	}
	for docID, cd := range columnDocs(id, doc) {
		if err := g.putDoc(ctx, Columns, docID, cd); err != nil {
			return nil, err
		}
	}
	for docID, sd := range spatialDocs(id, doc) {
		if err := g.putDoc(ctx, Spatial, docID, sd); err != nil {
			return nil, err
		}
	}
	for docID, td := range temporalDocs(id, doc) {
		if err := g.putDoc(ctx, Temporal, docID, td); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// DeleteDataset removes a dataset from all indices and drops its
// sketches.
func (g *Gateway) DeleteDataset(ctx context.Context, id string) error {
	res, err := g.es.Delete(g.Name(Datasets), id,
		g.es.Delete.WithContext(ctx),
		g.es.Delete.WithRefresh("wait_for"))
	if err != nil {
		return fmt.Errorf("index: delete %s: %w", id, err)
	}
	drain(res)
	if res.StatusCode != 200 && res.StatusCode != 404 {
		return fmt.Errorf("index: delete %s: status %d", id, res.StatusCode)
	}
	if err := g.deleteDerived(ctx, id); err != nil {
		return err
	}
	if g.sketches != nil {
		if err := g.sketches.Delete(ctx, id); err != nil {
			g.log.Warnw("sketch delete failed", "dataset", id, "error", err)
		}
	}
	return nil
}

// GetDataset fetches one dataset document.
func (g *Gateway) GetDataset(ctx context.Context, id string) (*types.DatasetMetadata, error) {
	res, err := g.es.Get(g.Name(Datasets), id, g.es.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("index: get %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		drainBody(res)
		return nil, ErrNotFound
	}
	if res.IsError() {
		drainBody(res)
		return nil, fmt.Errorf("index: get %s: status %d", id, res.StatusCode)
	}
	var wrapper struct {
		Source types.DatasetMetadata `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("index: decode %s: %w", id, err)
	}
	return &wrapper.Source, nil
}

// Hit is one search result hit.
type Hit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

// SearchResponse is the decoded part of an ES search reply.
type SearchResponse struct {
	Total        int64
	Hits         []Hit
	Aggregations json.RawMessage
}

// SearchRaw runs a query body against one logical index.
func (g *Gateway) SearchRaw(ctx context.Context, logical string, body map[string]any, size, from int) (*SearchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := g.es.Search(
		g.es.Search.WithContext(ctx),
		g.es.Search.WithIndex(g.Name(logical)),
		g.es.Search.WithBody(bytes.NewReader(payload)),
		g.es.Search.WithSize(size),
		g.es.Search.WithFrom(from),
		g.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("index: search %s: %w", logical, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		drainBody(res)
		return nil, fmt.Errorf("index: search %s: status %d", logical, res.StatusCode)
	}

	var decoded struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []Hit `json:"hits"`
		} `json:"hits"`
		Aggregations json.RawMessage `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("index: decode search: %w", err)
	}
	return &SearchResponse{
		Total:        decoded.Hits.Total.Value,
		Hits:         decoded.Hits.Hits,
		Aggregations: decoded.Aggregations,
	}, nil
}

// Statistics summarizes the catalog: dataset count, total bytes, and
// per-source counts.
type Statistics struct {
	Datasets  int64            `json:"datasets"`
	TotalSize int64            `json:"total_bytes"`
	Sources   map[string]int64 `json:"sources"`
}

func (g *Gateway) Statistics(ctx context.Context) (*Statistics, error) {
	body := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
		"aggs": map[string]any{
			"total_size": map[string]any{"sum": map[string]any{"field": "size"}},
			"sources":    map[string]any{"terms": map[string]any{"field": "source", "size": 100}},
		},
	}
	resp, err := g.SearchRaw(ctx, Datasets, body, 0, 0)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{Datasets: resp.Total, Sources: map[string]int64{}}
	if len(resp.Aggregations) > 0 {
		var aggs struct {
			TotalSize struct {
				Value float64 `json:"value"`
			} `json:"total_size"`
			Sources struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"sources"`
		}
		if err := json.Unmarshal(resp.Aggregations, &aggs); err != nil {
			return nil, fmt.Errorf("index: decode aggregations: %w", err)
		}
		stats.TotalSize = int64(aggs.TotalSize.Value)
		for _, b := range aggs.Sources.Buckets {
			stats.Sources[b.Key] = b.DocCount
		}
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// plumbing
// ---------------------------------------------------------------------------

func (g *Gateway) putDoc(ctx context.Context, logical, docID string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := g.es.Index(g.Name(logical), bytes.NewReader(payload),
		g.es.Index.WithContext(ctx),
		g.es.Index.WithDocumentID(docID),
		g.es.Index.WithRefresh("wait_for"))
	if err != nil {
		return fmt.Errorf("index: put %s/%s: %w", logical, docID, err)
	}
	if err := checkResponse(res); err != nil {
		return fmt.Errorf("index: put %s/%s: %w", logical, docID, err)
	}
	return nil
}

// deleteDerived removes the per-column and per-coverage documents of a
// dataset from the three derived indices.
func (g *Gateway) deleteDerived(ctx context.Context, id string) error {
	body := fmt.Sprintf(`{"query": {"term": {"dataset_id": %q}}}`, id)
	res, err := g.es.DeleteByQuery(
		[]string{g.Name(Columns), g.Name(Spatial), g.Name(Temporal)},
		strings.NewReader(body),
		g.es.DeleteByQuery.WithContext(ctx),
		g.es.DeleteByQuery.WithRefresh(true))
	if err != nil {
		return fmt.Errorf("index: delete derived %s: %w", id, err)
	}
	if err := checkResponse(res); err != nil {
		return fmt.Errorf("index: delete derived %s: %w", id, err)
	}
	return nil
}

func checkResponse(res *esapi.Response) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("status %d: %s", res.StatusCode, body)
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

func drain(res *esapi.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

func drainBody(res *esapi.Response) {
	io.Copy(io.Discard, res.Body)
}
