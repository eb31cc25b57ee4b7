package search

import (
	"context"
	"sort"

	"auctus/internal/index"
	"auctus/internal/types"
)

// minUnionPairs is the smallest column pairing a union candidate needs.
const minUnionPairs = 2

// unionCandidate accumulates evidence for one catalog dataset while the
// per-column queries run.
type unionCandidate struct {
	meta    *types.DatasetMetadata
	esScore float64
}

// unionCandidates finds catalog datasets that can be stacked under the
// query dataset: enough columns pair up by name and type.
func (e *Engine) unionCandidates(ctx context.Context, req Request) []types.SearchResult {
	candidates := map[string]*unionCandidate{}

	for i := range req.Profile.Columns {
		col := &req.Profile.Columns[i]
		e.collectUnionHits(ctx, req, col, candidates)
	}

	var out []types.SearchResult
	for id, cand := range candidates {
		pairs, total := pairUnionColumns(req.Profile, cand.meta)
		if len(pairs) < minUnionPairs {
			continue
		}
		aug := types.AugmentationSpec{Type: types.AugmentationUnion}
		for _, p := range pairs {
			aug.LeftColumns = append(aug.LeftColumns, []int{p.left})
			aug.LeftColumnsNames = append(aug.LeftColumnsNames, []string{req.Profile.Columns[p.left].Name})
			aug.RightColumns = append(aug.RightColumns, []int{p.right})
			aug.RightColumnsNames = append(aug.RightColumnsNames, []string{cand.meta.Columns[p.right].Name})
		}
		out = append(out, types.SearchResult{
			ID:           id,
			Score:        total / float64(len(req.Profile.Columns)) * cand.esScore,
			Metadata:     *cand.meta,
			Augmentation: aug,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// collectUnionHits queries the datasets index for one query column and
// folds the hits into the candidate map, keeping the best ES score per
// dataset.
func (e *Engine) collectUnionHits(ctx context.Context, req Request, col *types.ColumnMetadata, candidates map[string]*unionCandidate) {
	var typeClauses []any
	typeClauses = append(typeClauses, map[string]any{
		"term": map[string]any{"columns.structural_type": col.StructuralType},
	})
	if len(col.SemanticTypes) > 0 {
		typeClauses = append(typeClauses, map[string]any{
			"terms": map[string]any{"columns.semantic_types": col.SemanticTypes},
		})
	}

	boolQuery := map[string]any{
		"must": []any{map[string]any{
			"nested": map[string]any{
				"path": "columns",
				"query": map[string]any{
					"bool": map[string]any{
						"must": []any{map[string]any{
							"match": map[string]any{"columns.name": map[string]any{
								"query":     col.Name,
								"fuzziness": 2,
							}},
						}},
						"filter": []any{map[string]any{
							"bool": map[string]any{
								"should":               typeClauses,
								"minimum_should_match": 1,
							},
						}},
					},
				},
			},
		}},
	}
	if req.Query.IgnoreDataset != "" {
		boolQuery["must_not"] = []any{map[string]any{
			"term": map[string]any{"id": req.Query.IgnoreDataset},
		}}
	}
	if len(req.Query.Sources) > 0 {
		boolQuery["filter"] = []any{map[string]any{
			"terms": map[string]any{"source": req.Query.Sources},
		}}
	}
	body := map[string]any{"query": map[string]any{"bool": boolQuery}}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.catalog.SearchRaw(cctx, index.Datasets, body, candidateFetch, 0)
	if err != nil {
		e.log.Warnw("union column query failed", "column", col.Name, "error", err)
		return
	}

	for _, hit := range resp.Hits {
		cand, ok := candidates[hit.ID]
		if !ok {
			meta, err := decodeDataset(hit.Source)
			if err != nil {
				e.log.Warnw("undecodable dataset document", "id", hit.ID, "error", err)
				continue
			}
			cand = &unionCandidate{meta: meta}
			candidates[hit.ID] = cand
		}
		if hit.Score > cand.esScore {
			cand.esScore = hit.Score
		}
	}
}

type unionPair struct {
	left, right int
	sim         float64
}

// pairUnionColumns greedily pairs query columns with candidate columns,
// best name similarity first, each column used at most once. Only
// type-compatible pairs count. Returns the pairs in query column order
// and the summed similarity.
func pairUnionColumns(query, cand *types.DatasetMetadata) ([]unionPair, float64) {
	var all []unionPair
	for li := range query.Columns {
		for ri := range cand.Columns {
			if !unionCompatible(&query.Columns[li], &cand.Columns[ri]) {
				continue
			}
			sim := nameSimilarity(query.Columns[li].Name, cand.Columns[ri].Name)
			if sim <= 0 {
				continue
			}
			all = append(all, unionPair{left: li, right: ri, sim: sim})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].sim != all[j].sim {
			return all[i].sim > all[j].sim
		}
		if all[i].left != all[j].left {
			return all[i].left < all[j].left
		}
		return all[i].right < all[j].right
	})

	usedLeft := map[int]bool{}
	usedRight := map[int]bool{}
	var chosen []unionPair
	var total float64
	for _, p := range all {
		if usedLeft[p.left] || usedRight[p.right] {
			continue
		}
		usedLeft[p.left] = true
		usedRight[p.right] = true
		chosen = append(chosen, p)
		total += p.sim
	}
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].left < chosen[j].left })
	return chosen, total
}

// unionCompatible reports whether two columns can stack: same
// structural type, or at least one shared semantic type.
func unionCompatible(a, b *types.ColumnMetadata) bool {
	if a.StructuralType == b.StructuralType {
		return true
	}
	for _, t := range a.SemanticTypes {
		if t == types.TypeFreeText || t == types.TypeCategorical {
			continue
		}
		for _, u := range b.SemanticTypes {
			if t == u {
				return true
			}
		}
	}
	return false
}
