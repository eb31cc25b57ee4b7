// Package search builds join and union candidate sets for a query
// dataset from the catalog indices and the sketch service, scores them,
// and returns a ranked, merged result list.
package search

import (
	"fmt"
	"strings"

	"auctus/internal/types"
)

// Variable kinds accepted in a query.
const (
	TemporalVariable   = "temporal_variable"
	GeospatialVariable = "geospatial_variable"
)

// Variable is one structured constraint of a query.
type Variable struct {
	Type string `json:"type"`

	// temporal_variable
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	// geospatial_variable, two corners
	Latitude1  float64 `json:"latitude1,omitempty"`
	Longitude1 float64 `json:"longitude1,omitempty"`
	Latitude2  float64 `json:"latitude2,omitempty"`
	Longitude2 float64 `json:"longitude2,omitempty"`
}

// Query is the structured search request.
type Query struct {
	Keywords         []string   `json:"keywords,omitempty"`
	Sources          []string   `json:"source,omitempty"`
	Types            []string   `json:"types,omitempty"`
	Variables        []Variable `json:"variables,omitempty"`
	AugmentationType string     `json:"augmentation_type,omitempty"`

	// IgnoreDataset excludes one id from the results, typically the
	// dataset the query profile itself came from.
	IgnoreDataset string `json:"-"`
}

// Validate rejects malformed queries before any index call.
func (q *Query) Validate() error {
	switch q.AugmentationType {
	case "", types.AugmentationJoin, types.AugmentationUnion:
	default:
		return fmt.Errorf("bad augmentation_type %q", q.AugmentationType)
	}
	for _, v := range q.Variables {
		if v.Type != TemporalVariable && v.Type != GeospatialVariable {
			return fmt.Errorf("bad variable type %q", v.Type)
		}
	}
	return nil
}

// KeywordString joins the keywords for a full-text match clause.
func (q *Query) KeywordString() string {
	return strings.Join(q.Keywords, " ")
}

// Request is one search invocation. Profile is nil for plain keyword
// search; TextValues carries the raw values of textual query columns
// when the caller has the data, enabling sketch-based join candidates.
type Request struct {
	Query      Query
	Profile    *types.DatasetMetadata
	TextValues map[int][]string

	Page int
	Size int
}

// Response is the ranked result set. Total is only meaningful for
// keyword search, which is the only paginated path.
type Response struct {
	Results []types.SearchResult `json:"results"`
	Total   int64                `json:"total,omitempty"`
}
