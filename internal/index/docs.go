package index

import (
	"fmt"

	"auctus/internal/types"
)

// datasetDoc renders the dataset document. The column list and coverage
// entries are embedded verbatim; attribute keywords are recomputed from
// the column names so the stored document never goes stale.
func datasetDoc(id string, meta *types.DatasetMetadata) *types.DatasetMetadata {
	doc := *meta
	doc.ID = id
	names := make([]string, len(meta.Columns))
	for i := range meta.Columns {
		names[i] = meta.Columns[i].Name
	}
	doc.AttributeKeywords = AttributeKeywords(names)
	return &doc
}

// columnDoc is one denormalized entry of the columns index. Field names
// are contractual; search queries hard-code them.
type columnDoc struct {
	DatasetID                string   `json:"dataset_id"`
	DatasetName              string   `json:"dataset_name,omitempty"`
	DatasetDescription       string   `json:"dataset_description,omitempty"`
	DatasetSource            string   `json:"dataset_source,omitempty"`
	DatasetAttributeKeywords []string `json:"dataset_attribute_keywords,omitempty"`

	Name           string   `json:"name"`
	Index          int      `json:"index"`
	StructuralType string   `json:"structural_type"`
	SemanticTypes  []string `json:"semantic_types"`

	Mean   *float64 `json:"mean,omitempty"`
	Stddev *float64 `json:"stddev,omitempty"`

	Coverage           []types.NumericalRange `json:"coverage,omitempty"`
	TemporalResolution string                 `json:"temporal_resolution,omitempty"`
}

func columnDocs(id string, doc *types.DatasetMetadata) map[string]columnDoc {
	out := make(map[string]columnDoc, len(doc.Columns))
	for i := range doc.Columns {
		c := &doc.Columns[i]
		out[fmt.Sprintf("%s--%d", id, i)] = columnDoc{
			DatasetID:                id,
			DatasetName:              doc.Name,
			DatasetDescription:       doc.Description,
			DatasetSource:            doc.Source,
			DatasetAttributeKeywords: doc.AttributeKeywords,
			Name:                     c.Name,
			Index:                    i,
			StructuralType:           c.StructuralType,
			SemanticTypes:            c.SemanticTypes,
			Mean:                     c.Mean,
			Stddev:                   c.Stddev,
			Coverage:                 c.Coverage,
			TemporalResolution:       c.TemporalResolution,
		}
	}
	return out
}

// spatialDoc is one entry of the spatial_coverage index.
type spatialDoc struct {
	DatasetID     string               `json:"dataset_id"`
	DatasetName   string               `json:"dataset_name,omitempty"`
	Type          string               `json:"type"`
	ColumnNames   []string             `json:"column_names"`
	ColumnIndexes []int                `json:"column_indexes"`
	Ranges        []types.SpatialRange `json:"ranges"`
}

func spatialDocs(id string, doc *types.DatasetMetadata) map[string]spatialDoc {
	out := make(map[string]spatialDoc, len(doc.SpatialCoverage))
	for i, sc := range doc.SpatialCoverage {
		out[fmt.Sprintf("%s--spatial-%d", id, i)] = spatialDoc{
			DatasetID:     id,
			DatasetName:   doc.Name,
			Type:          sc.Type,
			ColumnNames:   sc.ColumnNames,
			ColumnIndexes: sc.ColumnIndexes,
			Ranges:        sc.Ranges,
		}
	}
	return out
}

// temporalDoc is one entry of the temporal_coverage index.
type temporalDoc struct {
	DatasetID          string                `json:"dataset_id"`
	DatasetName        string                `json:"dataset_name,omitempty"`
	ColumnNames        []string              `json:"column_names"`
	ColumnIndexes      []int                 `json:"column_indexes"`
	ColumnTypes        []string              `json:"column_types"`
	Ranges             []types.TemporalRange `json:"ranges"`
	TemporalResolution string                `json:"temporal_resolution,omitempty"`
}

func temporalDocs(id string, doc *types.DatasetMetadata) map[string]temporalDoc {
	out := make(map[string]temporalDoc, len(doc.TemporalCoverage))
	for i, tc := range doc.TemporalCoverage {
		out[fmt.Sprintf("%s--temporal-%d", id, i)] = temporalDoc{
			DatasetID:          id,
			DatasetName:        doc.Name,
			ColumnNames:        tc.ColumnNames,
			ColumnIndexes:      tc.ColumnIndexes,
			ColumnTypes:        tc.ColumnTypes,
			Ranges:             tc.Ranges,
			TemporalResolution: tc.TemporalResolution,
		}
	}
	return out
}
