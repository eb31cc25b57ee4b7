// Package types defines the metadata model shared across the Auctus core:
// dataset and column descriptors, coverage entries, materialization
// descriptors with their conversion chains, and augmentation tasks.
//
// JSON field names in this package are contractual: the index gateway
// stores these documents verbatim and the search queries hard-code the
// field names. Renaming a tag here is a breaking change for every
// deployed index.
package types

import (
	"time"
)

// Structural types. Exactly one per column.
const (
	TypeMissing    = "https://metadata.datadrivendiscovery.org/types/MissingData"
	TypeInteger    = "http://schema.org/Integer"
	TypeFloat      = "http://schema.org/Float"
	TypeText       = "http://schema.org/Text"
	TypeGeoPoint   = "http://schema.org/GeoCoordinates"
	TypeGeoPolygon = "http://schema.org/GeoShape"
)

// Semantic types. Zero or more per column.
const (
	TypeBoolean     = "http://schema.org/Boolean"
	TypeCategorical = "http://schema.org/Enumeration"
	TypeID          = "http://schema.org/identifier"
	TypeLatitude    = "http://schema.org/latitude"
	TypeLongitude   = "http://schema.org/longitude"
	TypeDateTime    = "http://schema.org/DateTime"
	TypeAddress     = "http://schema.org/address"
	TypeAdmin       = "http://schema.org/AdministrativeArea"
	TypeURL         = "http://schema.org/URL"
	TypeFilePath    = "https://metadata.datadrivendiscovery.org/types/FileName"
	TypeFreeText    = "free_text"
)

// Temporal resolutions, finest to coarsest.
const (
	ResolutionSecond = "second"
	ResolutionMinute = "minute"
	ResolutionHour   = "hour"
	ResolutionDay    = "day"
	ResolutionWeek   = "week"
	ResolutionMonth  = "month"
	ResolutionYear   = "year"
)

// resolutionOrder ranks resolutions from finest (lowest) to coarsest.
var resolutionOrder = map[string]int{
	ResolutionSecond: 0,
	ResolutionMinute: 1,
	ResolutionHour:   2,
	ResolutionDay:    3,
	ResolutionWeek:   4,
	ResolutionMonth:  5,
	ResolutionYear:   6,
}

// CoarserResolution returns the coarser of two temporal resolutions.
// Unknown values lose to known ones; two unknowns return "".
func CoarserResolution(a, b string) string {
	ra, oka := resolutionOrder[a]
	rb, okb := resolutionOrder[b]
	switch {
	case oka && okb:
		if ra >= rb {
			return a
		}
		return b
	case oka:
		return a
	case okb:
		return b
	default:
		return ""
	}
}

// ValidResolution reports whether s is a known temporal resolution.
func ValidResolution(s string) bool {
	_, ok := resolutionOrder[s]
	return ok
}

// Interval is a single numeric coverage range. For temporal columns the
// bounds are epoch seconds.
type Interval struct {
	Gte float64 `json:"gte"`
	Lte float64 `json:"lte"`
}

// NumericalRange wraps an Interval the way the columns index stores it.
type NumericalRange struct {
	Range Interval `json:"range"`
}

// LazoSketch is a MinHash-style locality sketch for a textual column,
// as returned by the external sketch service.
type LazoSketch struct {
	NPermutations int      `json:"n_permutations"`
	HashValues    []uint64 `json:"hash_values"`
	Cardinality   int64    `json:"cardinality"`
}

// ColumnMetadata is the per-column profile embedded in a dataset
// document and denormalized into the columns index.
type ColumnMetadata struct {
	Name           string   `json:"name"`
	StructuralType string   `json:"structural_type"`
	SemanticTypes  []string `json:"semantic_types"`

	// Statistics, present only where meaningful (see invariants below).
	Mean              *float64 `json:"mean,omitempty"`
	Stddev            *float64 `json:"stddev,omitempty"`
	NumDistinctValues int      `json:"num_distinct_values,omitempty"`
	UncleanRatio      float64  `json:"unclean_values_ratio,omitempty"`
	MissingRatio      float64  `json:"missing_values_ratio,omitempty"`

	// Coverage is non-empty only for numeric and temporal columns.
	Coverage           []NumericalRange `json:"coverage,omitempty"`
	TemporalResolution string           `json:"temporal_resolution,omitempty"`

	// PointFormat disambiguates geo-point columns: "lat,long" or "long,lat".
	PointFormat string `json:"point_format,omitempty"`

	// AdminAreaLevel is set for admin columns resolved by the gazetteer.
	AdminAreaLevel *int `json:"admin_area_level,omitempty"`

	Lazo *LazoSketch `json:"lazo,omitempty"`

	// PlotData is an optional compact histogram for UI consumption.
	PlotData map[string]any `json:"plot,omitempty"`
}

// HasSemanticType reports whether t is among the column's semantic types.
func (c *ColumnMetadata) HasSemanticType(t string) bool {
	for _, s := range c.SemanticTypes {
		if s == t {
			return true
		}
	}
	return false
}

// AddSemanticType appends t if not already present.
func (c *ColumnMetadata) AddSemanticType(t string) {
	if !c.HasSemanticType(t) {
		c.SemanticTypes = append(c.SemanticTypes, t)
	}
}

// RemoveSemanticType deletes t from the column's semantic types.
func (c *ColumnMetadata) RemoveSemanticType(t string) {
	out := c.SemanticTypes[:0]
	for _, s := range c.SemanticTypes {
		if s != t {
			out = append(out, s)
		}
	}
	c.SemanticTypes = out
}

// Spatial coverage kinds.
const (
	SpatialLatLong = "latlong"
	SpatialAddress = "address"
	SpatialPoint   = "point"
	SpatialAdmin   = "admin"
)

// Envelope is an axis-aligned bounding box in the Lucene envelope
// convention: coordinates are [[minLon, maxLat], [maxLon, minLat]].
type Envelope struct {
	Type        string       `json:"type"`
	Coordinates [2][2]float64 `json:"coordinates"`
}

// NewEnvelope builds an envelope from bounds.
func NewEnvelope(minLon, maxLat, maxLon, minLat float64) Envelope {
	return Envelope{
		Type:        "envelope",
		Coordinates: [2][2]float64{{minLon, maxLat}, {maxLon, minLat}},
	}
}

// MinLon, MaxLat, MaxLon, MinLat accessors keep call sites readable.
func (e Envelope) MinLon() float64 { return e.Coordinates[0][0] }
func (e Envelope) MaxLat() float64 { return e.Coordinates[0][1] }
func (e Envelope) MaxLon() float64 { return e.Coordinates[1][0] }
func (e Envelope) MinLat() float64 { return e.Coordinates[1][1] }

// Area returns the envelope area in squared degrees.
func (e Envelope) Area() float64 {
	return (e.MaxLon() - e.MinLon()) * (e.MaxLat() - e.MinLat())
}

// SpatialRange wraps an Envelope the way the spatial_coverage index
// stores it.
type SpatialRange struct {
	Range Envelope `json:"range"`
}

// SpatialCoverage describes one spatial coverage entry of a dataset.
type SpatialCoverage struct {
	Type          string         `json:"type"`
	ColumnNames   []string       `json:"column_names"`
	ColumnIndexes []int          `json:"column_indexes"`
	Ranges        []SpatialRange `json:"ranges"`
}

// TemporalRange is one temporal coverage range; bounds are epoch seconds.
type TemporalRange struct {
	Range Interval `json:"range"`
}

// TemporalCoverage describes one temporal coverage entry of a dataset.
type TemporalCoverage struct {
	ColumnNames        []string        `json:"column_names"`
	ColumnIndexes      []int           `json:"column_indexes"`
	ColumnTypes        []string        `json:"column_types"`
	Ranges             []TemporalRange `json:"ranges"`
	TemporalResolution string          `json:"temporal_resolution,omitempty"`
}

// Conversion op identifiers recorded in a materialization descriptor.
const (
	ConvertXLSX     = "xlsx"
	ConvertXLS      = "xls"
	ConvertParquet  = "parquet"
	ConvertStata    = "stata"
	ConvertSPSS     = "spss"
	ConvertTSV      = "tsv"
	ConvertSkipRows = "skip_rows"
	ConvertPivot    = "pivot"
)

// ConversionOp is one recorded step of the conversion chain. Exactly the
// fields relevant to the identifier are set.
type ConversionOp struct {
	Identifier string `json:"identifier"`

	// tsv
	Separator string `json:"separator,omitempty"`

	// skip_rows
	NbRows int `json:"nb_rows,omitempty"`

	// pivot
	ExceptColumns []int  `json:"except_columns,omitempty"`
	DateLabel     string `json:"date_label,omitempty"`
}

// Materialization records how to reconstitute a dataset's bytes. The
// Extra map carries source-specific fields (connection strings, API
// identifiers) opaque to the core.
type Materialization struct {
	Identifier string         `json:"identifier"`
	Date       string         `json:"date,omitempty"`
	DirectURL  string         `json:"direct_url,omitempty"`
	Convert    []ConversionOp `json:"convert,omitempty"`
	Extra      map[string]any `json:"-"`
}

// DatasetMetadata is the full dataset document written to the datasets
// index and carried on the datasets exchange.
type DatasetMetadata struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	License     string `json:"license,omitempty"`

	Size           int64   `json:"size,omitempty"`
	NbRows         int     `json:"nb_rows"`
	NbProfiledRows int     `json:"nb_profiled_rows,omitempty"`
	AverageRowSize float64 `json:"average_row_size,omitempty"`

	Date    string `json:"date,omitempty"`
	Version string `json:"version,omitempty"`

	// Types aggregates the distinct structural types of the columns.
	Types []string `json:"types,omitempty"`

	// AttributeKeywords is the tokenized expansion of column names.
	AttributeKeywords []string `json:"attribute_keywords,omitempty"`

	Columns          []ColumnMetadata   `json:"columns"`
	SpatialCoverage  []SpatialCoverage  `json:"spatial_coverage,omitempty"`
	TemporalCoverage []TemporalCoverage `json:"temporal_coverage,omitempty"`

	Materialize Materialization `json:"materialize"`

	Sample string `json:"sample,omitempty"`
}

// Augmentation types.
const (
	AugmentationJoin  = "join"
	AugmentationUnion = "union"
	AugmentationNone  = "none"
)

// AugmentationSpec describes how a result dataset combines with the
// query dataset. Column lists are lists of lists so a composite key
// (lat+long) stays a single unit.
type AugmentationSpec struct {
	Type string `json:"type"`

	LeftColumns       [][]int    `json:"left_columns"`
	RightColumns      [][]int    `json:"right_columns"`
	LeftColumnsNames  [][]string `json:"left_columns_names"`
	RightColumnsNames [][]string `json:"right_columns_names"`

	// AggFunctions maps catalog column name to aggregation ("first",
	// "mean", "sum", "max", "min", "count"). Empty means first.
	AggFunctions map[string]string `json:"agg_functions,omitempty"`

	// TemporalResolution is the reconciled key resolution for temporal
	// joins, always the coarser of the two sides.
	TemporalResolution string `json:"temporal_resolution,omitempty"`
}

// AugmentationTask is the unit of work handed to the executor: the
// catalog side dataset plus the augmentation spec.
type AugmentationTask struct {
	ID           string           `json:"id"`
	Metadata     DatasetMetadata  `json:"metadata"`
	Augmentation AugmentationSpec `json:"augmentation"`

	SuppliedID         *string `json:"supplied_id"`
	SuppliedResourceID *string `json:"supplied_resource_id"`
}

// SearchResult is one ranked entry returned by the augmentation search.
type SearchResult struct {
	ID           string           `json:"id"`
	Score        float64          `json:"score"`
	Metadata     DatasetMetadata  `json:"metadata"`
	Augmentation AugmentationSpec `json:"augmentation"`

	SuppliedID         *string `json:"supplied_id"`
	SuppliedResourceID *string `json:"supplied_resource_id"`
}

// ISOTime formats t the way dataset documents record dates.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
