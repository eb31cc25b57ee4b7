package index

// Index mappings. Numeric and temporal coverage use ES range fields so
// intersection queries run server-side; spatial ranges are geo_shape
// envelopes.

const datasetsMapping = `{
  "mappings": {
    "properties": {
      "id":                 {"type": "keyword"},
      "name":               {"type": "text"},
      "description":        {"type": "text"},
      "source":             {"type": "keyword"},
      "license":            {"type": "keyword"},
      "size":               {"type": "long"},
      "nb_rows":            {"type": "long"},
      "date":               {"type": "date"},
      "version":            {"type": "keyword"},
      "types":              {"type": "keyword"},
      "attribute_keywords": {"type": "text"},
      "sample":             {"type": "text", "index": false},
      "materialize":        {"type": "object", "enabled": false},
      "columns": {
        "type": "nested",
        "properties": {
          "name":                {"type": "text", "fields": {"raw": {"type": "keyword"}}},
          "structural_type":     {"type": "keyword"},
          "semantic_types":      {"type": "keyword"},
          "temporal_resolution": {"type": "keyword"},
          "coverage":            {"type": "object", "enabled": false},
          "plot":                {"type": "object", "enabled": false}
        }
      },
      "spatial_coverage":  {"type": "object", "enabled": false},
      "temporal_coverage": {"type": "object", "enabled": false}
    }
  }
}`

const columnsMapping = `{
  "mappings": {
    "properties": {
      "dataset_id":                 {"type": "keyword"},
      "dataset_name":               {"type": "text"},
      "dataset_description":        {"type": "text"},
      "dataset_source":             {"type": "keyword"},
      "dataset_attribute_keywords": {"type": "text"},
      "name":                {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "index":               {"type": "long"},
      "structural_type":     {"type": "keyword"},
      "semantic_types":      {"type": "keyword"},
      "mean":                {"type": "double"},
      "stddev":              {"type": "double"},
      "temporal_resolution": {"type": "keyword"},
      "coverage": {
        "type": "nested",
        "properties": {
          "range": {"type": "double_range"}
        }
      }
    }
  }
}`

const spatialMapping = `{
  "mappings": {
    "properties": {
      "dataset_id":     {"type": "keyword"},
      "dataset_name":   {"type": "text"},
      "type":           {"type": "keyword"},
      "column_names":   {"type": "keyword"},
      "column_indexes": {"type": "long"},
      "ranges": {
        "type": "nested",
        "properties": {
          "range": {"type": "geo_shape"}
        }
      }
    }
  }
}`

const temporalMapping = `{
  "mappings": {
    "properties": {
      "dataset_id":          {"type": "keyword"},
      "dataset_name":        {"type": "text"},
      "column_names":        {"type": "keyword"},
      "column_indexes":      {"type": "long"},
      "column_types":        {"type": "keyword"},
      "temporal_resolution": {"type": "keyword"},
      "ranges": {
        "type": "nested",
        "properties": {
          "range": {"type": "double_range"}
        }
      }
    }
  }
}`
