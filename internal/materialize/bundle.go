package materialize

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"auctus/internal/types"
)

const bundleSchemaVersion = "4.0.0"

// indexColumn is the synthesized row-index column name.
const indexColumn = "d3mIndex"

// BundleOptions tweaks the bundle writer.
type BundleOptions struct {
	// NeedIndex synthesizes a monotonically increasing integer index
	// column when the dataset has none.
	NeedIndex bool
}

// BundleWriter emits a ZIP holding tables/learningData.csv and a JSON
// manifest describing each column's role and type.
type BundleWriter struct {
	zw   *zip.Writer
	opts BundleOptions

	id        string
	meta      *types.DatasetMetadata
	qualities []map[string]any

	addedIndex bool
	opened     bool
}

// NewBundleWriter builds a bundle writer over dst. The ZIP is fully
// flushed by Finish; dst sees no trailing writes after that.
func NewBundleWriter(dst io.Writer, opts BundleOptions) *BundleWriter {
	return &BundleWriter{zw: zip.NewWriter(dst), opts: opts}
}

// OpenFile opens the data table inside the archive. Call SetMetadata
// first so index synthesis can see the existing columns; the returned
// writer must be closed before Finish.
func (w *BundleWriter) OpenFile(string) (io.WriteCloser, error) {
	if w.opened {
		return nil, fmt.Errorf("materialize: bundle data table already opened")
	}
	w.opened = true
	entry, err := w.zw.Create("tables/learningData.csv")
	if err != nil {
		return nil, err
	}
	if !w.opts.NeedIndex || w.hasIndexColumn() {
		return nopWriteCloser{entry}, nil
	}
	w.addedIndex = true
	return newIndexingWriter(entry), nil
}

func (w *BundleWriter) hasIndexColumn() bool {
	if w.meta == nil {
		return false
	}
	for i := range w.meta.Columns {
		if w.meta.Columns[i].Name == indexColumn {
			return true
		}
	}
	return false
}

// SetMetadata records the dataset descriptor the manifest is built
// from.
func (w *BundleWriter) SetMetadata(id string, meta *types.DatasetMetadata) error {
	w.id = id
	w.meta = meta
	return nil
}

// AddQuality appends one quality record to the manifest.
func (w *BundleWriter) AddQuality(name string, value any) {
	w.qualities = append(w.qualities, map[string]any{
		"qualName":  name,
		"qualValue": value,
	})
}

// Finish writes the manifest and closes the archive.
func (w *BundleWriter) Finish() error {
	entry, err := w.zw.Create("datasetDoc.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w.manifest()); err != nil {
		return err
	}
	return w.zw.Close()
}

func (w *BundleWriter) manifest() map[string]any {
	about := map[string]any{
		"datasetID":            w.id,
		"datasetSchemaVersion": bundleSchemaVersion,
		"redacted":             false,
	}
	var columns []map[string]any
	col := 0
	if w.addedIndex {
		columns = append(columns, map[string]any{
			"colIndex": col,
			"colName":  indexColumn,
			"colType":  "integer",
			"role":     []string{"index"},
		})
		col++
	}
	if w.meta != nil {
		if w.meta.Name != "" {
			about["datasetName"] = w.meta.Name
		}
		if w.meta.License != "" {
			about["license"] = w.meta.License
		}
		if w.meta.Size > 0 {
			about["approximateSize"] = strconv.FormatInt(w.meta.Size, 10) + " B"
		}
		for i := range w.meta.Columns {
			c := &w.meta.Columns[i]
			role := []string{"attribute"}
			if c.Name == indexColumn {
				role = []string{"index"}
			}
			columns = append(columns, map[string]any{
				"colIndex": col,
				"colName":  c.Name,
				"colType":  bundleColType(c),
				"role":     role,
			})
			col++
		}
	}
	resource := map[string]any{
		"resID":        "learningData",
		"resPath":      "tables/learningData.csv",
		"resType":      "table",
		"resFormat":    map[string]any{"text/csv": []string{"csv"}},
		"isCollection": false,
		"columns":      columns,
	}
	manifest := map[string]any{
		"about":         about,
		"dataResources": []any{resource},
	}
	if len(w.qualities) > 0 {
		manifest["qualities"] = w.qualities
	}
	return manifest
}

// bundleColType maps a profiled column to the manifest type vocabulary.
func bundleColType(c *types.ColumnMetadata) string {
	switch {
	case c.HasSemanticType(types.TypeBoolean):
		return "boolean"
	case c.HasSemanticType(types.TypeDateTime):
		return "dateTime"
	case c.HasSemanticType(types.TypeCategorical):
		return "categorical"
	case c.StructuralType == types.TypeInteger:
		return "integer"
	case c.StructuralType == types.TypeFloat:
		return "real"
	default:
		return "string"
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// indexingWriter rewrites a CSV stream, prepending a d3mIndex column:
// the header gets the column name, each data row its ordinal.
type indexingWriter struct {
	pw   *io.PipeWriter
	done sync.WaitGroup
	err  error
}

func newIndexingWriter(dst io.Writer) *indexingWriter {
	pr, pw := io.Pipe()
	w := &indexingWriter{pw: pw}
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.err = prependIndex(pr, dst)
		// Unblock the producer if rewriting stopped early.
		pr.CloseWithError(w.err)
	}()
	return w
}

func (w *indexingWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *indexingWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	w.done.Wait()
	return w.err
}

func prependIndex(r io.Reader, dst io.Writer) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cw := csv.NewWriter(dst)

	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if row == 0 {
			record = append([]string{indexColumn}, record...)
		} else {
			record = append([]string{strconv.Itoa(row - 1)}, record...)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		row++
	}
	cw.Flush()
	return cw.Error()
}
