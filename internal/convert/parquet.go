package convert

import (
	"context"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// convertParquet rewrites a Parquet file as CSV, streaming record
// batches so the whole table is never resident at once.
func convertParquet(path string) (string, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return "", wrapMaterializer("parquet: open", err)
	}
	defer rdr.Close()

	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 4096}, memory.DefaultAllocator)
	if err != nil {
		return "", wrapMaterializer("parquet: reader", err)
	}

	ctx := context.Background()
	recRdr, err := arrowRdr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return "", wrapMaterializer("parquet: record reader", err)
	}
	defer recRdr.Release()

	schema := recRdr.Schema()
	header := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		header[i] = schema.Field(i).Name
	}

	f, bw, cw, out, err := newOutput(path, "csv")
	if err != nil {
		return "", err
	}
	if err := cw.Write(header); err != nil {
		f.Close()
		os.Remove(out)
		return "", err
	}

	row := make([]string, len(header))
	for recRdr.Next() {
		rec := recRdr.Record()
		nrows := int(rec.NumRows())
		for i := 0; i < nrows; i++ {
			for j := 0; j < len(header); j++ {
				row[j] = cellString(rec.Column(j), i)
			}
			if err := cw.Write(row); err != nil {
				rec.Release()
				f.Close()
				os.Remove(out)
				return "", err
			}
		}
	}
	if err := recRdr.Err(); err != nil {
		f.Close()
		os.Remove(out)
		return "", wrapMaterializer("parquet: read", err)
	}
	if err := closeOutput(f, bw, cw); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// cellString renders one arrow cell. Nulls become empty strings, the
// CSV encoding for missing values.
func cellString(col arrow.Array, i int) string {
	if col.IsNull(i) {
		return ""
	}
	return col.ValueStr(i)
}
