package profile

import (
	"encoding/csv"
	"io"
	"math/rand"
	"os"
)

// sampleSeed fixes the subsampling RNG so profiling the same oversized
// input twice loads the same rows.
const sampleSeed = 89

// Table is a column-oriented view of a canonical CSV, possibly
// subsampled. Cells are kept as raw strings; typing happens later.
type Table struct {
	ColumnNames []string
	Columns     [][]string

	// NbRows is the (estimated) total row count of the file;
	// NbProfiledRows is how many rows were actually loaded.
	NbRows         int
	NbProfiledRows int
}

// Load reads the CSV at path. Files larger than maxBytes are subsampled:
// each row is kept independently with probability maxBytes/size under a
// fixed seed, and NbRows reports the full count.
func Load(path string, maxBytes int64) (*Table, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && fi.Size() > maxBytes {
		frac := float64(maxBytes) / float64(fi.Size())
		return loadRows(path, frac)
	}
	return loadRows(path, 1)
}

func loadRows(path string, frac float64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, &LoadError{msg: "cannot read header", err: err}
	}
	t := &Table{
		ColumnNames: append([]string(nil), header...),
		Columns:     make([][]string, len(header)),
	}

	var rng *rand.Rand
	if frac < 1 {
		rng = rand.New(rand.NewSource(sampleSeed))
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &LoadError{msg: "cannot parse row", err: err}
		}
		t.NbRows++
		if rng != nil && rng.Float64() >= frac {
			continue
		}
		t.NbProfiledRows++
		for i := range t.Columns {
			if i < len(rec) {
				t.Columns[i] = append(t.Columns[i], rec[i])
			} else {
				t.Columns[i] = append(t.Columns[i], "")
			}
		}
	}
	if t.NbRows == 0 {
		return nil, &LoadError{msg: "no rows"}
	}
	if t.NbProfiledRows == 0 {
		// Aggressive sampling on a tiny file can select nothing; fall
		// back to a full load rather than profile an empty table.
		return loadRows(path, 1)
	}
	return t, nil
}

// LoadError is a whole-dataset profiling failure: the input cannot be
// read as a table at all. Per-column problems never raise it.
type LoadError struct {
	msg string
	err error
}

func (e *LoadError) Error() string {
	if e.err != nil {
		return "load: " + e.msg + ": " + e.err.Error()
	}
	return "load: " + e.msg
}

func (e *LoadError) Unwrap() error { return e.err }
