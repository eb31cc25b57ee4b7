package augment

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/araddon/dateparse"

	"auctus/internal/types"
)

// colKind is the cast applied to a column during augmentation.
type colKind int

const (
	kindText colKind = iota
	kindNumber
	kindTime
)

// Table is an in-memory typed table. Cells stay strings; kinds direct
// key normalization and aggregation.
type Table struct {
	Columns     []string
	Rows        [][]string
	kinds       []colKind
	resolutions []string
}

// NbRows returns the number of data rows.
func (t *Table) NbRows() int { return len(t.Rows) }

// Kind returns the declared kind of a column.
func (t *Table) Kind(i int) colKind { return t.kinds[i] }

// Resolution returns the declared temporal resolution of a column, or
// "".
func (t *Table) Resolution(i int) string { return t.resolutions[i] }

// LoadTable reads a CSV stream into a table, casting per the profiled
// column types. Ragged rows are padded or truncated to the header
// width. meta may be nil, in which case every column is text.
func LoadTable(r io.Reader, meta *types.DatasetMetadata) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errorf("empty input")
	}
	if err != nil {
		return nil, err
	}

	t := &Table{
		Columns:     header,
		kinds:       make([]colKind, len(header)),
		resolutions: make([]string, len(header)),
	}
	t.applyTypes(meta)

	width := len(header)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < width {
			padded := make([]string, width)
			copy(padded, rec)
			rec = padded
		} else if len(rec) > width {
			rec = rec[:width]
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// applyTypes copies kinds and resolutions from profiled metadata,
// matching columns by name first and position second.
func (t *Table) applyTypes(meta *types.DatasetMetadata) {
	if meta == nil {
		return
	}
	byName := make(map[string]*types.ColumnMetadata, len(meta.Columns))
	for i := range meta.Columns {
		byName[meta.Columns[i].Name] = &meta.Columns[i]
	}
	for i, name := range t.Columns {
		col := byName[name]
		if col == nil && i < len(meta.Columns) {
			col = &meta.Columns[i]
		}
		if col == nil {
			continue
		}
		switch {
		case col.HasSemanticType(types.TypeDateTime):
			t.kinds[i] = kindTime
			t.resolutions[i] = col.TemporalResolution
		case col.StructuralType == types.TypeInteger || col.StructuralType == types.TypeFloat:
			t.kinds[i] = kindNumber
		}
	}
}

// dropColumns removes the columns at the given sorted indexes.
func (t *Table) dropColumns(drop []int) {
	dropped := make(map[int]bool, len(drop))
	for _, i := range drop {
		dropped[i] = true
	}
	filterS := func(s []string) []string {
		out := s[:0]
		for i, v := range s {
			if !dropped[i] {
				out = append(out, v)
			}
		}
		return out
	}
	t.Columns = filterS(t.Columns)
	t.resolutions = filterS(t.resolutions)
	kinds := t.kinds[:0]
	for i, k := range t.kinds {
		if !dropped[i] {
			kinds = append(kinds, k)
		}
	}
	t.kinds = kinds
	for r, row := range t.Rows {
		t.Rows[r] = filterS(row)
	}
}

// roundTimeColumn rewrites a date-time column in place, truncating
// every parseable value to the resolution. Unparseable cells are left
// alone.
func (t *Table) roundTimeColumn(col int, resolution string) {
	if !types.ValidResolution(resolution) {
		return
	}
	for _, row := range t.Rows {
		v := row[col]
		if v == "" {
			continue
		}
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			continue
		}
		row[col] = types.ISOTime(truncateTime(parsed.UTC(), resolution))
	}
	t.resolutions[col] = resolution
}

// truncateTime zeroes the fields finer than the resolution.
func truncateTime(ts time.Time, resolution string) time.Time {
	switch resolution {
	case types.ResolutionYear:
		return time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case types.ResolutionMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	case types.ResolutionWeek:
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		weekday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -weekday)
	case types.ResolutionDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case types.ResolutionHour:
		return ts.Truncate(time.Hour)
	case types.ResolutionMinute:
		return ts.Truncate(time.Minute)
	default:
		return ts.Truncate(time.Second)
	}
}
