package augment

import (
	"encoding/csv"

	"auctus/internal/materialize"
	"auctus/internal/types"
)

// Info summarizes what an augmentation did to the data. It travels as
// a quality record in bundle output.
type Info struct {
	AugmentationType string   `json:"augmentation_type"`
	NewColumns       []string `json:"new_columns,omitempty"`
	RemovedColumns   []string `json:"removed_columns,omitempty"`
	NbRowsBefore     int      `json:"nb_rows_before"`
	NbRowsAfter      int      `json:"nb_rows_after"`
}

// Run executes the augmentation described by spec between the query
// table and the catalog table.
func Run(query, cat *Table, spec *types.AugmentationSpec) (*Table, Info, error) {
	switch spec.Type {
	case types.AugmentationJoin:
		return join(query, cat, spec)
	case types.AugmentationUnion:
		return union(query, cat, spec)
	default:
		return nil, Info{}, errorf("unsupported augmentation type %q", spec.Type)
	}
}

// qualityAdder is implemented by writers that can carry quality
// records (the bundle writer).
type qualityAdder interface {
	AddQuality(name string, value any)
}

// WriteResult streams an augmented table through a format writer. meta
// describes the result dataset; it may be nil for bare CSV output.
func WriteResult(t *Table, id string, meta *types.DatasetMetadata, info Info, w materialize.Writer) error {
	if err := w.SetMetadata(id, meta); err != nil {
		return err
	}
	if qa, ok := w.(qualityAdder); ok {
		qa.AddQuality("augmentation_info", info)
	}

	f, err := w.OpenFile("learningData.csv")
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(t.Columns); err != nil {
		f.Close()
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return w.Finish()
}

// ResultMetadata derives a metadata skeleton for an augmented table so
// bundle manifests can describe the combined columns. Column types come
// from the inputs where the names survive.
func ResultMetadata(t *Table, query, cat *types.DatasetMetadata) *types.DatasetMetadata {
	index := func(meta *types.DatasetMetadata) map[string]*types.ColumnMetadata {
		byName := map[string]*types.ColumnMetadata{}
		if meta == nil {
			return byName
		}
		for i := range meta.Columns {
			if _, ok := byName[meta.Columns[i].Name]; !ok {
				byName[meta.Columns[i].Name] = &meta.Columns[i]
			}
		}
		return byName
	}
	queryBy, catBy := index(query), index(cat)

	out := &types.DatasetMetadata{NbRows: t.NbRows()}
	for _, name := range t.Columns {
		src := queryBy[name]
		if src == nil {
			src = catBy[name]
		}
		if src == nil {
			// Renamed collision columns keep the catalog column's type.
			src = catBy[trimCollision(name)]
		}
		col := types.ColumnMetadata{Name: name, StructuralType: types.TypeText}
		if src != nil {
			col.StructuralType = src.StructuralType
			col.SemanticTypes = append([]string(nil), src.SemanticTypes...)
			col.TemporalResolution = src.TemporalResolution
		}
		out.Columns = append(out.Columns, col)
	}
	return out
}

// RestrictNewColumns drops augmentation-added columns the caller did
// not ask for. keep entries match either the output name or, for
// renamed collision columns, the catalog name it derives from.
func RestrictNewColumns(t *Table, info *Info, keep []string) {
	if len(keep) == 0 {
		return
	}
	wanted := make(map[string]bool, len(keep))
	for _, name := range keep {
		wanted[name] = true
	}
	added := make(map[string]bool, len(info.NewColumns))
	for _, name := range info.NewColumns {
		added[name] = true
	}

	var drop []int
	for i, name := range t.Columns {
		if added[name] && !wanted[name] && !wanted[trimCollision(name)] {
			drop = append(drop, i)
		}
	}
	if len(drop) == 0 {
		return
	}
	t.dropColumns(drop)

	kept := info.NewColumns[:0]
	for _, name := range info.NewColumns {
		if wanted[name] || wanted[trimCollision(name)] {
			kept = append(kept, name)
		}
	}
	info.NewColumns = kept
}

func trimCollision(name string) string {
	if len(name) > len(collisionSuffix) && name[len(name)-len(collisionSuffix):] == collisionSuffix {
		return name[:len(name)-len(collisionSuffix)]
	}
	return name
}
