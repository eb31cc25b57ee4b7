package augment

import (
	"strconv"
	"strings"

	"auctus/internal/types"
)

// collisionSuffix renames catalog columns that collide with query
// column names in the join output.
const collisionSuffix = "_r"

// join left-joins cat onto query over the key columns of the spec.
// Every query row survives; multi-match groups on the catalog side are
// collapsed with the configured aggregations.
func join(query, cat *Table, spec *types.AugmentationSpec) (*Table, Info, error) {
	leftKey, err := flattenKey(spec.LeftColumns, len(query.Columns), "left")
	if err != nil {
		return nil, Info{}, err
	}
	rightKey, err := flattenKey(spec.RightColumns, len(cat.Columns), "right")
	if err != nil {
		return nil, Info{}, err
	}
	if len(leftKey) != len(rightKey) {
		return nil, Info{}, errorf("key width mismatch: %d left vs %d right columns", len(leftKey), len(rightKey))
	}

	reconcileKeyResolutions(query, cat, leftKey, rightKey, spec.TemporalResolution)

	// Catalog columns carried into the output: everything but the key.
	rightKeySet := map[int]bool{}
	for _, c := range rightKey {
		rightKeySet[c] = true
	}
	queryNames := map[string]bool{}
	for _, name := range query.Columns {
		queryNames[name] = true
	}
	var carried []int
	var newColumns []string
	for i, name := range cat.Columns {
		if rightKeySet[i] {
			continue
		}
		carried = append(carried, i)
		if queryNames[name] {
			name += collisionSuffix
		}
		newColumns = append(newColumns, name)
	}

	groups := map[string][][]string{}
	for _, row := range cat.Rows {
		k := keyOf(row, rightKey)
		groups[k] = append(groups[k], row)
	}

	out := &Table{
		Columns:     append(append([]string(nil), query.Columns...), newColumns...),
		kinds:       append(append([]colKind(nil), query.kinds...), pick(cat.kinds, carried)...),
		resolutions: append(append([]string(nil), query.resolutions...), pick(cat.resolutions, carried)...),
	}

	empty := make([]string, len(carried))
	for _, row := range query.Rows {
		combined := append(append([]string(nil), row...), empty...)
		if group, ok := groups[keyOf(row, leftKey)]; ok {
			values, err := aggregateGroup(cat, group, carried, spec.AggFunctions)
			if err != nil {
				return nil, Info{}, err
			}
			copy(combined[len(row):], values)
		}
		out.Rows = append(out.Rows, combined)
	}

	info := Info{
		AugmentationType: types.AugmentationJoin,
		NewColumns:       newColumns,
		RemovedColumns:   pick(cat.Columns, rightKey),
		NbRowsBefore:     query.NbRows(),
		NbRowsAfter:      out.NbRows(),
	}
	return out, info, nil
}

// flattenKey validates the lists-of-lists key shape against the table
// width and flattens it to plain column indexes.
func flattenKey(units [][]int, width int, side string) ([]int, error) {
	var key []int
	for _, unit := range units {
		for _, c := range unit {
			if c < 0 || c >= width {
				return nil, errorf("%s key column %d out of range (table has %d columns)", side, c, width)
			}
			key = append(key, c)
		}
	}
	if len(key) == 0 {
		return nil, errorf("%s key is empty", side)
	}
	return key, nil
}

// reconcileKeyResolutions rounds paired date-time key columns to the
// task resolution, or to the coarser of the two sides when the task
// does not fix one.
func reconcileKeyResolutions(query, cat *Table, leftKey, rightKey []int, taskResolution string) {
	for i := range leftKey {
		lc, rc := leftKey[i], rightKey[i]
		if query.Kind(lc) != kindTime || cat.Kind(rc) != kindTime {
			continue
		}
		res := taskResolution
		if res == "" {
			res = types.CoarserResolution(query.Resolution(lc), cat.Resolution(rc))
		}
		if res == "" {
			continue
		}
		query.roundTimeColumn(lc, res)
		cat.roundTimeColumn(rc, res)
	}
}

func keyOf(row []string, key []int) string {
	parts := make([]string, len(key))
	for i, c := range key {
		parts[i] = row[c]
	}
	return strings.Join(parts, "\x00")
}

// aggregateGroup collapses a multi-match group to one value per carried
// column. The default function is first.
func aggregateGroup(cat *Table, group [][]string, carried []int, functions map[string]string) ([]string, error) {
	values := make([]string, len(carried))
	for i, col := range carried {
		fn := functions[cat.Columns[col]]
		if fn == "" {
			fn = "first"
		}
		v, err := aggregate(group, col, fn)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func aggregate(group [][]string, col int, fn string) (string, error) {
	switch fn {
	case "first":
		for _, row := range group {
			if row[col] != "" {
				return row[col], nil
			}
		}
		return "", nil
	case "count":
		n := 0
		for _, row := range group {
			if row[col] != "" {
				n++
			}
		}
		return strconv.Itoa(n), nil
	case "mean", "sum", "max", "min":
		return aggregateNumeric(group, col, fn)
	default:
		return "", errorf("unknown aggregation function %q", fn)
	}
}

func aggregateNumeric(group [][]string, col int, fn string) (string, error) {
	var (
		sum   float64
		best  float64
		count int
	)
	for _, row := range group {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			continue
		}
		if count == 0 {
			best = v
		} else {
			switch fn {
			case "max":
				if v > best {
					best = v
				}
			case "min":
				if v < best {
					best = v
				}
			}
		}
		sum += v
		count++
	}
	if count == 0 {
		return "", nil
	}
	var result float64
	switch fn {
	case "mean":
		result = sum / float64(count)
	case "sum":
		result = sum
	default:
		result = best
	}
	return strconv.FormatFloat(result, 'g', -1, 64), nil
}

func pick[T any](values []T, indexes []int) []T {
	out := make([]T, len(indexes))
	for i, idx := range indexes {
		out[i] = values[idx]
	}
	return out
}
