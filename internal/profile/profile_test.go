package profile

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"auctus/internal/types"
)

func writeCSV(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func columnByName(t *testing.T, meta *types.DatasetMetadata, name string) *types.ColumnMetadata {
	t.Helper()
	for i := range meta.Columns {
		if meta.Columns[i].Name == name {
			return &meta.Columns[i]
		}
	}
	t.Fatalf("column %q not in profile", name)
	return nil
}

func TestProfileBasicTable(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "basic.csv", strings.Join([]string{
		"name,country,number,what",
		"Remi Rampin,france,3,true",
		"Aecio Santos,brazil,4,false",
		"Sonia Castelo,spain,7,true",
		"Vito D Orazio,usa,8,false",
		"Juliana Freire,brazil,9,true",
	}, "\n") + "\n")

	var meta types.DatasetMetadata
	err := Profile(context.Background(), p, &meta, Options{Coverage: true})
	if err != nil {
		t.Fatal(err)
	}

	if meta.NbRows != 5 || meta.NbProfiledRows != 5 {
		t.Errorf("rows = %d/%d, want 5/5", meta.NbRows, meta.NbProfiledRows)
	}
	if len(meta.Columns) != 4 {
		t.Fatalf("columns = %d, want 4", len(meta.Columns))
	}

	name := columnByName(t, &meta, "name")
	if name.StructuralType != types.TypeText || !name.HasSemanticType(types.TypeFreeText) {
		t.Errorf("name = %s %v", name.StructuralType, name.SemanticTypes)
	}

	country := columnByName(t, &meta, "country")
	if country.StructuralType != types.TypeText || !country.HasSemanticType(types.TypeCategorical) {
		t.Errorf("country = %s %v", country.StructuralType, country.SemanticTypes)
	}
	if country.NumDistinctValues != 4 {
		t.Errorf("country distinct = %d, want 4", country.NumDistinctValues)
	}

	number := columnByName(t, &meta, "number")
	if number.StructuralType != types.TypeInteger {
		t.Errorf("number structural = %s", number.StructuralType)
	}
	if number.Mean == nil || math.Abs(*number.Mean-6.2) > 1e-9 {
		t.Errorf("number mean = %v, want 6.2", number.Mean)
	}
	if number.Stddev == nil || math.Abs(*number.Stddev-2.315167) > 1e-3 {
		t.Errorf("number stddev = %v, want ~2.315", number.Stddev)
	}
	if len(number.Coverage) == 0 {
		t.Error("number has no coverage ranges")
	}

	what := columnByName(t, &meta, "what")
	if !what.HasSemanticType(types.TypeBoolean) {
		t.Errorf("what = %v", what.SemanticTypes)
	}

	if len(meta.Types) == 0 {
		t.Error("aggregated types empty")
	}
}

func TestProfileYearColumn(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "melted.csv", strings.Join([]string{
		"region,year,value",
		"east,2010,1",
		"east,2011,2",
		"east,2012,3",
		"west,2010,4",
		"west,2011,5",
		"west,2012,6",
	}, "\n") + "\n")

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{Coverage: true}); err != nil {
		t.Fatal(err)
	}

	year := columnByName(t, &meta, "year")
	if year.StructuralType != types.TypeText {
		t.Errorf("year structural = %s, want text", year.StructuralType)
	}
	if !year.HasSemanticType(types.TypeDateTime) {
		t.Errorf("year semantics = %v", year.SemanticTypes)
	}
	if year.TemporalResolution != types.ResolutionYear {
		t.Errorf("year resolution = %q, want year", year.TemporalResolution)
	}

	if len(meta.TemporalCoverage) != 1 {
		t.Fatalf("temporal coverage = %+v", meta.TemporalCoverage)
	}
	tc := meta.TemporalCoverage[0]
	if tc.ColumnNames[0] != "year" || tc.TemporalResolution != types.ResolutionYear {
		t.Errorf("coverage entry = %+v", tc)
	}

	value := columnByName(t, &meta, "value")
	if value.StructuralType != types.TypeInteger {
		t.Errorf("value structural = %s", value.StructuralType)
	}
}

func TestProfileIDColumn(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "ids.csv", "id,height\n1,10.5\n2,11.0\n3,9.75\n")

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{}); err != nil {
		t.Fatal(err)
	}

	id := columnByName(t, &meta, "id")
	if !id.HasSemanticType(types.TypeID) {
		t.Errorf("id semantics = %v", id.SemanticTypes)
	}
	height := columnByName(t, &meta, "height")
	if height.StructuralType != types.TypeFloat {
		t.Errorf("height structural = %s", height.StructuralType)
	}
	if len(height.Coverage) != 0 {
		t.Error("coverage computed with Coverage disabled")
	}
}

func TestProfileLatLongPair(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	sb.WriteString("id,lat,long,height\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&sb, "%d,%.4f,%.4f,%d\n", i, 40.7+float64(i%10)*0.001, -74.0+float64(i%10)*0.001, i)
	}
	for i := 50; i < 100; i++ {
		fmt.Fprintf(&sb, "%d,%.4f,%.4f,%d\n", i, 34.0+float64(i%10)*0.001, -118.2+float64(i%10)*0.001, i)
	}
	p := writeCSV(t, "geo.csv", sb.String())

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{Coverage: true}); err != nil {
		t.Fatal(err)
	}

	lat := columnByName(t, &meta, "lat")
	if !lat.HasSemanticType(types.TypeLatitude) {
		t.Errorf("lat semantics = %v", lat.SemanticTypes)
	}
	long := columnByName(t, &meta, "long")
	if !long.HasSemanticType(types.TypeLongitude) {
		t.Errorf("long semantics = %v", long.SemanticTypes)
	}

	var cov *types.SpatialCoverage
	for i := range meta.SpatialCoverage {
		if meta.SpatialCoverage[i].Type == types.SpatialLatLong {
			cov = &meta.SpatialCoverage[i]
		}
	}
	if cov == nil {
		t.Fatalf("no latlong coverage: %+v", meta.SpatialCoverage)
	}
	if len(cov.ColumnNames) != 2 || cov.ColumnNames[0] != "lat" || cov.ColumnNames[1] != "long" {
		t.Errorf("coverage columns = %v", cov.ColumnNames)
	}
	if len(cov.Ranges) == 0 {
		t.Fatal("no spatial ranges")
	}
	for _, r := range cov.Ranges {
		if r.Range.Area() <= 0 {
			t.Errorf("degenerate envelope %+v", r.Range)
		}
	}
}

func TestProfileDateColumn(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "dates.csv", strings.Join([]string{
		"when,value",
		"2020-01-01,1",
		"2020-01-02,2",
		"2020-01-03,3",
		"2020-01-04,4",
	}, "\n") + "\n")

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{Coverage: true}); err != nil {
		t.Fatal(err)
	}

	when := columnByName(t, &meta, "when")
	if !when.HasSemanticType(types.TypeDateTime) {
		t.Errorf("when semantics = %v", when.SemanticTypes)
	}
	if when.TemporalResolution != types.ResolutionDay {
		t.Errorf("when resolution = %q, want day", when.TemporalResolution)
	}
	if when.Mean == nil || when.Stddev == nil {
		t.Error("date column missing mean/stddev over epochs")
	}
	if len(meta.TemporalCoverage) != 1 {
		t.Fatalf("temporal coverage = %+v", meta.TemporalCoverage)
	}
	for _, r := range meta.TemporalCoverage[0].Ranges {
		if r.Range.Gte > r.Range.Lte {
			t.Errorf("inverted temporal range %+v", r)
		}
	}
}

func TestProfileMissingColumn(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "gaps.csv", "a,b\n1,\n2,\n3,\n")

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{}); err != nil {
		t.Fatal(err)
	}
	b := columnByName(t, &meta, "b")
	if b.StructuralType != types.TypeMissing {
		t.Errorf("b structural = %s", b.StructuralType)
	}
	if b.MissingRatio != 1 {
		t.Errorf("b missing ratio = %v", b.MissingRatio)
	}
}

func TestProfileTypeStability(t *testing.T) {
	t.Parallel()

	data := "name,country,number\nann arbor,us,1\nnew york,us,2\nsan juan,pr,3\n"
	p1 := writeCSV(t, "one.csv", data)
	p2 := writeCSV(t, "two.csv", data)

	var m1, m2 types.DatasetMetadata
	if err := Profile(context.Background(), p1, &m1, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := Profile(context.Background(), p2, &m2, Options{}); err != nil {
		t.Fatal(err)
	}

	for i := range m1.Columns {
		if m1.Columns[i].StructuralType != m2.Columns[i].StructuralType {
			t.Errorf("column %d structural differs", i)
		}
		if strings.Join(m1.Columns[i].SemanticTypes, "|") != strings.Join(m2.Columns[i].SemanticTypes, "|") {
			t.Errorf("column %d semantics differ", i)
		}
	}
}

type fakeAdmin struct {
	res *AdminResolution
	err error
}

func (f *fakeAdmin) ResolveNames(ctx context.Context, names []string) (*AdminResolution, error) {
	return f.res, f.err
}

func TestProfileAdminColumn(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "areas.csv", "area,value\nbrooklyn,1\nqueens,2\nbronx,3\nmanhattan,4\n")

	level := 2
	admin := &fakeAdmin{res: &AdminResolution{
		Level:   level,
		Matched: 4,
		Areas: []AdminArea{
			{Name: "brooklyn", Level: level, Bounds: types.NewEnvelope(-74.05, 40.74, -73.83, 40.55)},
			{Name: "queens", Level: level, Bounds: types.NewEnvelope(-73.96, 40.8, -73.7, 40.54)},
		},
	}}

	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{Admin: admin}); err != nil {
		t.Fatal(err)
	}

	area := columnByName(t, &meta, "area")
	if !area.HasSemanticType(types.TypeAdmin) {
		t.Fatalf("area semantics = %v", area.SemanticTypes)
	}
	if area.AdminAreaLevel == nil || *area.AdminAreaLevel != level {
		t.Errorf("admin level = %v, want %d", area.AdminAreaLevel, level)
	}

	var cov *types.SpatialCoverage
	for i := range meta.SpatialCoverage {
		if meta.SpatialCoverage[i].Type == types.SpatialAdmin {
			cov = &meta.SpatialCoverage[i]
		}
	}
	if cov == nil || len(cov.Ranges) != 2 {
		t.Fatalf("admin coverage = %+v", meta.SpatialCoverage)
	}
	for _, r := range cov.Ranges {
		if r.Range.Area() <= 0 {
			t.Errorf("degenerate admin envelope %+v", r.Range)
		}
	}
}

type fakeSketcher struct {
	calls   int
	indexed []string // "datasetID/column" per Index call
}

func (f *fakeSketcher) Sketch(ctx context.Context, values []string) (*types.LazoSketch, error) {
	f.calls++
	return &types.LazoSketch{
		NPermutations: 256,
		HashValues:    []uint64{1, 2, 3},
		Cardinality:   int64(len(values)),
	}, nil
}

func (f *fakeSketcher) Index(ctx context.Context, datasetID, column string, values []string) (*types.LazoSketch, error) {
	f.indexed = append(f.indexed, datasetID+"/"+column)
	return &types.LazoSketch{
		NPermutations: 256,
		HashValues:    []uint64{1, 2, 3},
		Cardinality:   int64(len(values)),
	}, nil
}

func TestProfileSketchesTextColumns(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "mix.csv", "city,when,n\nberlin,2020-01-01,1\nparis,2020-01-02,2\noslo,2020-01-03,3\n")

	sk := &fakeSketcher{}
	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{Sketcher: sk}); err != nil {
		t.Fatal(err)
	}

	city := columnByName(t, &meta, "city")
	if city.Lazo == nil || city.Lazo.Cardinality != 3 {
		t.Errorf("city sketch = %+v", city.Lazo)
	}
	when := columnByName(t, &meta, "when")
	if when.Lazo != nil {
		t.Error("date-time column got a sketch")
	}
	if sk.calls != 1 {
		t.Errorf("sketch calls = %d, want 1", sk.calls)
	}
	if len(sk.indexed) != 0 {
		t.Errorf("anonymous profile stored sketches: %v", sk.indexed)
	}
}

func TestProfileStoresSketchesForKnownDataset(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "ingest.csv", "city,country,n\nberlin,de,1\nparis,fr,2\noslo,no,3\n")

	sk := &fakeSketcher{}
	meta := types.DatasetMetadata{ID: "datamart.test.ds1"}
	if err := Profile(context.Background(), p, &meta, Options{Sketcher: sk}); err != nil {
		t.Fatal(err)
	}

	want := []string{"datamart.test.ds1/city", "datamart.test.ds1/country"}
	if !reflect.DeepEqual(sk.indexed, want) {
		t.Errorf("indexed sketches = %v, want %v", sk.indexed, want)
	}
	if sk.calls != 0 {
		t.Errorf("compute-only sketch calls = %d, want 0", sk.calls)
	}
	city := columnByName(t, &meta, "city")
	if city.Lazo == nil || city.Lazo.Cardinality != 3 {
		t.Errorf("city sketch = %+v", city.Lazo)
	}
}

func TestLoadSubsamples(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	sb.WriteString("id,payload\n")
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&sb, "%d,%s\n", i, strings.Repeat("x", 40))
	}
	p := writeCSV(t, "big.csv", sb.String())

	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}

	tbl, err := Load(p, fi.Size()/4)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.NbRows != 2000 {
		t.Errorf("NbRows = %d, want 2000", tbl.NbRows)
	}
	if tbl.NbProfiledRows >= tbl.NbRows || tbl.NbProfiledRows == 0 {
		t.Errorf("NbProfiledRows = %d out of %d", tbl.NbProfiledRows, tbl.NbRows)
	}
	if len(tbl.Columns[0]) != tbl.NbProfiledRows {
		t.Errorf("column length %d != %d", len(tbl.Columns[0]), tbl.NbProfiledRows)
	}

	// Same seed, same selection.
	tbl2, err := Load(p, fi.Size()/4)
	if err != nil {
		t.Fatal(err)
	}
	if tbl2.NbProfiledRows != tbl.NbProfiledRows {
		t.Errorf("resample differs: %d vs %d", tbl2.NbProfiledRows, tbl.NbProfiledRows)
	}
}

func TestProfileEmptyInput(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "empty.csv", "")
	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{}); err == nil {
		t.Fatal("expected load error for empty input")
	}

	p = writeCSV(t, "header.csv", "a,b,c\n")
	if err := Profile(context.Background(), p, &meta, Options{}); err == nil {
		t.Fatal("expected load error for header-only input")
	}
}

func TestProfileSample(t *testing.T) {
	t.Parallel()

	p := writeCSV(t, "s.csv", "a,b\n1,x\n2,y\n3,z\n")
	var meta types.DatasetMetadata
	if err := Profile(context.Background(), p, &meta, Options{IncludeSample: true}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(meta.Sample, "\n")
	if len(lines) != 4 || lines[0] != "a,b" {
		t.Errorf("sample = %q", meta.Sample)
	}
}
