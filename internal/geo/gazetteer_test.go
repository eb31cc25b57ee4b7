package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"auctus/internal/types"
)

func area(name string, level int, parent string) areaRow {
	return areaRow{
		name: name, id: name + "-id", level: level, parentID: parent,
		minLon: -74, minLat: 40, maxLon: -73, maxLat: 41,
	}
}

func TestDisambiguate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		names       []string
		candidates  []areaRow
		wantLevel   int
		wantMatched int
	}{
		{
			name:  "single parent wins over scattered homonyms",
			names: []string{"brooklyn", "queens", "bronx"},
			candidates: []areaRow{
				area("brooklyn", 2, "nyc"),
				area("queens", 2, "nyc"),
				area("bronx", 2, "nyc"),
				area("brooklyn", 3, "ohio"),
				area("queens", 3, "maryland"),
				area("bronx", 3, "georgia"),
			},
			wantLevel:   2,
			wantMatched: 3,
		},
		{
			name:  "higher match count beats lower level",
			names: []string{"springfield", "shelbyville", "ogdenville"},
			candidates: []areaRow{
				area("springfield", 1, "us"),
				area("springfield", 2, "illinois"),
				area("shelbyville", 2, "illinois"),
				area("ogdenville", 2, "illinois"),
			},
			wantLevel:   2,
			wantMatched: 3,
		},
		{
			name:        "no candidates",
			names:       []string{"atlantis"},
			candidates:  nil,
			wantLevel:   0,
			wantMatched: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := disambiguate(tt.names, tt.candidates)
			if res.Level != tt.wantLevel {
				t.Errorf("level = %d, want %d", res.Level, tt.wantLevel)
			}
			if res.Matched != tt.wantMatched {
				t.Errorf("matched = %d, want %d", res.Matched, tt.wantMatched)
			}
			if len(res.Areas) != tt.wantMatched {
				t.Errorf("areas = %d, want %d", len(res.Areas), tt.wantMatched)
			}
		})
	}
}

func TestDisambiguatePrefersDominantParent(t *testing.T) {
	t.Parallel()

	res := disambiguate(
		[]string{"springfield", "shelbyville"},
		[]areaRow{
			area("springfield", 2, "illinois"),
			area("springfield", 2, "missouri"),
			area("shelbyville", 2, "illinois"),
		},
	)
	if res.Level != 2 || res.Matched != 2 {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Areas) != 2 {
		t.Fatalf("areas = %+v", res.Areas)
	}
	// Both areas should come from the dominant parent's envelope set;
	// names stay sorted for determinism.
	if res.Areas[0].Name != "shelbyville" || res.Areas[1].Name != "springfield" {
		t.Errorf("areas = %+v", res.Areas)
	}
}

func TestGeocoderLookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if q := r.URL.Query().Get("q"); q == "nowhere" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{
			"display_name": "Tandon School, Brooklyn",
			"lat": "40.6942",
			"lon": "-73.9866",
			"boundingbox": ["40.6937", "40.6947", "-73.9871", "-73.9861"]
		}]`))
	}))
	defer srv.Close()

	g := NewGeocoder(srv.URL)

	p, err := g.Lookup(context.Background(), "6 MetroTech Center")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Lat != 40.6942 || p.Lon != -73.9866 {
		t.Fatalf("place = %+v", p)
	}
	if p.BoundingBox == nil {
		t.Fatal("no bounding box")
	}
	want := types.NewEnvelope(-73.9871, 40.6947, -73.9861, 40.6937)
	if *p.BoundingBox != want {
		t.Errorf("bbox = %+v, want %+v", p.BoundingBox, want)
	}

	miss, err := g.Lookup(context.Background(), "nowhere")
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Errorf("miss = %+v", miss)
	}

	pts, err := g.Geocode(context.Background(), []string{"a", "nowhere", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 {
		t.Errorf("points = %+v", pts)
	}
}
