package lazo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sketch":
			var req sketchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"n_permutations": 256,
				"hash_values":    []uint64{7, 8, 9},
				"cardinality":    len(req.Values),
			})
		case r.Method == http.MethodPost && r.URL.Path == "/query":
			json.NewEncoder(w).Encode([]Candidate{
				{DatasetID: "d1", ColumnName: "city", Score: 0.9},
				{DatasetID: "d2", ColumnName: "town", Score: 0.4},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/dataset/d1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL), srv
}

func TestSketch(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t)
	sk, err := c.Sketch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if sk.NPermutations != 256 || sk.Cardinality != 3 || len(sk.HashValues) != 3 {
		t.Errorf("sketch = %+v", sk)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t)
	hits, err := c.Query(context.Background(), []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].DatasetID != "d1" || hits[0].Score != 0.9 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t)
	if err := c.Delete(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unknown dataset")
	}
}
