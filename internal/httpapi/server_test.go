package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"auctus/internal/geo"
	"auctus/internal/index"
	"auctus/internal/materialize"
	"auctus/internal/objstore"
	"auctus/internal/profile"
	"auctus/internal/search"
	"auctus/internal/session"
	"auctus/internal/types"
)

type fakeSearcher struct {
	lastReq search.Request
	resp    *search.Response
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

type fakeCatalog struct {
	datasets map[string]*types.DatasetMetadata
	stats    *index.Statistics
}

func (f *fakeCatalog) GetDataset(_ context.Context, id string) (*types.DatasetMetadata, error) {
	if meta, ok := f.datasets[id]; ok {
		clone := *meta
		return &clone, nil
	}
	return nil, index.ErrNotFound
}

func (f *fakeCatalog) Statistics(context.Context) (*index.Statistics, error) {
	if f.stats != nil {
		return f.stats, nil
	}
	return &index.Statistics{Sources: map[string]int64{}}, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string][]session.Result
	profiles map[string][]byte
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: map[string][]session.Result{},
		profiles: map[string][]byte{},
	}
}

func (f *fakeSessions) NewSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%040x", f.nextID)
	f.sessions[id] = []session.Result{}
	return id, nil
}

func (f *fakeSessions) AddResult(_ context.Context, id string, r session.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	f.sessions[id] = append(f.sessions[id], r)
	return nil
}

func (f *fakeSessions) Results(_ context.Context, id string) ([]session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return results, nil
}

func (f *fakeSessions) StoreProfile(_ context.Context, token string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[token] = body
	return nil
}

func (f *fakeSessions) Profile(_ context.Context, token string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.profiles[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	return body, nil
}

// fakeStore serves dataset bytes for the materializer.
type fakeStore struct {
	data map[string]string
}

func (f *fakeStore) Get(_ context.Context, id string) (io.ReadCloser, error) {
	body, ok := f.data[id]
	if !ok {
		return nil, objstore.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type testEnv struct {
	server   *Server
	searcher *fakeSearcher
	catalog  *fakeCatalog
	sessions *fakeSessions
	store    *fakeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		searcher: &fakeSearcher{resp: &search.Response{Results: []types.SearchResult{}}},
		catalog:  &fakeCatalog{datasets: map[string]*types.DatasetMetadata{}},
		sessions: newFakeSessions(),
		store:    &fakeStore{data: map[string]string{}},
	}
	cacheDir := t.TempDir()
	env.server = New(Config{
		Search:       env.searcher,
		Catalog:      env.catalog,
		Materializer: materialize.New(cacheDir, env.store, 0, nil),
		Sessions:     env.sessions,
		ProfileOpts:  profile.Options{Coverage: true},
		CacheDir:     cacheDir,
		Version:      "test",
		Log:          zap.NewNop().Sugar(),
	})
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		part, err := mw.CreateFormFile(name, name+".csv")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealthAndVersion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/version", nil))
	var v map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v["version"] != "test" {
		t.Errorf("version = %q", v["version"])
	}
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.catalog.datasets["ds1"] = &types.DatasetMetadata{
		Name:   "people",
		NbRows: 3,
		Materialize: types.Materialization{
			Identifier: "url",
			Extra:      map[string]any{"error_details": "secret", "domain": "x"},
		},
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/metadata/ds1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp metadataResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "indexed" || resp.Metadata.Name != "people" {
		t.Errorf("resp = %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "error_details") {
		t.Error("error_details leaked to the client")
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metadata/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing dataset status = %d", rec.Code)
	}
}

func TestSearchJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.searcher.resp = &search.Response{
		Results: []types.SearchResult{{ID: "ds1", Score: 2}},
		Total:   1,
	}

	body := strings.NewReader(`{"keywords": ["people"], "source": ["test"]}`)
	req := httptest.NewRequest(http.MethodPost, "/search?page=2&size=10", body)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got := env.searcher.lastReq
	if got.Page != 2 || got.Size != 10 {
		t.Errorf("pagination = %d/%d", got.Page, got.Size)
	}
	if len(got.Query.Keywords) != 1 || got.Query.Keywords[0] != "people" {
		t.Errorf("keywords = %v", got.Query.Keywords)
	}
	if got.Profile != nil {
		t.Error("keyword search must not carry a profile")
	}

	var resp search.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "ds1" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader("x"))
	req.Header.Set("Content-Type", "application/xml")
	if rec := env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad content type status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/search?size=1000", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized page status = %d", rec.Code)
	}
}

func TestSearchWithData(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body, contentType := multipartBody(t,
		map[string]string{"query": `{"keywords": ["tax"]}`},
		map[string]string{"data": "name,value\nalice,1\nbob,2\n"})
	req := httptest.NewRequest(http.MethodPost, "/search", body)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got := env.searcher.lastReq
	if got.Profile == nil {
		t.Fatal("expected a profile built from the uploaded data")
	}
	if len(got.Profile.Columns) != 2 {
		t.Errorf("profiled columns = %d", len(got.Profile.Columns))
	}
	if len(got.TextValues) == 0 {
		t.Error("expected text values for sketch candidates")
	}
}

func TestProfileUpload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body, contentType := multipartBody(t, nil,
		map[string]string{"data": "name,value\nalice,1\nbob,2\ncarol,3\n"})
	req := httptest.NewRequest(http.MethodPost, "/profile", body)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp profileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !session.IsToken(resp.Token) {
		t.Errorf("token = %q", resp.Token)
	}
	if resp.Metadata == nil || resp.Metadata.NbRows != 3 {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	if _, err := env.sessions.Profile(context.Background(), resp.Token); err != nil {
		t.Errorf("profile not stored: %v", err)
	}

	// A bare token resolves to the stored profile.
	body, contentType = multipartBody(t, map[string]string{"data": resp.Token}, nil)
	req = httptest.NewRequest(http.MethodPost, "/profile", body)
	req.Header.Set("Content-Type", contentType)
	rec = env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token lookup status = %d", rec.Code)
	}
	var again profileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if again.Token != resp.Token {
		t.Errorf("token mismatch: %q vs %q", again.Token, resp.Token)
	}
}

func TestDownloadRedirect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.catalog.datasets["ds1"] = &types.DatasetMetadata{
		NbRows: 1,
		Materialize: types.Materialization{
			Identifier: "direct_url",
			DirectURL:  "https://example.org/d.csv",
		},
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/ds1", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.org/d.csv" {
		t.Errorf("location = %q", loc)
	}
}

func TestDownloadStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.catalog.datasets["ds2"] = &types.DatasetMetadata{
		NbRows:      2,
		Columns:     []types.ColumnMetadata{{Name: "a"}, {Name: "b"}},
		Materialize: types.Materialization{Identifier: "url"},
	}
	env.store.data["ds2"] = "a,b\n1,2\n3,4\n"

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/ds2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "a,b\r\n1,2\r\n3,4\r\n" {
		t.Errorf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
}

func TestDownloadRejectsBadFormat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.catalog.datasets["ds1"] = &types.DatasetMetadata{
		NbRows:      1,
		Materialize: types.Materialization{Identifier: "url"},
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/ds1?format=parquet", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown format status = %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/download/ds1?format=csv&format_mystery=1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown option status = %d", rec.Code)
	}
}

func TestAugmentJoin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	catMeta := types.DatasetMetadata{
		NbRows: 2,
		Columns: []types.ColumnMetadata{
			{Name: "k", StructuralType: types.TypeText},
			{Name: "v", StructuralType: types.TypeInteger},
		},
		Materialize: types.Materialization{Identifier: "url"},
	}
	env.store.data["cat1"] = "k,v\n1,10\n2,20\n"

	task, err := json.Marshal(types.SearchResult{
		ID:       "cat1",
		Metadata: catMeta,
		Augmentation: types.AugmentationSpec{
			Type:              types.AugmentationJoin,
			LeftColumns:       [][]int{{0}},
			RightColumns:      [][]int{{0}},
			LeftColumnsNames:  [][]string{{"k"}},
			RightColumnsNames: [][]string{{"k"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	body, contentType := multipartBody(t,
		map[string]string{"task": string(task)},
		map[string]string{"data": "k,x\n1,a\n2,b\n3,c\n"})
	req := httptest.NewRequest(http.MethodPost, "/augment", body)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	want := "k,x,v\r\n1,a,10\r\n2,b,20\r\n3,c,\r\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestAugmentMissingTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body, contentType := multipartBody(t, nil, map[string]string{"data": "a\n1\n"})
	req := httptest.NewRequest(http.MethodPost, "/augment", body)
	req.Header.Set("Content-Type", contentType)
	if rec := env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSessionFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/session/new", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created["session_id"]
	if id == "" {
		t.Fatal("missing session_id")
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/session/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/session/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.server.geocoder = locatorFunc(func(_ context.Context, q string) (*geo.Place, error) {
		if q != "paris" {
			return nil, nil
		}
		return &geo.Place{Name: "Paris, France", Lat: 48.85, Lon: 2.35}, nil
	})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/location?q=paris", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp locationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Name != "Paris, France" {
		t.Errorf("results = %+v", resp.Results)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/location", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", rec.Code)
	}
}

func TestLocationUnconfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/location?q=paris", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d", rec.Code)
	}
}

func TestShutdownWithExpiredContext(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	env.server.srv = &http.Server{Handler: env.server.Handler()}
	served := make(chan error, 1)
	go func() { served <- env.server.srv.Serve(ln) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() err = %v, want nil despite expired caller context", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("Serve() err = %v", err)
	}
}

type locatorFunc func(ctx context.Context, query string) (*geo.Place, error)

func (f locatorFunc) Lookup(ctx context.Context, query string) (*geo.Place, error) {
	return f(ctx, query)
}
