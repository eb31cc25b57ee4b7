// Package httpapi exposes the Auctus core over HTTP: profiling uploads,
// keyword and augmentation search, dataset download in the supported
// formats, augmentation execution, and session bookkeeping.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"auctus/internal/geo"
	"auctus/internal/index"
	"auctus/internal/materialize"
	"auctus/internal/metrics"
	"auctus/internal/profile"
	"auctus/internal/search"
	"auctus/internal/session"
	"auctus/internal/types"
)

const shutdownTimeout = 30 * time.Second

// Searcher runs search requests.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Catalog is the slice of the index gateway the API reads from.
type Catalog interface {
	GetDataset(ctx context.Context, id string) (*types.DatasetMetadata, error)
	Statistics(ctx context.Context) (*index.Statistics, error)
}

// Sessions is the Redis-backed short-lived state store.
type Sessions interface {
	NewSession(ctx context.Context) (string, error)
	AddResult(ctx context.Context, id string, r session.Result) error
	Results(ctx context.Context, id string) ([]session.Result, error)
	StoreProfile(ctx context.Context, token string, profile []byte) error
	Profile(ctx context.Context, token string) ([]byte, error)
}

// Locator resolves place names; nil disables /location.
type Locator interface {
	Lookup(ctx context.Context, query string) (*geo.Place, error)
}

// Config wires a server.
type Config struct {
	Search       Searcher
	Catalog      Catalog
	Materializer *materialize.Materializer
	Sessions     Sessions
	Geocoder     Locator

	ProfileOpts profile.Options

	// CacheDir is the root cache directory; uploads live under
	// user_data/ and augmentation results under aug/.
	CacheDir string

	Version string
	Log     *zap.SugaredLogger
}

// Server is the HTTP front of the core.
type Server struct {
	search   Searcher
	catalog  Catalog
	mat      *materialize.Materializer
	sessions Sessions
	geocoder Locator

	profileOpts profile.Options
	userDir     string
	augDir      string
	version     string
	log         *zap.SugaredLogger

	mux      *http.ServeMux
	srv      *http.Server
	closing  atomic.Bool
	inflight sync.WaitGroup
}

// New builds a server from config.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		search:      cfg.Search,
		catalog:     cfg.Catalog,
		mat:         cfg.Materializer,
		sessions:    cfg.Sessions,
		geocoder:    cfg.Geocoder,
		profileOpts: cfg.ProfileOpts,
		userDir:     filepath.Join(cfg.CacheDir, "user_data"),
		augDir:      filepath.Join(cfg.CacheDir, "aug"),
		version:     cfg.Version,
		log:         log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /profile", s.handleProfile)
	s.handle("POST /search", s.handleSearch)
	s.handle("GET /download/{id}", s.handleDownloadGet)
	s.handle("POST /download", s.handleDownloadPost)
	s.handle("POST /augment", s.handleAugment)
	s.handle("GET /augment/result/{key}", s.handleAugmentResult)
	s.handle("GET /metadata/{id}", s.handleMetadata)
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /version", s.handleVersion)
	s.handle("GET /statistics", s.handleStatistics)
	s.handle("GET /location", s.handleLocation)
	s.handle("POST /session/new", s.handleSessionNew)
	s.handle("GET /session/{id}", s.handleSessionGet)
}

// handle registers a handler with the in-flight counter and metrics
// wrapped around it.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

func (s *Server) instrument(pattern string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.closing.Load() {
			sendError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.inflight.Add(1)
		defer s.inflight.Done()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		labels := metrics.Labels{
			"handler": pattern,
			"status":  strconv.Itoa(rec.status),
		}
		metrics.IncCounter(metrics.HTTPRequestsTotal, 1, labels)
		metrics.ObserveHistogram(metrics.HTTPRequestDurationSeconds,
			time.Since(start).Seconds(), labels)
	})
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on addr until Shutdown.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.mux}
	s.log.Infow("http server listening", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones, up to
// a timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	wait, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	select {
	case <-done:
	case <-wait.Done():
		s.log.Warnw("shutdown timed out with requests in flight")
	}

	if s.srv != nil {
		// The listener close gets its own deadline: wait may already be
		// expired, and that means abandoned requests, not a close failure.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		return s.srv.Shutdown(closeCtx)
	}
	return nil
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(p)
}
