// Command apiserver serves the Auctus HTTP API: profiling uploads,
// search, download, and augmentation.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"auctus/internal/config"
	"auctus/internal/geo"
	"auctus/internal/httpapi"
	"auctus/internal/index"
	"auctus/internal/lazo"
	"auctus/internal/materialize"
	"auctus/internal/metrics"
	"auctus/internal/metrics/datadog"
	"auctus/internal/objstore"
	"auctus/internal/profile"
	"auctus/internal/search"
	"auctus/internal/session"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log := logger.Sugar()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("configuration invalid", "error", err)
	}
	flushMetrics := setupMetrics(cfg, "auctus-apiserver", log)
	defer flushMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sketches := lazo.New(cfg.LazoURL())
	gateway, err := index.New(cfg.ElasticsearchHosts, cfg.IndexPrefix, sketches, log)
	if err != nil {
		log.Fatalw("elasticsearch client failed", "error", err)
	}
	if err := gateway.CreateIndexes(ctx); err != nil {
		log.Fatalw("index creation failed", "error", err)
	}

	var store materialize.ObjectStore
	if cfg.S3Endpoint != "" {
		client, err := objstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3BucketPrefix, cfg.S3Secure)
		if err != nil {
			log.Fatalw("object store client failed", "error", err)
		}
		store = client
	}
	mat := materialize.New(filepath.Join(cfg.CacheDir, "datasets"), store, cfg.MaxDownloadBytes, log)

	sessions := session.New(cfg.RedisAddr)
	defer sessions.Close()
	if err := sessions.Ping(ctx); err != nil {
		log.Warnw("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}

	opts := profile.Options{
		LoadMaxSize:   cfg.LoadMaxSize,
		Coverage:      true,
		Plots:         true,
		IncludeSample: true,
		Sketcher:      sketches,
		Log:           log,
	}
	if cfg.GazetteerDSN != "" {
		gaz, err := geo.NewGazetteer(ctx, cfg.GazetteerDSN)
		if err != nil {
			log.Warnw("gazetteer unavailable", "error", err)
		} else {
			defer gaz.Close()
			opts.Admin = gaz
		}
	}

	srvCfg := httpapi.Config{
		Search:       search.New(gateway, sketches, log),
		Catalog:      gateway,
		Materializer: mat,
		Sessions:     sessions,
		ProfileOpts:  opts,
		CacheDir:     cfg.CacheDir,
		Version:      cfg.Version,
		Log:          log,
	}
	if cfg.GeocoderURL != "" {
		geocoder := geo.NewGeocoder(cfg.GeocoderURL)
		srvCfg.Geocoder = geocoder
		opts.Geocoder = geocoder
		srvCfg.ProfileOpts = opts
	}
	srv := httpapi.New(srvCfg)

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(cfg.ListenAddr) }()

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warnw("shutdown incomplete", "error", err)
		}
	case err := <-errc:
		if err != nil {
			log.Fatalw("http server failed", "error", err)
		}
	}
}

// setupMetrics installs the configured metrics backend and returns its
// teardown.
func setupMetrics(cfg config.Config, service string, log *zap.SugaredLogger) func() {
	if cfg.MetricsBackend != "datadog" {
		return func() {}
	}
	backend, err := datadog.NewBackend(context.Background(), datadog.Options{
		ServiceName: service,
		Tags:        datadog.ParseTagsCSV(cfg.MetricsTags),
	})
	if err != nil {
		log.Warnw("datadog backend failed, metrics disabled", "error", err)
		return func() {}
	}
	metrics.SetBackend(backend)
	return func() {
		if err := backend.Close(); err != nil {
			log.Warnw("metrics flush failed", "error", err)
		}
	}
}
