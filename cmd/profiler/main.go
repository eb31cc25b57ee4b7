// Command profiler consumes profiling requests from the broker,
// materializes and profiles datasets, and writes them to the catalog.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"auctus/internal/broker"
	"auctus/internal/config"
	"auctus/internal/geo"
	"auctus/internal/index"
	"auctus/internal/lazo"
	"auctus/internal/materialize"
	"auctus/internal/metrics"
	"auctus/internal/metrics/datadog"
	"auctus/internal/objstore"
	"auctus/internal/profile"
	"auctus/internal/worker"
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
	flushMetrics := setupMetrics(cfg, "auctus-profiler", log)
	defer flushMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := broker.Connect(cfg.AMQPURL(), log)
	if err != nil {
		log.Fatalw("broker connection failed", "error", err)
	}
	defer queue.Close()

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
		if err := client.EnsureBucket(ctx); err != nil {
			log.Fatalw("bucket setup failed", "error", err)
		}
		store = client
	}
	mat := materialize.New(filepath.Join(cfg.CacheDir, "datasets"), store, cfg.MaxDownloadBytes, log)

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
	if cfg.GeocoderURL != "" {
		opts.Geocoder = geo.NewGeocoder(cfg.GeocoderURL)
	}

	w := worker.New(worker.Config{
		Queue:        queue,
		Catalog:      gateway,
		Materializer: mat,
		ProfileOpts:  opts,
		MaxDownloads: cfg.MaxConcurrentDownload,
		MaxProfiles:  cfg.MaxConcurrentProfile,
		Log:          log,
	})

	log.Infow("profiler consuming",
		"prefetch", cfg.MaxConcurrentDownload, "profiles", cfg.MaxConcurrentProfile)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("consumer loop failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Infow("profiler stopped")
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
