// Package worker consumes profiling requests from the broker,
// materializes and profiles datasets, and writes the results to the
// catalog.
package worker

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"auctus/internal/convert"
	"auctus/internal/materialize"
	"auctus/internal/profile"
	"auctus/internal/types"
)

// Catalog is the slice of the index gateway the worker uses.
type Catalog interface {
	AddDataset(ctx context.Context, id string, meta *types.DatasetMetadata) (*types.DatasetMetadata, error)
	DeleteDataset(ctx context.Context, id string) error
	GetDataset(ctx context.Context, id string) (*types.DatasetMetadata, error)
}

// Queue is the slice of the broker the worker uses.
type Queue interface {
	ConsumeProfile(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error)
	PublishDataset(ctx context.Context, id string, body []byte) error
	Quarantine(ctx context.Context, body []byte) error
}

// Message is one profiling request as published on the profile
// exchange.
type Message struct {
	ID       string                `json:"id"`
	Metadata types.DatasetMetadata `json:"metadata"`
}

// Config wires a worker.
type Config struct {
	Queue        Queue
	Catalog      Catalog
	Materializer *materialize.Materializer
	ProfileOpts  profile.Options

	// MaxDownloads doubles as the consumer prefetch: a worker never
	// holds more unacked messages than it can download concurrently.
	MaxDownloads int
	MaxProfiles  int

	Log *zap.SugaredLogger
}

// Worker is the profiling consumer loop.
type Worker struct {
	queue     Queue
	catalog   Catalog
	mat       *materialize.Materializer
	opts      profile.Options
	prefetch  int
	downloads *semaphore.Weighted
	profiles  *semaphore.Weighted
	log       *zap.SugaredLogger
}

// New builds a worker from config, applying the documented defaults.
func New(cfg Config) *Worker {
	if cfg.MaxDownloads < 1 {
		cfg.MaxDownloads = 2
	}
	if cfg.MaxProfiles < 1 {
		cfg.MaxProfiles = 1
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{
		queue:     cfg.Queue,
		catalog:   cfg.Catalog,
		mat:       cfg.Materializer,
		opts:      cfg.ProfileOpts,
		prefetch:  cfg.MaxDownloads,
		downloads: semaphore.NewWeighted(int64(cfg.MaxDownloads)),
		profiles:  semaphore.NewWeighted(int64(cfg.MaxProfiles)),
		log:       log,
	}
}

// Run consumes until ctx ends or the delivery channel closes. Each
// message is handled in its own goroutine; the download semaphore
// bounds actual concurrency.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.ConsumeProfile(ctx, w.prefetch)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("worker: delivery channel closed")
			}
			go w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery end to end, including its ack
// disposition.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.ID == "" {
		w.log.Errorw("unparseable profile request", "error", err)
		w.quarantine(ctx, d)
		return
	}
	log := w.log.With("dataset", msg.ID)
	// The profiler stores sketches under this ID during ingestion.
	msg.Metadata.ID = msg.ID

	invalid := w.cacheInvalid(ctx, &msg)

	if err := w.downloads.Acquire(ctx, 1); err != nil {
		w.nack(d)
		return
	}
	entry, err := w.mat.GetCSV(ctx, msg.ID, &msg.Metadata.Materialize, materialize.Options{Invalid: invalid})
	w.downloads.Release(1)
	if err != nil {
		w.disposeError(ctx, d, log, err)
		return
	}
	defer entry.Close()

	if err := w.profiles.Acquire(ctx, 1); err != nil {
		w.nack(d)
		return
	}
	err = profile.Profile(ctx, entry.Path(), &msg.Metadata, w.opts)
	w.profiles.Release(1)
	if err != nil {
		w.disposeError(ctx, d, log, err)
		return
	}

	if msg.Metadata.NbRows == 0 {
		log.Infow("profiled empty dataset, removing from catalog")
		if err := w.catalog.DeleteDataset(ctx, msg.ID); err != nil {
			log.Warnw("catalog delete failed", "error", err)
			w.nack(d)
			return
		}
		w.ack(d)
		return
	}

	stored, err := w.catalog.AddDataset(ctx, msg.ID, &msg.Metadata)
	if err != nil {
		// Catalog writes are idempotent by id, so redelivery is safe.
		log.Warnw("catalog write failed", "error", err)
		w.nack(d)
		return
	}
	body, err := json.Marshal(stored)
	if err != nil {
		log.Errorw("undecodable stored metadata", "error", err)
		w.quarantine(ctx, d)
		return
	}
	if err := w.queue.PublishDataset(ctx, msg.ID, body); err != nil {
		log.Warnw("dataset announce failed", "error", err)
		w.nack(d)
		return
	}
	log.Infow("dataset profiled", "nb_rows", stored.NbRows, "columns", len(stored.Columns))
	w.ack(d)
}

// cacheInvalid reports whether the cached canonical copy must be
// rebuilt: the incoming descriptor differs from the indexed one.
func (w *Worker) cacheInvalid(ctx context.Context, msg *Message) bool {
	existing, err := w.catalog.GetDataset(ctx, msg.ID)
	if err != nil || existing == nil {
		return false
	}
	oldHash, err1 := types.HashJSON(existing.Materialize)
	newHash, err2 := types.HashJSON(msg.Metadata.Materialize)
	if err1 != nil || err2 != nil {
		return true
	}
	return oldHash != newHash
}

// disposeError routes a materialization or profiling failure to the
// right disposition.
func (w *Worker) disposeError(ctx context.Context, d amqp.Delivery, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, materialize.ErrDatasetTooBig):
		// Terminal success: not indexed, not retried.
		log.Warnw("dataset exceeds size cap, skipping")
		w.ack(d)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.nack(d)
	case convert.IsMaterializerError(err):
		log.Errorw("dataset cannot be materialized", "error", err)
		w.quarantine(ctx, d)
	default:
		log.Errorw("profiling failed", "error", err)
		w.quarantine(ctx, d)
	}
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Warnw("ack failed", "error", err)
	}
}

func (w *Worker) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		w.log.Warnw("nack failed", "error", err)
	}
}

// quarantine moves the message body to the failed queue and acks. If
// even the quarantine publish fails the message is nacked so it is not
// lost.
func (w *Worker) quarantine(ctx context.Context, d amqp.Delivery) {
	if err := w.queue.Quarantine(ctx, d.Body); err != nil {
		w.log.Errorw("quarantine publish failed", "error", err)
		w.nack(d)
		return
	}
	w.ack(d)
}
