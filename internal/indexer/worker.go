// Package indexer runs the consumer side of the pipeline: it polls the
// durable queue in batches, dispatches them to the sink under a concurrency
// cap, and reconciles each outcome back into the queue so that every chunk
// is either committed or retried, never silently lost.
package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/groundline/codescout/internal/models"
	"github.com/groundline/codescout/internal/queue"
	"github.com/groundline/codescout/internal/sink"
)

const (
	defaultBatchSize    = 10
	defaultConcurrency  = 1
	defaultPollInterval = 100 * time.Millisecond
	defaultIndexName    = "code-chunks"
)

// Config tunes the worker loop.
type Config struct {
	// BatchSize is the maximum number of items claimed per poll.
	BatchSize int
	// Concurrency caps the number of sink dispatches in flight.
	Concurrency int
	// IndexName is the logical index passed to the sink on every call.
	IndexName string
	// PollInterval is the sleep between polls that found the queue empty.
	PollInterval time.Duration
	// Watch keeps the loop polling after the producer marked the enqueue
	// complete and the queue drained. Without it the loop exits once both
	// conditions hold.
	Watch bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.IndexName == "" {
		c.IndexName = defaultIndexName
	}
	return c
}

// Worker is the batch indexer. One Worker owns one queue store; Start it
// once, then Stop it.
type Worker struct {
	store  queue.Store
	sink   sink.Sink
	cfg    Config
	logger *zap.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu            sync.Mutex
	inflightCount int
	lastPollEmpty bool
	runErr        error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Worker over an initialized store and a sink.
func New(store queue.Store, s sink.Sink, cfg Config, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		store:  store,
		sink:   s,
		cfg:    cfg,
		logger: zap.NewNop(),
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the poll loop. It returns immediately; use Wait, OnIdle,
// and Err to observe progress. ctx cancellation stops the loop the same way
// Stop does: in-flight dispatches finish and reconcile before the loop ends.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop asks the loop to wind down and blocks until in-flight dispatches have
// reconciled. Items still leased in the queue at that point are recovered by
// the next Initialize.
func (w *Worker) Stop() {
	w.signalStop()
	<-w.doneCh
}

// Wait blocks until the loop has ended, either by Stop, context
// cancellation, a fatal storage error, or natural drain in non-watch mode.
func (w *Worker) Wait() {
	<-w.doneCh
}

// Err returns the fatal error that ended the loop, if any. Sink failures are
// never fatal; only queue storage faults are.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runErr
}

// OnIdle blocks until no dispatch is in flight and the latest poll found the
// queue empty, or ctx expires. Items delayed by retry backoff count as
// empty: the worker is idle while it waits for them to become available.
func (w *Worker) OnIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		idle := w.inflightCount == 0 && w.lastPollEmpty
		w.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.doneCh:
			return w.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.inflight.Wait()

	// Dispatches already handed to the sink run to completion even when the
	// loop is being stopped, so their outcomes still reach the queue.
	dispatchCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		items, err := w.store.Dequeue(ctx, w.cfg.BatchSize)
		if err != nil {
			w.fatal(err)
			return
		}

		if len(items) == 0 {
			w.setLastPollEmpty(true)
			if !w.cfg.Watch {
				done, err := w.store.IsEnqueueCompleted(ctx)
				if err != nil {
					w.fatal(err)
					return
				}
				// An empty poll alone is not drained: requeued items waiting
				// out their retry backoff are invisible to Dequeue.
				stats, err := w.store.Counts(ctx)
				if err != nil {
					w.fatal(err)
					return
				}
				if done && stats.Active() == 0 && w.inflightNow() == 0 {
					w.logger.Info("queue drained, stopping indexer")
					return
				}
			}
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.setLastPollEmpty(false)

		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Claimed items stay leased; Initialize recovers them next run.
			return
		}
		w.inflight.Add(1)
		w.addInflight(1)
		go func(batch []*models.QueueItem) {
			defer w.sem.Release(1)
			defer w.inflight.Done()
			defer w.addInflight(-1)
			w.dispatch(dispatchCtx, batch)
		}(items)
	}
}

// dispatch sends one claimed batch to the sink and reconciles the outcome:
// total success commits everything, a partial failure requeues exactly the
// rejected chunk hashes and commits the rest, and any whole-call failure
// requeues the entire batch without committing anything.
func (w *Worker) dispatch(ctx context.Context, items []*models.QueueItem) {
	chunks := make([]models.CodeChunk, len(items))
	for i, it := range items {
		chunks[i] = it.Chunk
	}

	err := w.sink.IndexChunks(ctx, chunks, w.cfg.IndexName)

	var perr *sink.PartialError
	switch {
	case err == nil:
		if cErr := w.store.Commit(ctx, items); cErr != nil {
			w.fatal(cErr)
			return
		}
		w.logger.Debug("batch committed", zap.Int("count", len(items)))

	case errors.As(err, &perr):
		rejected := make(map[string]string, len(perr.Failures))
		for _, f := range perr.Failures {
			rejected[f.ChunkHash] = f.Detail
		}
		var failures []models.ItemFailure
		var succeeded []*models.QueueItem
		for _, it := range items {
			if detail, bad := rejected[it.Chunk.ChunkHash]; bad {
				failures = append(failures, models.ItemFailure{Item: it, Reason: detail})
			} else {
				succeeded = append(succeeded, it)
			}
		}
		if rErr := w.store.Requeue(ctx, failures); rErr != nil {
			w.fatal(rErr)
			return
		}
		if cErr := w.store.Commit(ctx, succeeded); cErr != nil {
			w.fatal(cErr)
			return
		}
		w.logger.Warn("batch partially indexed",
			zap.Int("committed", len(succeeded)),
			zap.Int("requeued", len(failures)))

	default:
		failures := make([]models.ItemFailure, len(items))
		for i, it := range items {
			failures[i] = models.ItemFailure{Item: it, Reason: err.Error()}
		}
		if rErr := w.store.Requeue(ctx, failures); rErr != nil {
			w.fatal(rErr)
			return
		}
		w.logger.Warn("sink rejected batch, requeued",
			zap.Int("count", len(items)),
			zap.Error(err))
	}
}

// sleep waits one poll interval. Returns false when the worker should exit.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) fatal(err error) {
	w.mu.Lock()
	if w.runErr == nil {
		w.runErr = err
	}
	w.mu.Unlock()
	w.logger.Error("indexer stopping on storage error", zap.Error(err))
	w.signalStop()
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) setLastPollEmpty(v bool) {
	w.mu.Lock()
	w.lastPollEmpty = v
	w.mu.Unlock()
}

func (w *Worker) addInflight(d int) {
	w.mu.Lock()
	w.inflightCount += d
	w.mu.Unlock()
}

func (w *Worker) inflightNow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflightCount
}
