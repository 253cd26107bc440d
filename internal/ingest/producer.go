package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/pool"
	"github.com/groundline/codescout/internal/queue"
)

// Summary reports one producer run.
type Summary struct {
	Files   int
	Chunks  int
	Skipped int
	Failed  int
}

// Producer walks a repository and feeds parsed, embedded chunks into the
// queue. Each file's chunks are enqueued in one atomic call; a file that
// fails to parse or embed is logged and skipped so the rest of the
// repository still lands.
type Producer struct {
	store  queue.Store
	pool   *pool.Pool
	walker *Walker
	logger *zap.Logger
}

// Option configures a Producer.
type Option func(*Producer)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWalker overrides the default walker.
func WithWalker(w *Walker) Option {
	return func(p *Producer) {
		if w != nil {
			p.walker = w
		}
	}
}

// NewProducer creates a producer over an initialized store and a started
// pool.
func NewProducer(store queue.Store, workerPool *pool.Pool, opts ...Option) *Producer {
	p := &Producer{
		store:  store,
		pool:   workerPool,
		walker: NewWalker(0),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests the repository rooted at repoRoot. All files are submitted to
// the pool up front so parsing and embedding overlap, then results are
// drained in submission order and enqueued per file. When every file has
// resolved, the enqueue-completed sentinel is persisted so a consumer in
// non-watch mode knows the producer finished rather than crashed.
func (p *Producer) Run(ctx context.Context, repoRoot string) (Summary, error) {
	var sum Summary

	paths, err := p.walker.Walk(repoRoot)
	if err != nil {
		return sum, err
	}
	sum.Files = len(paths)
	p.logger.Info("ingest starting",
		zap.String("root", repoRoot),
		zap.Int("files", len(paths)))

	results := make([]<-chan pool.Result, 0, len(paths))
	for _, path := range paths {
		ch, err := p.pool.Submit(ctx, path)
		if err != nil {
			return sum, fmt.Errorf("submit %s: %w", path, err)
		}
		results = append(results, ch)
	}

	for _, ch := range results {
		var res pool.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return sum, ctx.Err()
		}
		if res.Err != nil {
			sum.Failed++
			p.logger.Warn("file skipped", zap.String("path", res.Path), zap.Error(res.Err))
			continue
		}
		if len(res.Chunks) == 0 {
			sum.Skipped++
			continue
		}
		if err := p.store.Enqueue(ctx, res.Chunks); err != nil {
			// Storage faults are fatal: continuing would under-report the
			// repository as indexed.
			return sum, fmt.Errorf("enqueue %s: %w", res.Path, err)
		}
		sum.Chunks += len(res.Chunks)
	}

	if err := p.store.MarkEnqueueCompleted(ctx); err != nil {
		return sum, fmt.Errorf("mark enqueue completed: %w", err)
	}
	p.logger.Info("ingest finished",
		zap.Int("files", sum.Files),
		zap.Int("chunks", sum.Chunks),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

// IngestFile parses, embeds, and enqueues a single file. Used by the
// filesystem watcher for incremental updates.
func (p *Producer) IngestFile(ctx context.Context, path string) (int, error) {
	chunks, err := p.pool.Process(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := p.store.Enqueue(ctx, chunks); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", path, err)
	}
	return len(chunks), nil
}
