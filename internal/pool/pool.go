// Package pool runs parse+embed jobs across a fixed set of workers with a
// ready/job/result message protocol. A failure on one file is confined to
// that job; it never terminates the worker or touches sibling jobs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/chunker"
	"github.com/groundline/codescout/internal/embedding"
	"github.com/groundline/codescout/internal/models"
)

// ErrPoolClosed is returned by Submit once Close has begun.
var ErrPoolClosed = errors.New("pool is closed")

// ParseError reports that the parser failed on one file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// EmbedError reports that embedding failed for one file's chunks.
type EmbedError struct {
	Path string
	Err  error
}

func (e *EmbedError) Error() string { return fmt.Sprintf("embed %s: %v", e.Path, e.Err) }
func (e *EmbedError) Unwrap() error { return e.Err }

// Result is the outcome of one file job: the enriched chunks, or a typed
// *ParseError / *EmbedError.
type Result struct {
	Path   string
	Chunks []models.CodeChunk
	Err    error
}

type job struct {
	path   string
	result chan Result
}

// Pool parallelizes CPU-bound parse+embed work. Jobs flow over a shared
// channel so a stalled worker never strands queued work; siblings pick it
// up. The pool holds no durable state and never retries: a failed file is
// reported and dropped.
type Pool struct {
	parser   chunker.Parser
	embedder embedding.Embedder
	size     int
	logger   *zap.Logger

	jobs       chan job
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	started    bool
	closing    bool
	mu         sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets a logger for per-job debug output.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool of size workers. size <= 0 defaults to 4.
func New(parser chunker.Parser, embedder embedding.Embedder, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		parser:   parser,
		embedder: embedder,
		size:     size,
		jobs:     make(chan job, size*2),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Each worker performs its one-time embedder
// initialization and signals readiness; Start blocks until every worker is
// ready or one fails to initialize.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	ready := make(chan error, p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, ready)
	}
	for i := 0; i < p.size; i++ {
		select {
		case err := <-ready:
			if err != nil {
				return fmt.Errorf("worker initialization: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Submit queues one file job and returns a channel carrying its single
// Result. Blocks only when the job buffer is full. Returns ErrPoolClosed
// once Close has begun; callers racing shutdown (the watcher's debounced
// callbacks) get the error instead of a send on a closed channel.
func (p *Pool) Submit(ctx context.Context, path string) (<-chan Result, error) {
	p.mu.Lock()
	if !p.started || p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	j := job{path: path, result: make(chan Result, 1)}
	select {
	case p.jobs <- j:
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Process runs one file job synchronously.
func (p *Pool) Process(ctx context.Context, path string) ([]models.CodeChunk, error) {
	resCh, err := p.Submit(ctx, path)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-resCh:
		return res.Chunks, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
// Cooperative: submitters already past the closed check finish their send,
// then the channel closes and running jobs complete naturally.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.started || p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()

	p.submitters.Wait()
	close(p.jobs)
	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.closing = false
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, id int, ready chan<- error) {
	defer p.wg.Done()

	if err := p.embedder.Initialize(ctx); err != nil {
		ready <- err
		return
	}
	ready <- nil
	if p.logger != nil {
		p.logger.Debug("pool worker ready", zap.Int("worker", id))
	}

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j.result <- p.run(ctx, j.path)
		case <-ctx.Done():
			return
		}
	}
}

// run executes one job. Panics are recovered into the job's result so a
// malformed file cannot take the worker down.
func (p *Pool) run(ctx context.Context, path string) (res Result) {
	res.Path = path
	defer func() {
		if r := recover(); r != nil {
			res.Chunks = nil
			res.Err = &ParseError{Path: path, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	chunks, err := p.parser.Parse(path)
	if err != nil {
		res.Err = &ParseError{Path: path, Err: err}
		return res
	}
	if len(chunks) == 0 {
		return res
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].SemanticText
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		res.Err = &EmbedError{Path: path, Err: err}
		return res
	}
	now := time.Now().UTC()
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
		chunks[i].UpdatedAt = now
	}
	res.Chunks = chunks
	return res
}
