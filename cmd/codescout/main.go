// Package main is the codescout CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/chunker"
	"github.com/groundline/codescout/internal/config"
	"github.com/groundline/codescout/internal/embedding"
	"github.com/groundline/codescout/internal/events"
	"github.com/groundline/codescout/internal/indexer"
	"github.com/groundline/codescout/internal/ingest"
	"github.com/groundline/codescout/internal/pool"
	"github.com/groundline/codescout/internal/queue"
	"github.com/groundline/codescout/internal/server"
	"github.com/groundline/codescout/internal/sink"
	"github.com/groundline/codescout/internal/watcher"
	"github.com/groundline/codescout/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/codescout/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used instead.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve":
		runServe()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "clear":
		runClear()
	case "version", "--version", "-v":
		fmt.Printf("codescout version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// newEmbedder builds the configured embedder.
func newEmbedder(cfg *config.EmbeddingConfig) embedding.Embedder {
	if cfg.Provider == "openai" {
		return embedding.NewOpenAIEmbedder(cfg.BaseURL, cfg.Token, cfg.Model, cfg.Dimensions, cfg.CacheSize)
	}
	return embedding.NewMockEmbedder(cfg.Dimensions)
}

// newSink builds the configured sink. The BleveSink is returned separately
// when active so status and search can reach DocCount and Search.
func newSink(cfg *config.Config) (sink.Sink, *sink.BleveSink, error) {
	if cfg.Sink.Type == "http" {
		if cfg.Sink.BulkURL == "" {
			return nil, nil, fmt.Errorf("sink.bulk_url is required for the http sink")
		}
		return sink.NewHTTPSink(cfg.Sink.BulkURL), nil, nil
	}
	b, err := sink.NewBleveSink(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func queueConfig(cfg *config.Config, repo config.RepoConfig) queue.Config {
	return queue.Config{
		Dir:          cfg.Storage.QueueDir,
		Repository:   repo.FullName,
		Branch:       repo.Branch,
		MaxAttempts:  cfg.Indexing.MaxAttempts,
		RetryBackoff: cfg.Indexing.RetryBackoff.Std(),
	}
}

// repoRuntime is the per-repository pipeline: store, pool, producer, indexer
// worker, and optional filesystem watcher.
type repoRuntime struct {
	repo     config.RepoConfig
	store    *queue.SQLiteStore
	pool     *pool.Pool
	producer *ingest.Producer
	worker   *indexer.Worker
	watch    *watcher.Watcher
}

func (r *repoRuntime) close() {
	if r.watch != nil {
		r.watch.Stop()
	}
	if r.worker != nil {
		r.worker.Stop()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

func newRepoRuntime(ctx context.Context, cfg *config.Config, repo config.RepoConfig, s sink.Sink, logger *zap.Logger, watch bool) (*repoRuntime, error) {
	store := queue.NewSQLiteStore(queueConfig(cfg, repo))
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize queue for %s: %w", repo.FullName, err)
	}

	parser := chunker.NewCodeChunker(repo.Path, repo.Branch, cfg.Ingest.ChunkLines, cfg.Ingest.ChunkOverlap)
	workerPool := pool.New(parser, newEmbedder(&cfg.Embedding), cfg.Ingest.Workers, pool.WithLogger(logger))
	if err := workerPool.Start(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start pool for %s: %w", repo.FullName, err)
	}

	producer := ingest.NewProducer(store, workerPool,
		ingest.WithLogger(logger),
		ingest.WithWalker(ingest.NewWalker(cfg.Ingest.MaxFileBytes)))

	w := indexer.New(store, s, indexer.Config{
		BatchSize:    cfg.Indexing.BatchSize,
		Concurrency:  cfg.Indexing.Concurrency,
		IndexName:    cfg.Indexing.IndexName,
		PollInterval: cfg.Indexing.PollInterval.Std(),
		Watch:        watch,
	}, indexer.WithLogger(logger))

	return &repoRuntime{
		repo:     repo,
		store:    store,
		pool:     workerPool,
		producer: producer,
		worker:   w,
	}, nil
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.Int("repos", len(cfg.Repos)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	indexSink, bleveSink, err := newSink(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize sink", zap.Error(err))
	}
	if bleveSink != nil {
		defer bleveSink.Close()
	}

	topic, err := events.NewSQLiteTopic(cfg.Storage.EventTopicPath)
	if err != nil {
		logger.Fatal("Failed to open event topic", zap.Error(err))
	}
	defer topic.Close()

	runtimes := make(map[string]*repoRuntime, len(cfg.Repos))
	for _, repo := range cfg.Repos {
		rt, err := newRepoRuntime(ctx, cfg, repo, indexSink, logger, true)
		if err != nil {
			logger.Fatal("Failed to initialize repository pipeline", zap.Error(err))
		}
		defer rt.close()
		rt.worker.Start(ctx)

		if cfg.Ingest.Watch {
			prod := rt.producer
			rt.watch = watcher.NewWatcher([]string{repo.Path}, func(path string) {
				if _, err := prod.IngestFile(context.Background(), path); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
					logger.Warn("watch ingest failed", zap.String("path", path), zap.Error(err))
				}
			}, watcher.WithLogger(logger))
			if err := rt.watch.Start(ctx); err != nil {
				logger.Fatal("Failed to start watcher", zap.Error(err))
			}
		}
		runtimes[repo.FullName] = rt
		logger.Info("repository pipeline ready",
			zap.String("repository", repo.FullName),
			zap.String("branch", repo.Branch))
	}

	go consumePushEvents(ctx, topic, runtimes, logger)

	statusStores := make(map[string]queue.Store, len(runtimes))
	for name, rt := range runtimes {
		statusStores[name] = rt.store
	}

	var counter server.DocCounter
	if bleveSink != nil {
		counter = bleveSink
	}
	srv := server.NewServer(topic, statusStores, counter, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// consumePushEvents drains the durable topic: each accepted push event
// triggers a full re-ingest of the matching repository. Events are acked
// only after ingestion enqueued everything, so a crash mid-ingest redelivers.
func consumePushEvents(ctx context.Context, topic *events.SQLiteTopic, runtimes map[string]*repoRuntime, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d, err := topic.Consume(ctx)
		if err != nil {
			if err != events.ErrTopicClosed {
				logger.Error("consume push event failed", zap.Error(err))
			}
			return
		}
		if d == nil {
			continue
		}
		rt, ok := runtimes[d.Event.FullName]
		if !ok {
			logger.Warn("push event for unconfigured repository",
				zap.String("repository", d.Event.FullName))
			_ = topic.Ack(ctx, d.ID)
			continue
		}
		logger.Info("push event: re-ingesting",
			zap.String("repository", d.Event.FullName))
		sum, err := rt.producer.Run(ctx, rt.repo.Path)
		if err != nil {
			logger.Error("re-ingest failed, event kept for retry",
				zap.String("repository", d.Event.FullName), zap.Error(err))
			continue
		}
		logger.Info("re-ingest finished",
			zap.String("repository", d.Event.FullName),
			zap.Int("files", sum.Files),
			zap.Int("chunks", sum.Chunks))
		_ = topic.Ack(ctx, d.ID)
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	repoName := fs.String("repo", "", "repository full name (defaults to the directory name)")
	branch := fs.String("branch", "main", "branch name")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: codescout index [flags] <repo-directory>")
		os.Exit(1)
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Printf("Invalid path: %v\n", err)
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	name := *repoName
	if name == "" {
		name = filepath.Base(path)
	}
	repo := config.RepoConfig{FullName: name, Path: path, Branch: *branch}

	ctx := context.Background()
	indexSink, bleveSink, err := newSink(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize sink", zap.Error(err))
	}
	if bleveSink != nil {
		defer bleveSink.Close()
	}

	rt, err := newRepoRuntime(ctx, cfg, repo, indexSink, logger, false)
	if err != nil {
		logger.Fatal("Failed to initialize pipeline", zap.Error(err))
	}
	defer rt.close()

	rt.worker.Start(ctx)
	sum, err := rt.producer.Run(ctx, path)
	if err != nil {
		logger.Fatal("Ingest failed", zap.Error(err))
	}
	// Non-watch mode: the worker exits once the queue drains.
	rt.worker.Wait()
	if err := rt.worker.Err(); err != nil {
		logger.Fatal("Indexing failed", zap.Error(err))
	}

	stats, err := rt.store.Counts(ctx)
	if err != nil {
		logger.Fatal("Failed to read queue stats", zap.Error(err))
	}
	fmt.Printf("Indexed %s (%s): %d file(s), %d chunk(s), %d failed file(s)\n",
		name, *branch, sum.Files, sum.Chunks, sum.Failed)
	if stats.Dead > 0 {
		fmt.Printf("Warning: %d chunk(s) exhausted retries and were dead-lettered\n", stats.Dead)
	}
}

// buildSearchQuery joins all positional args with spaces so multi-word
// queries work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	limit := fs.Int("limit", 10, "number of results")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: codescout search [flags] <query>")
		os.Exit(1)
	}
	query := buildSearchQuery(fs.Args())
	if query == "" {
		fmt.Println("Usage: codescout search [flags] <query>")
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Sink.Type != "bleve" {
		fmt.Fprintln(os.Stderr, "search requires the bleve sink; the http sink has its own query API")
		os.Exit(1)
	}
	b, err := sink.NewBleveSink(cfg.Storage.BleveIndexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open index: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	results, err := b.Search(context.Background(), query, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		if len(results) == 0 {
			fmt.Println("No results.")
			return
		}
		for i, r := range results {
			fmt.Printf("%d. %s:%d-%d (%s, score %.3f)\n", i+1, r.FilePath, r.StartLine, r.EndLine, r.Language, r.Score)
			fmt.Printf("   %s\n", utils.Truncate(strings.ReplaceAll(r.Content, "\n", " "), 120))
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

// statusResponse is the shape of GET /api/v1/status. The top-level queue
// aggregates across all repositories; repositories carries the breakdown.
type queueCounts struct {
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Done    int64 `json:"done"`
	Dead    int64 `json:"dead"`
}

type statusResponse struct {
	Queue            queueCounts `json:"queue"`
	EnqueueCompleted bool        `json:"enqueue_completed"`
	IndexedDocuments *uint64     `json:"indexed_documents,omitempty"`
	Repositories     map[string]struct {
		Queue            queueCounts `json:"queue"`
		EnqueueCompleted bool        `json:"enqueue_completed"`
	} `json:"repositories"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/api/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
	case "text":
		fmt.Printf("pending:            %d\n", status.Queue.Pending)
		fmt.Printf("leased:             %d\n", status.Queue.Leased)
		fmt.Printf("done:               %d\n", status.Queue.Done)
		fmt.Printf("dead:               %d\n", status.Queue.Dead)
		fmt.Printf("enqueue_completed:  %t\n", status.EnqueueCompleted)
		if status.IndexedDocuments != nil {
			fmt.Printf("indexed_documents:  %d\n", *status.IndexedDocuments)
		}
		if len(status.Repositories) > 1 {
			names := make([]string, 0, len(status.Repositories))
			for name := range status.Repositories {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				repo := status.Repositories[name]
				fmt.Printf("%s: %d pending, %d leased, %d done, %d dead, enqueue_completed=%t\n",
					name, repo.Queue.Pending, repo.Queue.Leased, repo.Queue.Done, repo.Queue.Dead, repo.EnqueueCompleted)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runClear() {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	repoName := fs.String("repo", "", "repository full name")
	branch := fs.String("branch", "main", "branch name")
	_ = fs.Parse(os.Args[2:])

	if *repoName == "" {
		fmt.Println("Usage: codescout clear -repo <full-name> [-branch <branch>]")
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store := queue.NewSQLiteStore(queueConfig(cfg, config.RepoConfig{FullName: *repoName, Branch: *branch}))
	if err := store.Initialize(ctx); err != nil {
		fmt.Printf("Failed to open queue: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Clear(ctx); err != nil {
		fmt.Printf("Clear failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cleared queue for %s (%s)\n", *repoName, *branch)
}

func printUsage() {
	fmt.Println(`codescout - durable code search indexing pipeline

Usage:
  codescout serve [flags]            Start the webhook server and pipelines
  codescout index [flags] <dir>      Ingest and index a repository once
  codescout search [flags] <query>   Search the local index
  codescout status [flags]           Show queue and index status
  codescout clear [flags]            Clear a repository's queue
  codescout version                  Show version
  codescout help                     Show this help

Serve Flags:
  --config string    Config file path (default: /usr/local/etc/codescout/config.yaml)
  --debug            Enable debug logging

Index Flags:
  --config string    Config file path
  --repo string      Repository full name (defaults to the directory name)
  --branch string    Branch name (default: main)

Search Flags:
  --config string    Config file path
  --limit int        Number of results (default: 10)
  --output string    Output format: text or json (default: text)

Status Flags:
  --server string    Server URL (default: http://localhost:8080)
  --output string    Output format: text or json (default: text)

Clear Flags:
  --config string    Config file path
  --repo string      Repository full name (required)
  --branch string    Branch name (default: main)

Examples:
  codescout index ./my-service
  codescout search "dequeue batch"
  codescout serve --debug
  codescout clear -repo groundline/my-service`)
}
