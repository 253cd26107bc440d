package config

import "time"

// ApplyDefaults fills zero values with working defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.QueueDir == "" {
		cfg.Storage.QueueDir = "/usr/local/var/codescout/data/queues"
	}
	if cfg.Storage.EventTopicPath == "" {
		cfg.Storage.EventTopicPath = "/usr/local/var/codescout/data/events.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/codescout/data/indices/bleve"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 4096
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.ChunkLines == 0 {
		cfg.Ingest.ChunkLines = 80
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 10
	}
	if cfg.Indexing.BatchSize == 0 {
		cfg.Indexing.BatchSize = 10
	}
	if cfg.Indexing.Concurrency == 0 {
		cfg.Indexing.Concurrency = 2
	}
	if cfg.Indexing.IndexName == "" {
		cfg.Indexing.IndexName = "code-chunks"
	}
	if cfg.Indexing.PollInterval == 0 {
		cfg.Indexing.PollInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Indexing.RetryBackoff == 0 {
		cfg.Indexing.RetryBackoff = Duration(2 * time.Second)
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = "bleve"
	}
	for i := range cfg.Repos {
		if cfg.Repos[i].Branch == "" {
			cfg.Repos[i].Branch = "main"
		}
	}
}
