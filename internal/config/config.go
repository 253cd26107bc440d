// Package config provides configuration loading and structs for the
// codescout pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Sink      SinkConfig      `yaml:"sink"`
	Repos     []RepoConfig    `yaml:"repos"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WebhookSecret is the shared HMAC secret for push webhooks. An empty
	// secret disables the webhook endpoint.
	WebhookSecret string `yaml:"webhook_secret"`
}

// StorageConfig holds paths for the queue databases, the event topic, and
// the local index.
type StorageConfig struct {
	QueueDir       string `yaml:"queue_dir"`
	EventTopicPath string `yaml:"event_topic_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// EmbeddingConfig holds embedder settings. Provider is "openai" for an
// OpenAI-compatible endpoint or "mock" for deterministic local vectors.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`
}

// IngestConfig holds walk, chunking, and pool settings.
type IngestConfig struct {
	Workers      int   `yaml:"workers"`
	ChunkLines   int   `yaml:"chunk_lines"`
	ChunkOverlap int   `yaml:"chunk_overlap"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// Watch re-ingests files as they change on disk.
	Watch bool `yaml:"watch"`
}

// IndexingConfig holds the batch indexer settings.
type IndexingConfig struct {
	BatchSize    int      `yaml:"batch_size"`
	Concurrency  int      `yaml:"concurrency"`
	IndexName    string   `yaml:"index_name"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// Duration parses YAML values like "2s" or "500ms" into a time.Duration.
// Bare integers are taken as nanoseconds, matching time.Duration itself.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SinkConfig selects the indexing sink. Type is "bleve" for the embedded
// index or "http" for a bulk-API search engine.
type SinkConfig struct {
	Type    string `yaml:"type"`
	BulkURL string `yaml:"bulk_url"`
}

// RepoConfig identifies one repository to ingest.
type RepoConfig struct {
	FullName string `yaml:"full_name"`
	Path     string `yaml:"path"`
	Branch   string `yaml:"branch"`
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.QueueDir = expandPath(cfg.Storage.QueueDir, configDir)
	cfg.Storage.EventTopicPath = expandPath(cfg.Storage.EventTopicPath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	for i := range cfg.Repos {
		cfg.Repos[i].Path = expandPath(cfg.Repos[i].Path, configDir)
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
