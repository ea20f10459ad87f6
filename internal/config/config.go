// Package config provides configuration loading and structs for the Shiori server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration is returned when the configuration is invalid or internally inconsistent.
var ErrConfiguration = errors.New("configuration error")

// Chunking units.
const (
	UnitCharacters = "characters"
	UnitWords      = "words"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Context   ContextConfig   `yaml:"context"`
	Generator GeneratorConfig `yaml:"generator"`
	Chat      ChatConfig      `yaml:"chat"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// StorageConfig holds paths for the database, indices and uploaded files.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	UploadDir       string `yaml:"upload_dir"`
}

// UploadConfig bounds what the upload endpoint accepts.
type UploadConfig struct {
	MaxSize           int64    `yaml:"max_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // hashing, openai, onnx
	Model      string `yaml:"model"`
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	BatchSize  int    `yaml:"batch_size"`
	CacheSize  int    `yaml:"cache_size"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisTTL   int    `yaml:"redis_ttl_seconds"`
	MaxRetries int    `yaml:"max_retries"`
}

// ChunkingConfig controls how documents are split into fragments.
type ChunkingConfig struct {
	Unit    string `yaml:"unit"`
	Size    int    `yaml:"size"`
	Overlap int    `yaml:"overlap"`
}

// IngestionConfig controls the ingestion worker pool.
type IngestionConfig struct {
	Workers int `yaml:"workers"`
}

// RetrievalConfig tunes candidate selection and post-filtering.
type RetrievalConfig struct {
	DefaultTopK     int     `yaml:"default_top_k"`
	MaxTopK         int     `yaml:"max_top_k"`
	CandidateFactor int     `yaml:"candidate_factor"`
	MinScore        float64 `yaml:"min_score"`
	DedupEpsilon    float64 `yaml:"dedup_epsilon"`
	Adjacency       int     `yaml:"adjacency"`
	KeywordWeight   float64 `yaml:"keyword_weight"`
}

// ContextConfig controls prompt assembly.
type ContextConfig struct {
	TokenBudget     int     `yaml:"token_budget"`
	HistoryFraction float64 `yaml:"history_fraction"`
	Counter         string  `yaml:"counter"` // estimate, tiktoken
	Encoding        string  `yaml:"encoding"`
	SystemPrompt    string  `yaml:"system_prompt"`
}

// GeneratorConfig holds the OpenAI-compatible chat completion backend settings.
type GeneratorConfig struct {
	Provider       string  `yaml:"provider"` // openai, offline
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	FallbackModel  string  `yaml:"fallback_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	MaxRetries     int     `yaml:"max_retries"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

// ChatConfig controls conversation handling.
type ChatConfig struct {
	HistoryTurns       int `yaml:"history_turns"`
	RetrievalTopK      int `yaml:"retrieval_top_k"`
	SessionIdleSeconds int `yaml:"session_idle_seconds"`
	TitleLength        int `yaml:"title_length"`
}

// WatchConfig holds inbox directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, applies defaults and environment
// overrides, expands paths and validates the result.
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
	ApplyEnv(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. All failures wrap ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	switch c.Embedding.Provider {
	case "hashing", "openai", "onnx":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrConfiguration, c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("%w: embedding dimensions must be positive", ErrConfiguration)
	}
	switch c.Generator.Provider {
	case "openai", "offline":
	default:
		return fmt.Errorf("%w: unknown generator provider %q", ErrConfiguration, c.Generator.Provider)
	}
	if c.Context.TokenBudget <= 0 {
		return fmt.Errorf("%w: context token_budget must be positive", ErrConfiguration)
	}
	if c.Context.HistoryFraction < 0 || c.Context.HistoryFraction > 1 {
		return fmt.Errorf("%w: context history_fraction must be within [0, 1]", ErrConfiguration)
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.KeywordWeight > 1 {
		return fmt.Errorf("%w: retrieval keyword_weight must be within [0, 1]", ErrConfiguration)
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("%w: upload max_size must be positive", ErrConfiguration)
	}
	return nil
}

// Validate checks that the overlap is strictly smaller than the window size.
func (c ChunkingConfig) Validate() error {
	if c.Unit != UnitCharacters && c.Unit != UnitWords {
		return fmt.Errorf("%w: chunking unit must be %q or %q, got %q", ErrConfiguration, UnitCharacters, UnitWords, c.Unit)
	}
	if c.Size <= 0 {
		return fmt.Errorf("%w: chunking size must be positive", ErrConfiguration)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("%w: chunking overlap %d must be in [0, %d)", ErrConfiguration, c.Overlap, c.Size)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// AllowsExtension reports whether ext (with or without leading dot) may be uploaded.
func (u *UploadConfig) AllowsExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, e := range u.AllowedExtensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
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
