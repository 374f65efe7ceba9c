// Package config loads TongueKeeper service configuration from YAML with
// environment variable overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all TongueKeeper configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Reasoning ReasoningConfig `yaml:"reasoning"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Media     MediaConfig     `yaml:"media"`
	Notify    NotifyConfig    `yaml:"notify"`
	Audio     AudioConfig     `yaml:"audio"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ReasoningConfig configures the LLM client.
type ReasoningConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	Timeout         string `yaml:"timeout"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// EmbeddingConfig configures the embedding engine used for semantic search.
type EmbeddingConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// CrawlerConfig configures the crawl service.
type CrawlerConfig struct {
	Headless            bool   `yaml:"headless"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	FetchTimeout        string `yaml:"fetch_timeout"`
	MaxContentBytes     int    `yaml:"max_content_bytes"`
	UserAgent           string `yaml:"user_agent"`
	// RenderFallback retries a page in the headless browser when the
	// plain fetch yields no readable text.
	RenderFallback bool `yaml:"render_fallback"`
}

// PipelineConfig configures run orchestration.
type PipelineConfig struct {
	MaxSourcesPerRun int    `yaml:"max_sources_per_run"`
	MergeBatchSize   int    `yaml:"merge_batch_size"`
	MergeMaxTurns    int    `yaml:"merge_max_turns"`
	EnrichmentBudget int    `yaml:"enrichment_budget"`
	CulturalBudget   int    `yaml:"cultural_budget"`
	SeedCatalogPath  string `yaml:"seed_catalog_path"`
}

// MediaConfig configures the S3-compatible object store.
type MediaConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	PublicURL string `yaml:"public_url"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Timeout   string `yaml:"timeout"`
}

// NotifyConfig configures the completion webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

// AudioConfig configures the pronunciation synthesis endpoint.
type AudioConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"`
	MaxClips int    `yaml:"max_clips"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Per-route rate limits, requests per minute.
	PreserveRPM int `yaml:"preserve_rpm"`
	IngestRPM   int `yaml:"ingest_rpm"`
	PollRPM     int `yaml:"poll_rpm"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name:    "tonguekeeper",
		Version: "1.0.0",
		Reasoning: ReasoningConfig{
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Model:           "gemini-2.5-flash",
			Timeout:         "2m",
			MaxOutputTokens: 8192,
		},
		Embedding: EmbeddingConfig{
			Model: "text-embedding-004",
		},
		Store: StoreConfig{
			DatabasePath: ".tonguekeeper/records.db",
		},
		Crawler: CrawlerConfig{
			Headless:            true,
			NavigationTimeoutMs: 30000,
			FetchTimeout:        "60s",
			MaxContentBytes:     2 << 20,
			UserAgent:           "Mozilla/5.0 (compatible; TongueKeeper/1.0)",
			RenderFallback:      true,
		},
		Pipeline: PipelineConfig{
			MaxSourcesPerRun: 12,
			MergeBatchSize:   50,
			MergeMaxTurns:    4,
			EnrichmentBudget: 10,
			CulturalBudget:   6,
			SeedCatalogPath:  ".tonguekeeper/seeds.yaml",
		},
		Media: MediaConfig{
			Timeout: "30s",
		},
		Notify: NotifyConfig{
			Timeout: "10s",
		},
		Audio: AudioConfig{
			Timeout:  "5m",
			MaxClips: 20,
		},
		Server: ServerConfig{
			Addr:        ":3001",
			PreserveRPM: 3,
			IngestRPM:   120,
			PollRPM:     60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (when it exists), applies env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides pulls secrets and deployment knobs from the
// environment. Env always wins over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TONGUEKEEPER_GEMINI_API_KEY"); v != "" {
		c.Reasoning.APIKey = v
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("TONGUEKEEPER_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("TONGUEKEEPER_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("TONGUEKEEPER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TONGUEKEEPER_MEDIA_ENDPOINT"); v != "" {
		c.Media.Endpoint = v
	}
	if v := os.Getenv("TONGUEKEEPER_MEDIA_ACCESS_KEY"); v != "" {
		c.Media.AccessKey = v
	}
	if v := os.Getenv("TONGUEKEEPER_MEDIA_SECRET_KEY"); v != "" {
		c.Media.SecretKey = v
	}
	if v := os.Getenv("TONGUEKEEPER_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("TONGUEKEEPER_AUDIO_ENDPOINT"); v != "" {
		c.Audio.Endpoint = v
	}
	if v := os.Getenv("TONGUEKEEPER_AUDIO_API_KEY"); v != "" {
		c.Audio.APIKey = v
	}
	if v := os.Getenv("TONGUEKEEPER_MAX_SOURCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxSourcesPerRun = n
		}
	}
	if v := os.Getenv("TONGUEKEEPER_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// ReasoningTimeout returns the reasoning call timeout.
func (c *Config) ReasoningTimeout() time.Duration {
	return parseDuration(c.Reasoning.Timeout, 2*time.Minute)
}

// FetchTimeout returns the plain-HTTP crawl timeout.
func (c *CrawlerConfig) FetchTimeoutDuration() time.Duration {
	return parseDuration(c.FetchTimeout, 60*time.Second)
}

// NavigationTimeout returns the rod navigation timeout.
func (c *CrawlerConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// MediaTimeout returns the object store upload timeout.
func (c *Config) MediaTimeout() time.Duration {
	return parseDuration(c.Media.Timeout, 30*time.Second)
}

// NotifyTimeout returns the webhook delivery timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return parseDuration(c.Notify.Timeout, 10*time.Second)
}

// AudioTimeout returns the synthesis endpoint timeout.
func (c *Config) AudioTimeout() time.Duration {
	return parseDuration(c.Audio.Timeout, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
