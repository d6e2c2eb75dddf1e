// Package config loads service configuration from defaults, an optional file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every nested key when read from the environment,
// e.g. RETRIEVER_CRAWLER_CONCURRENCY.
const EnvPrefix = "RETRIEVER"

// Config captures all configuration knobs.
type Config struct {
	Server        ServerConfig  `mapstructure:"server"`
	Log           LogConfig     `mapstructure:"log"`
	Qdrant        QdrantConfig  `mapstructure:"qdrant"`
	OpenAI        OpenAIConfig  `mapstructure:"openai"`
	Chunker       ChunkerConfig `mapstructure:"chunker"`
	Crawler       CrawlerConfig `mapstructure:"crawler"`
	Worker        WorkerConfig  `mapstructure:"worker"`
	Tasks         TasksConfig   `mapstructure:"tasks"`
	Sites         SitesConfig   `mapstructure:"sites"`
	RAG           RAGConfig     `mapstructure:"rag"`
	PubSub        PubSubConfig  `mapstructure:"pubsub"`
	Archive       ArchiveConfig `mapstructure:"archive"`
	Timezone      string        `mapstructure:"timezone"`
	CrawlSchedule string        `mapstructure:"crawl_schedule"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	MCPStateless bool     `mapstructure:"mcp_stateless"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QdrantConfig locates the vector database.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

// OpenAIConfig configures embeddings and answer generation.
type OpenAIConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	LLMModel       string  `mapstructure:"llm_model"`
	Temperature    float64 `mapstructure:"temperature"`
	BatchSize      int     `mapstructure:"batch_size"`
}

// ChunkerConfig sizes text chunks, in characters.
type ChunkerConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// CrawlerConfig governs traversal and fetching.
type CrawlerConfig struct {
	MaxDepth             int     `mapstructure:"max_depth"`
	Concurrency          int     `mapstructure:"concurrency"`
	Mode                 string  `mapstructure:"mode"`
	UserAgent            string  `mapstructure:"user_agent"`
	RenderTimeoutSeconds int     `mapstructure:"render_timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	Burst                int     `mapstructure:"burst"`
}

// WorkerConfig sizes the process-wide task pool.
type WorkerConfig struct {
	Count            int `mapstructure:"count"`
	ProcessCount     int `mapstructure:"process_count"`
	QueueDepth       int `mapstructure:"queue_depth"`
	MaxRetries       int `mapstructure:"max_retries"`
	RetryBaseSeconds int `mapstructure:"retry_base_seconds"`
	CallTimeoutSecs  int `mapstructure:"call_timeout_seconds"`
}

// TasksConfig selects the task-state backend.
type TasksConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// SitesConfig locates the site registry file.
type SitesConfig struct {
	Path string `mapstructure:"path"`
}

// RAGConfig configures retrieval for answers.
type RAGConfig struct {
	TopK int `mapstructure:"top_k"`
}

// PubSubConfig enables task completion notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig enables raw page snapshots when Bucket is set.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// legacyEnv maps keys to the plain variable names used by existing deployments.
var legacyEnv = map[string]string{
	"openai.api_key":         "OPENAI_API_KEY",
	"openai.embedding_model": "EMBEDDING_MODEL",
	"openai.llm_model":       "LLM_MODEL",
	"openai.temperature":     "LLM_TEMPERATURE",
	"qdrant.host":            "QDRANT_HOST",
	"qdrant.port":            "QDRANT_PORT",
	"qdrant.api_key":         "QDRANT_API_KEY",
	"qdrant.collection":      "QDRANT_COLLECTION_NAME",
	"chunker.size":           "CHUNK_SIZE",
	"chunker.overlap":        "CHUNK_OVERLAP",
	"crawler.max_depth":      "MAX_CRAWL_DEPTH",
	"rag.top_k":              "TOP_K",
	"server.port":            "API_PORT",
	"crawl_schedule":         "CRAWL_SCHEDULE",
}

// Load builds a Config. An empty path skips the config file.
func Load(path string) (Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.mcp_stateless", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "school_documents")
	v.SetDefault("qdrant.use_tls", false)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.llm_model", "gpt-4-turbo-preview")
	v.SetDefault("openai.temperature", 0.0)
	v.SetDefault("openai.batch_size", 500)
	v.SetDefault("chunker.size", 1000)
	v.SetDefault("chunker.overlap", 100)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.mode", "headless")
	v.SetDefault("crawler.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("crawler.render_timeout_seconds", 60)
	v.SetDefault("crawler.requests_per_second", 2.0)
	v.SetDefault("crawler.burst", 2)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.process_count", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_base_seconds", 5)
	v.SetDefault("worker.call_timeout_seconds", 30)
	v.SetDefault("tasks.backend", "memory")
	v.SetDefault("tasks.sqlite_path", "tasks.db")
	v.SetDefault("tasks.postgres_dsn", "")
	v.SetDefault("sites.path", "crawl_sites.json")
	v.SetDefault("rag.top_k", 5)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("timezone", "Asia/Seoul")
	v.SetDefault("crawl_schedule", "0 2 * * *")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Qdrant.Host == "" || c.Qdrant.Port <= 0 {
		return errors.New("qdrant.host and qdrant.port are required")
	}
	if c.Qdrant.Collection == "" {
		return errors.New("qdrant.collection is required")
	}
	if c.Chunker.Size <= 0 {
		return errors.New("chunker.size must be > 0")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return fmt.Errorf("chunker.overlap must be in [0, %d)", c.Chunker.Size)
	}
	if c.Crawler.MaxDepth < 0 {
		return errors.New("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	switch c.Crawler.Mode {
	case "headless", "static":
	default:
		return fmt.Errorf("crawler.mode must be headless or static, got %q", c.Crawler.Mode)
	}
	if c.Worker.Count <= 0 || c.Worker.ProcessCount <= 0 || c.Worker.QueueDepth <= 0 {
		return errors.New("worker.count, worker.process_count and worker.queue_depth must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		return errors.New("worker.max_retries must be >= 0")
	}
	switch c.Tasks.Backend {
	case "memory":
	case "sqlite":
		if c.Tasks.SQLitePath == "" {
			return errors.New("tasks.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Tasks.PostgresDSN == "" {
			return errors.New("tasks.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown tasks.backend %q", c.Tasks.Backend)
	}
	if c.RAG.TopK <= 0 {
		return errors.New("rag.top_k must be > 0")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

// Location returns the reference timezone used for naive timestamps.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RenderTimeout is the upper bound for one page render.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Crawler.RenderTimeoutSeconds) * time.Second
}

// RetryBase is the first delay of the task retry policy.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Worker.RetryBaseSeconds) * time.Second
}

// CallTimeout bounds a single embedding or vector-store call.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Worker.CallTimeoutSecs) * time.Second
}
