package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Vector     VectorConfig     `json:"vector"`
	Graph      GraphConfig      `json:"graph"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	LLM        LLMConfig        `json:"llm"`
	Queue      QueueConfig      `json:"queue"`
	Retry      RetryConfig      `json:"retry"`
	DLQ        DLQConfig        `json:"dlq"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
	// MaxContentBytes caps ingest payload size; requests beyond it get 413.
	MaxContentBytes int `json:"max_content_bytes"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

// RedisConfig holds configuration for the cache store and the queue substrate
type RedisConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	PoolSize       int    `json:"pool_size"`
	CacheTTL       int    `json:"cache_ttl"`       // seconds
	IdempotencyTTL int    `json:"idempotency_ttl"` // seconds, dedup window for content-hash keys
	EmbeddingTTL   int    `json:"embedding_ttl"`   // seconds, embedding cache entries
	EnableCache    bool   `json:"enable_cache"`
	EventChannel   string `json:"event_channel"`
}

// VectorConfig holds configuration for the vector index API
type VectorConfig struct {
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	Timeout           int    `json:"timeout"`
	Dimension         int    `json:"dimension"`
	Distance          string `json:"distance"`
	IndexingThreshold int    `json:"indexing_threshold"`
}

// GraphConfig holds configuration for the property-graph API (Neo4j behind HTTP)
type GraphConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	Timeout     int    `json:"timeout"`
	MaxSessions int    `json:"max_sessions"`
}

// EmbeddingsConfig holds configuration for the embedding/rerank provider
type EmbeddingsConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Timeout        int    `json:"timeout"`
	Model          string `json:"model"`
	RerankModel    string `json:"rerank_model"`
	MaxRetries     int    `json:"max_retries"`
	BreakerTimeout int    `json:"breaker_timeout"` // seconds the breaker stays open
}

// LLMConfig holds configuration for the LLM capability used by triage and extraction
type LLMConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Timeout    int    `json:"timeout"`
	Model      string `json:"model"`
	MaxRetries int    `json:"max_retries"`
	Enabled    bool   `json:"enabled"`
}

// QueueConfig holds configuration for the enrichment queue and worker pool
type QueueConfig struct {
	Name            string  `json:"name"`
	Concurrency     int     `json:"concurrency"`
	RatePerSecond   float64 `json:"rate_per_second"`
	MaxAttempts     int     `json:"max_attempts"`
	BackoffBaseMs   int     `json:"backoff_base_ms"`
	LockTimeout     int     `json:"lock_timeout"`     // seconds a job stays invisible while active
	StalledInterval int     `json:"stalled_interval"` // seconds between stalled-job sweeps
	KeepCompleted   int     `json:"keep_completed"`   // retention cap for completed jobs
	KeepFailed      int     `json:"keep_failed"`      // retention cap for failed jobs
	MaxDepth        int     `json:"max_depth"`        // refuse enqueues beyond this depth
}

// RetryConfig holds the global retry budget limits
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	MaxDurationSec int `json:"max_duration_sec"`
}

// DLQConfig holds configuration for the dead-letter queue processor
type DLQConfig struct {
	PollInterval      int      `json:"poll_interval"` // seconds
	BatchSize         int      `json:"batch_size"`
	AutoRetry         bool     `json:"auto_retry"`
	TransientPatterns []string `json:"transient_patterns"`
	ArchiveAfterDays  int      `json:"archive_after_days"`
}

// ReconcilerConfig selects the authoritative-source strategy for task state
type ReconcilerConfig struct {
	Strategy string `json:"strategy"` // repository-first | memory-first | version-based | status-based
}

// RetrievalConfig holds defaults for the hybrid retrieval engine
type RetrievalConfig struct {
	DeadlineSec    int     `json:"deadline_sec"`
	VectorWeight   float64 `json:"vector_weight"`
	FTSWeight      float64 `json:"fts_weight"`
	MetadataWeight float64 `json:"metadata_weight"`
	GraphHops      int     `json:"graph_hops"`
	MaxRerank      int     `json:"max_rerank"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:    getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:     getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			MaxContentBytes: getEnvAsInt("SERVER_MAX_CONTENT_BYTES", 100*1024),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "graphrag"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "graphrag"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnvAsInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			PoolSize:       getEnvAsInt("REDIS_POOL_SIZE", 20),
			CacheTTL:       getEnvAsInt("REDIS_CACHE_TTL", 1800),
			IdempotencyTTL: getEnvAsInt("REDIS_IDEMPOTENCY_TTL", 300),
			EmbeddingTTL:   getEnvAsInt("REDIS_EMBEDDING_TTL", 86400),
			EnableCache:    getEnvAsBool("REDIS_ENABLE_CACHE", true),
			EventChannel:   getEnv("REDIS_EVENT_CHANNEL", "graphrag:events"),
		},
		Vector: VectorConfig{
			BaseURL:           getEnv("VECTOR_BASE_URL", "http://localhost:6333"),
			APIKey:            getEnv("VECTOR_API_KEY", ""),
			Timeout:           getEnvAsInt("VECTOR_TIMEOUT", 30),
			Dimension:         getEnvAsInt("VECTOR_DIMENSION", 1024),
			Distance:          getEnv("VECTOR_DISTANCE", "cosine"),
			IndexingThreshold: getEnvAsInt("VECTOR_INDEXING_THRESHOLD", 100),
		},
		Graph: GraphConfig{
			BaseURL:     getEnv("GRAPH_BASE_URL", "http://localhost:7474"),
			APIKey:      getEnv("GRAPH_API_KEY", ""),
			Timeout:     getEnvAsInt("GRAPH_TIMEOUT", 30),
			MaxSessions: getEnvAsInt("GRAPH_MAX_SESSIONS", 50),
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:        getEnv("EMBEDDINGS_BASE_URL", "http://localhost:8000"),
			APIKey:         getEnv("EMBEDDINGS_API_KEY", ""),
			Timeout:        getEnvAsInt("EMBEDDINGS_TIMEOUT", 15),
			Model:          getEnv("EMBEDDINGS_MODEL", "bge-large-en-v1.5"),
			RerankModel:    getEnv("EMBEDDINGS_RERANK_MODEL", "bge-reranker-v2-m3"),
			MaxRetries:     getEnvAsInt("EMBEDDINGS_MAX_RETRIES", 2),
			BreakerTimeout: getEnvAsInt("EMBEDDINGS_BREAKER_TIMEOUT", 30),
		},
		LLM: LLMConfig{
			BaseURL:    getEnv("LLM_BASE_URL", "http://localhost:8081"),
			APIKey:     getEnv("LLM_API_KEY", ""),
			Timeout:    getEnvAsInt("LLM_TIMEOUT", 60),
			Model:      getEnv("LLM_MODEL", "gpt-4o-mini"),
			MaxRetries: getEnvAsInt("LLM_MAX_RETRIES", 2),
			Enabled:    getEnvAsBool("LLM_ENABLED", true),
		},
		Queue: QueueConfig{
			Name:            getEnv("QUEUE_NAME", "enrichment"),
			Concurrency:     getEnvAsInt("QUEUE_CONCURRENCY", 5),
			RatePerSecond:   getEnvAsFloat("QUEUE_RATE_PER_SECOND", 10),
			MaxAttempts:     getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBaseMs:   getEnvAsInt("QUEUE_BACKOFF_BASE_MS", 1000),
			LockTimeout:     getEnvAsInt("QUEUE_LOCK_TIMEOUT", 60),
			StalledInterval: getEnvAsInt("QUEUE_STALLED_INTERVAL", 30),
			KeepCompleted:   getEnvAsInt("QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:      getEnvAsInt("QUEUE_KEEP_FAILED", 500),
			MaxDepth:        getEnvAsInt("QUEUE_MAX_DEPTH", 10000),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 10),
			MaxDurationSec: getEnvAsInt("RETRY_MAX_DURATION_SEC", 300),
		},
		DLQ: DLQConfig{
			PollInterval:      getEnvAsInt("DLQ_POLL_INTERVAL", 60),
			BatchSize:         getEnvAsInt("DLQ_BATCH_SIZE", 10),
			AutoRetry:         getEnvAsBool("DLQ_AUTO_RETRY", true),
			TransientPatterns: getEnvAsSlice("DLQ_TRANSIENT_PATTERNS", []string{"timeout", "network", "connection"}),
			ArchiveAfterDays:  getEnvAsInt("DLQ_ARCHIVE_AFTER_DAYS", 30),
		},
		Reconciler: ReconcilerConfig{
			Strategy: getEnv("RECONCILER_STRATEGY", "version-based"),
		},
		Retrieval: RetrievalConfig{
			DeadlineSec:    getEnvAsInt("RETRIEVAL_DEADLINE_SEC", 30),
			VectorWeight:   getEnvAsFloat("RETRIEVAL_VECTOR_WEIGHT", 0.55),
			FTSWeight:      getEnvAsFloat("RETRIEVAL_FTS_WEIGHT", 0.30),
			MetadataWeight: getEnvAsFloat("RETRIEVAL_METADATA_WEIGHT", 0.15),
			GraphHops:      getEnvAsInt("RETRIEVAL_GRAPH_HOPS", 2),
			MaxRerank:      getEnvAsInt("RETRIEVAL_MAX_RERANK", 50),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) QueueLockTimeout() time.Duration {
	return time.Duration(c.Queue.LockTimeout) * time.Second
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Embeddings.APIKey == "" && !strings.Contains(config.Embeddings.BaseURL, "localhost") {
		return fmt.Errorf("embedding API key is required for non-local providers (EMBEDDINGS_API_KEY)")
	}

	if config.Vector.Dimension <= 0 {
		return fmt.Errorf("vector dimension must be positive (VECTOR_DIMENSION)")
	}

	switch config.Reconciler.Strategy {
	case "repository-first", "memory-first", "version-based", "status-based":
	default:
		return fmt.Errorf("unknown reconciler strategy %q (RECONCILER_STRATEGY)", config.Reconciler.Strategy)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
