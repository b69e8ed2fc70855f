// Package config loads service configuration from environment variables and
// an optional YAML file via viper. Every key has a sensible default so a
// local stack starts with no configuration at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration shared by all binaries
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Bus       BusConfig       `mapstructure:"bus"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	RAG       RAGConfig       `mapstructure:"rag"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// GatewayConfig configures the edge gateway
type GatewayConfig struct {
	ListenAddr               string            `mapstructure:"listen_addr"`
	MaxBodyBytes             int64             `mapstructure:"max_body_bytes"`
	Backends                 map[string]string `mapstructure:"backends"`
	PublicPrefixes           []string          `mapstructure:"public_prefixes"`
	CORSOrigins              []string          `mapstructure:"cors_origins"`
	IPAllowList              []string          `mapstructure:"ip_allow_list"`
	IPDenyList               []string          `mapstructure:"ip_deny_list"`
	TLSCertFile              string            `mapstructure:"tls_cert_file"`
	TLSKeyFile               string            `mapstructure:"tls_key_file"`
	BreakerFailureThreshold  uint32            `mapstructure:"breaker_failure_threshold"`
	BreakerObservationWindow time.Duration     `mapstructure:"breaker_observation_window"`
	BreakerOpenDuration      time.Duration     `mapstructure:"breaker_open_duration"`
}

// ServerConfig configures the API server
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig configures the relational store
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the shared KV store
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// BlobConfig configures original-document storage
type BlobConfig struct {
	// Provider is "s3" or "local"
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	// Root is the directory used by the local provider
	Root string `mapstructure:"root"`
}

// BusConfig configures the event bus
type BusConfig struct {
	// Provider is "redis" or "sqs"
	Provider      string `mapstructure:"provider"`
	StreamPrefix  string `mapstructure:"stream_prefix"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	Prefetch      int64  `mapstructure:"prefetch"`
	// QueueURLPrefix is used by the SQS provider
	QueueURLPrefix string `mapstructure:"queue_url_prefix"`
	Region         string `mapstructure:"region"`
}

// SigningKey is one entry in the token signing key set. Previous keys stay
// in the set for verification during rotation.
type SigningKey struct {
	KeyID  string `mapstructure:"key_id"`
	Secret string `mapstructure:"secret"`
}

// AuthConfig configures the identity and token service
type AuthConfig struct {
	SigningKeys       []SigningKey  `mapstructure:"signing_keys"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
	MinPasswordLength int           `mapstructure:"min_password_length"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
}

// IngestionConfig configures the upload and processing pipeline
type IngestionConfig struct {
	MaxFileSize       int64         `mapstructure:"max_file_size"`
	MinTextChars      int           `mapstructure:"min_text_chars"`
	IndexingTimeout   time.Duration `mapstructure:"indexing_timeout"`
	ProcessingWorkers int           `mapstructure:"processing_workers"`
	DefaultChunkSize  int           `mapstructure:"default_chunk_size"`
	DefaultOverlap    int           `mapstructure:"default_overlap"`
	DefaultStrategy   string        `mapstructure:"default_strategy"`
}

// EmbeddingConfig configures the embedding service
type EmbeddingConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
}

// RAGConfig configures the retrieval orchestrator
type RAGConfig struct {
	Model                string        `mapstructure:"model"`
	FallbackModel        string        `mapstructure:"fallback_model"`
	APIKey               string        `mapstructure:"api_key"`
	BaseURL              string        `mapstructure:"base_url"`
	DefaultTopK          int           `mapstructure:"default_top_k"`
	MaxQueryLength       int           `mapstructure:"max_query_length"`
	ContextTokenBudget   int           `mapstructure:"context_token_budget"`
	RelevanceFloor       float64       `mapstructure:"relevance_floor"`
	ResponseCacheTTL     time.Duration `mapstructure:"response_cache_ttl"`
	ConversationIdleTTL  time.Duration `mapstructure:"conversation_idle_ttl"`
	SummaryTurnThreshold int           `mapstructure:"summary_turn_threshold"`
	MaxTokens            int           `mapstructure:"max_tokens"`
	PrimaryFailThreshold uint32        `mapstructure:"primary_fail_threshold"`
}

// BucketConfig is a token bucket definition for one rate-limit scope
type BucketConfig struct {
	Capacity     int64   `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// RateLimitConfig is the hierarchical rate-limit table
type RateLimitConfig struct {
	Global   BucketConfig `mapstructure:"global"`
	Tenant   BucketConfig `mapstructure:"tenant"`
	User     BucketConfig `mapstructure:"user"`
	Endpoint BucketConfig `mapstructure:"endpoint"`
	IP       BucketConfig `mapstructure:"ip"`
}

// Load reads configuration from CONTEXTMESH_* environment variables and an
// optional config file named by CONFIG_PATH.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTEXTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_path"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Auth.SigningKeys) == 0 {
		if secret := v.GetString("auth.signing_secret"); secret != "" {
			cfg.Auth.SigningKeys = []SigningKey{{KeyID: "k1", Secret: secret}}
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("gateway.max_body_bytes", int64(32<<20))
	v.SetDefault("gateway.backends", map[string]string{
		"/api/v1": "http://localhost:8081",
	})
	v.SetDefault("gateway.public_prefixes", []string{"/api/v1/auth/", "/health"})
	v.SetDefault("gateway.breaker_failure_threshold", 5)
	v.SetDefault("gateway.breaker_observation_window", 30*time.Second)
	v.SetDefault("gateway.breaker_open_duration", 15*time.Second)

	v.SetDefault("server.listen_addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("database.url", "postgres://localhost:5432/contextmesh?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("blob.provider", "local")
	v.SetDefault("blob.root", "/var/lib/contextmesh/blobs")
	v.SetDefault("blob.bucket", "contextmesh-documents")
	v.SetDefault("blob.region", "us-east-1")

	v.SetDefault("bus.provider", "redis")
	v.SetDefault("bus.stream_prefix", "contextmesh")
	v.SetDefault("bus.consumer_group", "contextmesh-workers")
	v.SetDefault("bus.max_attempts", 5)
	v.SetDefault("bus.prefetch", 16)

	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("auth.min_password_length", 12)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("ingestion.max_file_size", int64(64<<20))
	v.SetDefault("ingestion.min_text_chars", 20)
	v.SetDefault("ingestion.indexing_timeout", 10*time.Minute)
	v.SetDefault("ingestion.processing_workers", 4)
	v.SetDefault("ingestion.default_chunk_size", 512)
	v.SetDefault("ingestion.default_overlap", 50)
	v.SetDefault("ingestion.default_strategy", "sentence")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.max_batch", 32)
	v.SetDefault("embedding.max_wait", 200*time.Millisecond)
	v.SetDefault("embedding.max_attempts", 5)
	v.SetDefault("embedding.cache_ttl", 24*time.Hour)
	v.SetDefault("embedding.max_in_flight", 8)

	v.SetDefault("rag.model", "gpt-4o-mini")
	v.SetDefault("rag.default_top_k", 5)
	v.SetDefault("rag.max_query_length", 4096)
	v.SetDefault("rag.context_token_budget", 3000)
	v.SetDefault("rag.relevance_floor", 0.3)
	v.SetDefault("rag.response_cache_ttl", 5*time.Minute)
	v.SetDefault("rag.conversation_idle_ttl", 24*time.Hour)
	v.SetDefault("rag.summary_turn_threshold", 12)
	v.SetDefault("rag.max_tokens", 1024)
	v.SetDefault("rag.primary_fail_threshold", 3)

	v.SetDefault("rate_limit.global.capacity", 1000)
	v.SetDefault("rate_limit.global.refill_per_sec", 500.0)
	v.SetDefault("rate_limit.tenant.capacity", 200)
	v.SetDefault("rate_limit.tenant.refill_per_sec", 100.0)
	v.SetDefault("rate_limit.user.capacity", 60)
	v.SetDefault("rate_limit.user.refill_per_sec", 30.0)
	v.SetDefault("rate_limit.endpoint.capacity", 120)
	v.SetDefault("rate_limit.endpoint.refill_per_sec", 60.0)
	v.SetDefault("rate_limit.ip.capacity", 100)
	v.SetDefault("rate_limit.ip.refill_per_sec", 50.0)
}
