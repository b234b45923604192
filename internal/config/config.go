package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the curio server and CLI.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AI          AIConfig          `mapstructure:"ai"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Qdrant      QdrantConfig      `mapstructure:"qdrant"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	ImageSearch ImageSearchConfig `mapstructure:"image_search"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"gt=0,lt=65536"`
	Env      string `mapstructure:"env"       validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type AIConfig struct {
	Provider         string        `mapstructure:"provider"          validate:"required,oneof=ollama vllm openai gemini"`
	InferenceTimeout time.Duration `mapstructure:"inference_timeout" validate:"gt=0"`
	// RateLimitPerMinute caps provider calls across all instances. Zero disables it.
	RateLimitPerMinute int          `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	EmbedConcurrency   int          `mapstructure:"embed_concurrency"     validate:"gte=1"`
	Ollama             OllamaConfig `mapstructure:"ollama"`
	VLLM               VLLMConfig   `mapstructure:"vllm"`
	OpenAI             OpenAIConfig `mapstructure:"openai"`
	Gemini             GeminiConfig `mapstructure:"gemini"`
}

type OllamaConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
}

type VLLMConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
}

type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
}

type GeminiConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
}

// NATSConfig enables the change-event consumer and event publishing when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Durable string `mapstructure:"durable"`
}

// QdrantConfig selects Qdrant as the vector backend when Addr is set.
type QdrantConfig struct {
	Addr             string `mapstructure:"addr"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
}

// ArchiveConfig enables raw generation output archiving when Endpoint is set.
type ArchiveConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type ImageSearchConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"   validate:"gt=0"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

type JobsConfig struct {
	GenerationConcurrency       int           `mapstructure:"generation_concurrency"        validate:"gte=1"`
	ProductEmbeddingConcurrency int           `mapstructure:"product_embedding_concurrency" validate:"gte=1"`
	EnrichmentConcurrency       int           `mapstructure:"enrichment_concurrency"        validate:"gte=1"`
	ProfileEmbeddingConcurrency int           `mapstructure:"profile_embedding_concurrency" validate:"gte=1"`
	ReminderConcurrency         int           `mapstructure:"reminder_concurrency"          validate:"gte=1"`
	PollInterval                time.Duration `mapstructure:"poll_interval"                 validate:"gt=0"`
	LeaseDuration               time.Duration `mapstructure:"lease_duration"                validate:"gt=0"`
	Surfaces                    []string      `mapstructure:"surfaces"                      validate:"min=1,dive,required"`
	CollectionsCount            int           `mapstructure:"collections_count"             validate:"gte=1,lte=20"`
	ProductsPerCollection       int           `mapstructure:"products_per_collection"       validate:"gte=1,lte=50"`
	// DailyAt is the HH:MM local time of the daily collection run.
	DailyAt              string        `mapstructure:"daily_at"               validate:"required"`
	Timezone             string        `mapstructure:"timezone"               validate:"required"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"       validate:"gt=0"`
	ReminderPollInterval time.Duration `mapstructure:"reminder_poll_interval" validate:"gt=0"`
	ReminderBatch        int           `mapstructure:"reminder_batch"         validate:"gte=1"`
	EnrichmentVersion    int           `mapstructure:"enrichment_version"     validate:"gte=1"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"server.port":      "CURIO_PORT",
	"server.env":       "CURIO_ENV",
	"server.log_level": "CURIO_LOG_LEVEL",

	"database.url":               "DATABASE_URL",
	"database.max_open_conns":    "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":    "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime": "DATABASE_CONN_MAX_LIFETIME",
	"database.migrations_dir":    "MIGRATIONS_DIR",

	"redis.url": "REDIS_URL",

	"ai.provider":              "AI_PROVIDER",
	"ai.inference_timeout":     "AI_INFERENCE_TIMEOUT",
	"ai.rate_limit_per_minute": "AI_RATE_LIMIT_PER_MINUTE",
	"ai.embed_concurrency":     "AI_EMBED_CONCURRENCY",
	"ai.ollama.base_url":       "OLLAMA_BASE_URL",
	"ai.ollama.model":          "OLLAMA_MODEL",
	"ai.ollama.embed_model":    "OLLAMA_EMBED_MODEL",
	"ai.vllm.base_url":         "VLLM_BASE_URL",
	"ai.vllm.model":            "VLLM_MODEL",
	"ai.vllm.embed_model":      "VLLM_EMBED_MODEL",
	"ai.openai.api_key":        "OPENAI_API_KEY",
	"ai.openai.base_url":       "OPENAI_BASE_URL",
	"ai.openai.model":          "OPENAI_MODEL",
	"ai.openai.embed_model":    "OPENAI_EMBED_MODEL",
	"ai.gemini.api_key":        "GEMINI_API_KEY",
	"ai.gemini.model":          "GEMINI_MODEL",
	"ai.gemini.embed_model":    "GEMINI_EMBED_MODEL",

	"nats.url":     "NATS_URL",
	"nats.stream":  "NATS_STREAM",
	"nats.durable": "NATS_DURABLE",

	"qdrant.addr":              "QDRANT_ADDR",
	"qdrant.collection_prefix": "QDRANT_COLLECTION_PREFIX",

	"archive.endpoint":   "MINIO_ENDPOINT",
	"archive.access_key": "MINIO_ACCESS_KEY",
	"archive.secret_key": "MINIO_SECRET_KEY",
	"archive.bucket":     "MINIO_BUCKET",
	"archive.use_ssl":    "MINIO_USE_SSL",

	"image_search.base_url":  "IMAGE_SEARCH_BASE_URL",
	"image_search.api_key":   "IMAGE_SEARCH_API_KEY",
	"image_search.timeout":   "IMAGE_SEARCH_TIMEOUT",
	"image_search.cache_ttl": "IMAGE_SEARCH_CACHE_TTL",

	"jobs.generation_concurrency":        "JOBS_GENERATION_CONCURRENCY",
	"jobs.product_embedding_concurrency": "JOBS_PRODUCT_EMBEDDING_CONCURRENCY",
	"jobs.enrichment_concurrency":        "JOBS_ENRICHMENT_CONCURRENCY",
	"jobs.profile_embedding_concurrency": "JOBS_PROFILE_EMBEDDING_CONCURRENCY",
	"jobs.reminder_concurrency":          "JOBS_REMINDER_CONCURRENCY",
	"jobs.poll_interval":                 "JOBS_POLL_INTERVAL",
	"jobs.lease_duration":                "JOBS_LEASE_DURATION",
	"jobs.surfaces":                      "JOBS_SURFACES",
	"jobs.collections_count":             "JOBS_COLLECTIONS_COUNT",
	"jobs.products_per_collection":       "JOBS_PRODUCTS_PER_COLLECTION",
	"jobs.daily_at":                      "JOBS_DAILY_AT",
	"jobs.timezone":                      "JOBS_TIMEZONE",
	"jobs.cleanup_interval":              "JOBS_CLEANUP_INTERVAL",
	"jobs.reminder_poll_interval":        "JOBS_REMINDER_POLL_INTERVAL",
	"jobs.reminder_batch":                "JOBS_REMINDER_BATCH",
	"jobs.enrichment_version":            "JOBS_ENRICHMENT_VERSION",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_dir", "migrations")

	v.SetDefault("redis.url", "")

	v.SetDefault("ai.provider", "")
	v.SetDefault("ai.inference_timeout", 60*time.Second)
	v.SetDefault("ai.rate_limit_per_minute", 0)
	v.SetDefault("ai.embed_concurrency", 4)
	v.SetDefault("ai.ollama.base_url", "http://localhost:11434")
	v.SetDefault("ai.ollama.model", "llama3")
	v.SetDefault("ai.ollama.embed_model", "nomic-embed-text")
	v.SetDefault("ai.vllm.base_url", "http://localhost:8000")
	v.SetDefault("ai.vllm.model", "")
	v.SetDefault("ai.vllm.embed_model", "")
	v.SetDefault("ai.openai.api_key", "")
	v.SetDefault("ai.openai.base_url", "")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.openai.embed_model", "text-embedding-3-small")
	v.SetDefault("ai.gemini.api_key", "")
	v.SetDefault("ai.gemini.model", "gemini-2.0-flash")
	v.SetDefault("ai.gemini.embed_model", "text-embedding-004")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "CATALOG")
	v.SetDefault("nats.durable", "curio-ingest")

	v.SetDefault("qdrant.addr", "")
	v.SetDefault("qdrant.collection_prefix", "curio_")

	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "curio-generations")
	v.SetDefault("archive.use_ssl", false)

	v.SetDefault("image_search.base_url", "")
	v.SetDefault("image_search.api_key", "")
	v.SetDefault("image_search.timeout", 10*time.Second)
	v.SetDefault("image_search.cache_ttl", 24*time.Hour)

	v.SetDefault("jobs.generation_concurrency", 1)
	v.SetDefault("jobs.product_embedding_concurrency", 8)
	v.SetDefault("jobs.enrichment_concurrency", 5)
	v.SetDefault("jobs.profile_embedding_concurrency", 5)
	v.SetDefault("jobs.reminder_concurrency", 10)
	v.SetDefault("jobs.poll_interval", 500*time.Millisecond)
	v.SetDefault("jobs.lease_duration", 5*time.Minute)
	v.SetDefault("jobs.surfaces", []string{"home"})
	v.SetDefault("jobs.collections_count", 5)
	v.SetDefault("jobs.products_per_collection", 12)
	v.SetDefault("jobs.daily_at", "03:00")
	v.SetDefault("jobs.timezone", "UTC")
	v.SetDefault("jobs.cleanup_interval", time.Hour)
	v.SetDefault("jobs.reminder_poll_interval", time.Minute)
	v.SetDefault("jobs.reminder_batch", 100)
	v.SetDefault("jobs.enrichment_version", 1)
}

// Load reads configuration from environment variables, and from the file
// named by CURIO_CONFIG_FILE when set, and returns a validated Config.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	_ = v.BindEnv("config_file", "CURIO_CONFIG_FILE")
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves the configured scheduler timezone.
func (j JobsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(j.Timezone)
}

func (c *Config) validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "gemini" && c.AI.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_PROVIDER is gemini")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}

	for _, u := range []struct{ env, val string }{
		{"OLLAMA_BASE_URL", c.AI.Ollama.BaseURL},
		{"VLLM_BASE_URL", c.AI.VLLM.BaseURL},
		{"OPENAI_BASE_URL", c.AI.OpenAI.BaseURL},
		{"IMAGE_SEARCH_BASE_URL", c.ImageSearch.BaseURL},
	} {
		if u.val != "" && !strings.HasPrefix(u.val, "http://") && !strings.HasPrefix(u.val, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", u.env, u.val)
		}
	}

	if c.Archive.Endpoint != "" && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	if _, err := time.Parse("15:04", c.Jobs.DailyAt); err != nil {
		return fmt.Errorf("JOBS_DAILY_AT must be HH:MM, got %q", c.Jobs.DailyAt)
	}
	if _, err := c.Jobs.Location(); err != nil {
		return fmt.Errorf("JOBS_TIMEZONE is not a known location: %q", c.Jobs.Timezone)
	}
	return nil
}

// fieldError reports a validation failure under the environment variable
// that sets the field.
func fieldError(fe validator.FieldError) error {
	key := fe.Namespace()
	key = key[strings.IndexByte(key, '.')+1:]
	if i := strings.IndexByte(key, '['); i >= 0 {
		key = key[:i]
	}
	name := key
	if env, ok := envBindings[key]; ok {
		name = env
	}
	if fe.Tag() == "required" {
		return fmt.Errorf("%s is required", name)
	}
	return fmt.Errorf("%s is invalid (%s=%s), got %v", name, fe.Tag(), fe.Param(), fe.Value())
}
