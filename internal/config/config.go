package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"lorebase"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"lorebase"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Pipeline
	RunWorkers        int `envconfig:"RUN_WORKERS" default:"4"`
	RunsPerOwner      int `envconfig:"RUNS_PER_OWNER" default:"2"`
	EmbedBatchSize    int `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbedConcurrency  int `envconfig:"EMBED_CONCURRENCY" default:"2"`
	UpsertBatchSize   int `envconfig:"UPSERT_BATCH_SIZE" default:"500"`
	FetchTimeoutSecs  int `envconfig:"FETCH_TIMEOUT_SECONDS" default:"30"`
	EmbedTimeoutSecs  int `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	SweepIntervalSecs int `envconfig:"SWEEP_INTERVAL_SECONDS" default:"300"`
	RunRetentionHours int `envconfig:"RUN_RETENTION_HOURS" default:"72"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may also come from the shell, so a missing .env is fine.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.RunWorkers <= 0 {
		return fmt.Errorf("%w: RUN_WORKERS must be positive", ErrMissingRequired)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("%w: EMBED_BATCH_SIZE must be positive", ErrMissingRequired)
	}
	return nil
}
