// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for the
// index, feedback log, CTR model, storage backends, and client libraries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Feedback FeedbackConfig `yaml:"feedback"`
	Model    ModelConfig    `yaml:"model"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StorageConfig selects the persistence backend for index, feedback, and
// model state. Backend is one of "file", "badger", or "postgres".
type StorageConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"inMemory"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings for the feedback event
// stream.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Impressions string `yaml:"impressions"`
	Clicks      string `yaml:"clicks"`
}

// RedisConfig holds Redis connection and retrieval-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexConfig controls where the index snapshot lives and how summaries
// are cut and highlighted.
type IndexConfig struct {
	SnapshotKey   string `yaml:"snapshotKey"`
	SummaryRunes  int    `yaml:"summaryRunes"`
	ContextRunes  int    `yaml:"contextRunes"`
	HighlightPre  string `yaml:"highlightPre"`
	HighlightPost string `yaml:"highlightPost"`
}

// SearchConfig controls candidate and result list sizes.
type SearchConfig struct {
	RetrieveK int `yaml:"retrieveK"`
	RankK     int `yaml:"rankK"`
}

// FeedbackConfig controls the impression log.
type FeedbackConfig struct {
	LogKey      string `yaml:"logKey"`
	EventBuffer int    `yaml:"eventBuffer"`
}

// ModelConfig controls CTR model training.
type ModelConfig struct {
	SnapshotKey  string  `yaml:"snapshotKey"`
	MinSamples   int     `yaml:"minSamples"`
	TestFraction float64 `yaml:"testFraction"`
	Seed         uint64  `yaml:"seed"`
	LearningRate float64 `yaml:"learningRate"`
	Iterations   int     `yaml:"iterations"`
	L2           float64 `yaml:"l2"`
	TrainWorkers int     `yaml:"trainWorkers"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config suitable for local use with the file store.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "data",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ctrsearch",
			User:            "ctrsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "ctrsearch-group",
			Topics: KafkaTopics{
				Impressions: "ctr.impressions",
				Clicks:      "ctr.clicks",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Index: IndexConfig{
			SnapshotKey:   "index",
			SummaryRunes:  120,
			ContextRunes:  30,
			HighlightPre:  "<mark>",
			HighlightPost: "</mark>",
		},
		Search: SearchConfig{
			RetrieveK: 20,
			RankK:     10,
		},
		Feedback: FeedbackConfig{
			LogKey:      "ctr_data",
			EventBuffer: 1000,
		},
		Model: ModelConfig{
			SnapshotKey:  "ctr_model",
			MinSamples:   5,
			TestFraction: 0.2,
			Seed:         42,
			LearningRate: 0.1,
			Iterations:   500,
			L2:           0.01,
			TrainWorkers: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// Validate rejects configurations that would fail later in less obvious
// ways.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "badger", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Model.MinSamples < 2 {
		return fmt.Errorf("model.minSamples must be at least 2, got %d", c.Model.MinSamples)
	}
	if c.Model.TestFraction <= 0 || c.Model.TestFraction >= 1 {
		return fmt.Errorf("model.testFraction must be in (0,1), got %g", c.Model.TestFraction)
	}
	if c.Model.Iterations <= 0 || c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.iterations and model.learningRate must be positive")
	}
	if c.Search.RetrieveK <= 0 || c.Search.RankK <= 0 {
		return fmt.Errorf("search.retrieveK and search.rankK must be positive")
	}
	return nil
}

// applyEnvOverrides reads CTRS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CTRS_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("CTRS_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("CTRS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CTRS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CTRS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CTRS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CTRS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CTRS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("CTRS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("CTRS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CTRS_MODEL_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Model.Seed = seed
		}
	}
	if v := os.Getenv("CTRS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CTRS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CTRS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
}
