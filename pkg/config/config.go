// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, ObjectStore, Extraction,
// Ingestion, Delivery, Bootstrap, etc.).
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
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the ingestor.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
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

// URL returns the postgres:// form used by the migration runner.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ObjectEvents   string `yaml:"objectEvents"`
	DeadLetter     string `yaml:"deadLetter"`
	DocumentEvents string `yaml:"documentEvents"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis and the in-process fallback is used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// ObjectStoreConfig configures both the object store service and the
// client the ingestor uses to read from it.
type ObjectStoreConfig struct {
	Port    int           `yaml:"port"`
	DataDir string        `yaml:"dataDir"`
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExtractionConfig points at the external extraction service.
type ExtractionConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	BasePath       string        `yaml:"basePath"`
	APIKey         string        `yaml:"apiKey"`
	APIVersion     string        `yaml:"apiVersion"`
	AnalyzerName   string        `yaml:"analyzerName"`
	SchemaPath     string        `yaml:"schemaPath"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// IngestionConfig controls the ingestion handler.
type IngestionConfig struct {
	DocumentContainer string        `yaml:"documentContainer"`
	SubjectPrefix     string        `yaml:"subjectPrefix"`
	HandlerTimeout    time.Duration `yaml:"handlerTimeout"`
	DedupTTL          time.Duration `yaml:"dedupTTL"`
	StoreRetry        RetryConfig   `yaml:"storeRetry"`
	JWKSURL           string        `yaml:"jwksUrl"`
	TokenAudience     string        `yaml:"tokenAudience"`
	RequireTriggerKey bool          `yaml:"requireTriggerKey"`
	TriggerRateLimit  int           `yaml:"triggerRateLimit"`
}

// RetryConfig is the YAML form of a bounded local retry budget.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// DeliveryConfig controls the event delivery service.
type DeliveryConfig struct {
	Port              int               `yaml:"port"`
	Issuer            string            `yaml:"issuer"`
	SigningKeyPath    string            `yaml:"signingKeyPath"`
	TokenTTL          time.Duration     `yaml:"tokenTTL"`
	RequestTimeout    time.Duration     `yaml:"requestTimeout"`
	ValidationTimeout time.Duration     `yaml:"validationTimeout"`
	InitialBackoff    time.Duration     `yaml:"initialBackoff"`
	MaxBackoff        time.Duration     `yaml:"maxBackoff"`
	CacheTTL          time.Duration     `yaml:"cacheTTL"`
	Resources         map[string]string `yaml:"resources"`
}

// BootstrapConfig describes the subscription the bootstrapper maintains.
type BootstrapConfig struct {
	DeliveryURL         string        `yaml:"deliveryUrl"`
	APIKey              string        `yaml:"apiKey"`
	SubscriptionName    string        `yaml:"subscriptionName"`
	ResourceID          string        `yaml:"resourceId"`
	WebhookURL          string        `yaml:"webhookUrl"`
	EventTypes          []string      `yaml:"eventTypes"`
	MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"`
	EventTTLMinutes     int           `yaml:"eventTtlMinutes"`
	WarmUp              time.Duration `yaml:"warmUp"`
	MaxAttempts         int           `yaml:"maxAttempts"`
	RetryDelay          time.Duration `yaml:"retryDelay"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
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
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
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

// Validate rejects values that would make a component unbounded or unusable.
func (c *Config) Validate() error {
	if c.Extraction.Timeout <= 0 {
		return fmt.Errorf("extraction.timeout must be positive")
	}
	if c.Extraction.PollInterval <= 0 {
		return fmt.Errorf("extraction.pollInterval must be positive")
	}
	if c.Ingestion.StoreRetry.MaxAttempts < 1 {
		return fmt.Errorf("ingestion.storeRetry.maxAttempts must be at least 1")
	}
	if c.Ingestion.DocumentContainer == "" {
		return fmt.Errorf("ingestion.documentContainer is required")
	}
	if c.Bootstrap.MaxAttempts < 1 {
		return fmt.Errorf("bootstrap.maxAttempts must be at least 1")
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "docflow",
			User:            "docflow",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "docflow-delivery",
			Topics: KafkaTopics{
				ObjectEvents:   "object-events",
				DeadLetter:     "object-events-deadletter",
				DocumentEvents: "document-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		ObjectStore: ObjectStoreConfig{
			Port:    8083,
			DataDir: "./data/objects",
			BaseURL: "http://localhost:8083",
			Timeout: 30 * time.Second,
		},
		Extraction: ExtractionConfig{
			BasePath:       "/contentunderstanding",
			APIVersion:     "2025-05-01-preview",
			SchemaPath:     "schemas/receipt.yaml",
			PollInterval:   2 * time.Second,
			Timeout:        2 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Ingestion: IngestionConfig{
			DocumentContainer: "documents",
			HandlerTimeout:    4 * time.Minute,
			DedupTTL:          24 * time.Hour,
			StoreRetry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
			TokenAudience:     "ingestor",
			RequireTriggerKey: true,
			TriggerRateLimit:  30,
		},
		Delivery: DeliveryConfig{
			Port:              8084,
			Issuer:            "docflow-delivery",
			TokenTTL:          5 * time.Minute,
			RequestTimeout:    5 * time.Minute,
			ValidationTimeout: 10 * time.Second,
			InitialBackoff:    10 * time.Second,
			MaxBackoff:        5 * time.Minute,
			CacheTTL:          15 * time.Second,
			Resources: map[string]string{
				"ingestor": "http://localhost:8080/api/events",
			},
		},
		Bootstrap: BootstrapConfig{
			DeliveryURL:         "http://localhost:8084",
			SubscriptionName:    "documents-created",
			ResourceID:          "ingestor",
			EventTypes:          []string{"Object.Created"},
			MaxDeliveryAttempts: 30,
			EventTTLMinutes:     1440,
			WarmUp:              30 * time.Second,
			MaxAttempts:         10,
			RetryDelay:          15 * time.Second,
			RequestTimeout:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads DF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt("DF_SERVER_PORT", &cfg.Server.Port)
	setString("DF_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("DF_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("DF_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("DF_POSTGRES_USER", &cfg.Postgres.User)
	setString("DF_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("DF_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	if v := os.Getenv("DF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("DF_REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	setString("DF_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("DF_OBJECTSTORE_PORT", &cfg.ObjectStore.Port)
	setString("DF_OBJECTSTORE_DATA_DIR", &cfg.ObjectStore.DataDir)
	setString("DF_OBJECTSTORE_URL", &cfg.ObjectStore.BaseURL)
	setString("DF_EXTRACTION_ENDPOINT", &cfg.Extraction.Endpoint)
	setString("DF_EXTRACTION_KEY", &cfg.Extraction.APIKey)
	setString("DF_EXTRACTION_ANALYZER", &cfg.Extraction.AnalyzerName)
	setString("DF_EXTRACTION_SCHEMA", &cfg.Extraction.SchemaPath)
	setDuration("DF_EXTRACTION_TIMEOUT", &cfg.Extraction.Timeout)
	setString("DF_INGESTION_CONTAINER", &cfg.Ingestion.DocumentContainer)
	setString("DF_INGESTION_JWKS_URL", &cfg.Ingestion.JWKSURL)
	setInt("DF_DELIVERY_PORT", &cfg.Delivery.Port)
	setString("DF_DELIVERY_SIGNING_KEY", &cfg.Delivery.SigningKeyPath)
	setString("DF_BOOTSTRAP_DELIVERY_URL", &cfg.Bootstrap.DeliveryURL)
	setString("DF_BOOTSTRAP_API_KEY", &cfg.Bootstrap.APIKey)
	setString("DF_BOOTSTRAP_RESOURCE_ID", &cfg.Bootstrap.ResourceID)
	setString("DF_BOOTSTRAP_WEBHOOK_URL", &cfg.Bootstrap.WebhookURL)
	setDuration("DF_BOOTSTRAP_WARMUP", &cfg.Bootstrap.WarmUp)
	setString("DF_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("DF_LOGGING_FORMAT", &cfg.Logging.Format)
	setInt("DF_METRICS_PORT", &cfg.Metrics.Port)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
