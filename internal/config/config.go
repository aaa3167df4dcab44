package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Queue backends.
const (
	QueueMemory   = "memory"
	QueueRabbitMQ = "rabbitmq"
)

type Config struct {
	Server   ServerConfig
	Worker   WorkerConfig
	Database DatabaseConfig
	MinIO    MinIOConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
	Source   SourceConfig
	Cache    CacheConfig
	Pipeline PipelineConfig
	Quota    QuotaConfig
	Session  SessionConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	// Streams run as long as the client reads, so writes are unbounded by default.
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"0s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
	StreamRedirect  bool          `envconfig:"STREAM_REDIRECT" default:"false"`
	PresignExpiry   time.Duration `envconfig:"STREAM_PRESIGN_EXPIRY" default:"15m"`
}

type WorkerConfig struct {
	TempDir         string        `envconfig:"WORKER_TEMP_DIR" default:"/tmp/tubecache"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"tubecache"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"tubecache"`
	DBName   string `envconfig:"POSTGRES_DB" default:"tubecache"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"POSTGRES_MAX_CONNS" default:"32"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint       string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	PublicEndpoint string `envconfig:"MINIO_PUBLIC_ENDPOINT"`
	AccessKey      string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey      string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket         string `envconfig:"MINIO_BUCKET" default:"tubecache"`
	Region         string `envconfig:"MINIO_REGION"`
	UseSSL         bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"tubecache"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"tubecache"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	// Disabled runs without Redis: no entry cache, an in-process negative
	// cache and no session tracking.
	Disabled bool   `envconfig:"REDIS_DISABLED" default:"false"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SourceConfig struct {
	BaseURL         string        `envconfig:"SOURCE_BASE_URL" default:"http://localhost:8090"`
	APIKey          string        `envconfig:"SOURCE_API_KEY"`
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	DescriptorTTL   time.Duration `envconfig:"DESCRIPTOR_TTL" default:"2m"`
	DescriptorSize  int           `envconfig:"DESCRIPTOR_CACHE_SIZE" default:"4096"`
}

type CacheConfig struct {
	EntryTTL     time.Duration `envconfig:"ENTRY_CACHE_TTL" default:"5m"`
	NegativeTTL  time.Duration `envconfig:"NEGATIVE_TTL" default:"10m"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" default:"800ms"`
	// QualityMaxStepDown bounds how many ranks lower a stored asset may
	// serve; zero means unlimited.
	QualityMaxStepDown int `envconfig:"QUALITY_MAX_STEP_DOWN" default:"0"`
}

type PipelineConfig struct {
	QueueBackend    string        `envconfig:"QUEUE_BACKEND" default:"memory"`
	QueueCapacity   int           `envconfig:"QUEUE_CAPACITY" default:"1024"`
	Workers         int           `envconfig:"UPLOAD_WORKERS" default:"8"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BaseDelay       time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay        time.Duration `envconfig:"MAX_DELAY" default:"30s"`
	MaxObjectBytes  int64         `envconfig:"MAX_OBJECT_BYTES" default:"52428800"`
	VerifyMode      string        `envconfig:"VERIFY_MODE" default:"probe"`
	UploadTimeout   time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"5m"`
	AdmitTimeout    time.Duration `envconfig:"ADMIT_TIMEOUT" default:"30s"`
	GateStrategy    string        `envconfig:"GATE_STRATEGY" default:"local"`
	FailureCooldown time.Duration `envconfig:"FAILURE_COOLDOWN" default:"15m"`
	StaleAfter      time.Duration `envconfig:"CLAIM_STALE_AFTER" default:"1h"`
}

type QuotaConfig struct {
	Window        time.Duration  `envconfig:"QUOTA_WINDOW" default:"1h"`
	Requests      int            `envconfig:"QUOTA_REQUESTS" default:"1000"`
	Overrides     map[string]int `envconfig:"QUOTA_OVERRIDES"`
	MaxConcurrent int            `envconfig:"QUOTA_MAX_CONCURRENT" default:"0"`
	RequireKey    bool           `envconfig:"QUOTA_REQUIRE_KEY" default:"true"`
}

type SessionConfig struct {
	TTL            time.Duration `envconfig:"SESSION_TTL" default:"5m"`
	SampleInterval time.Duration `envconfig:"METRICS_SAMPLE_INTERVAL" default:"15s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects enum values envconfig cannot check.
func (c *Config) Validate() error {
	switch c.Pipeline.QueueBackend {
	case QueueMemory, QueueRabbitMQ:
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q", c.Pipeline.QueueBackend)
	}
	switch c.Pipeline.VerifyMode {
	case "probe", "refetch":
	default:
		return fmt.Errorf("invalid VERIFY_MODE %q", c.Pipeline.VerifyMode)
	}
	switch c.Pipeline.GateStrategy {
	case "local", "store":
	default:
		return fmt.Errorf("invalid GATE_STRATEGY %q", c.Pipeline.GateStrategy)
	}
	if c.Pipeline.MaxObjectBytes <= 0 {
		return fmt.Errorf("MAX_OBJECT_BYTES must be positive")
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("QUOTA_WINDOW must be positive")
	}
	return nil
}
