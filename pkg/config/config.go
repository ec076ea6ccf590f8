package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration shared by the ingestion,
// sftp and storage services.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Kafka    KafkaConfig
	Postgres PostgresConfig
	Storage  StorageConfig
	Staging  StagingConfig
	Consumer ConsumerConfig
	SFTP     SFTPConfig
	Tracing  TracingConfig
	Metrics  MetricsConfig
	Upload   UploadConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"healthflow"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

type KafkaConfig struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	APITopic         string        `env:"KAFKA_API_TOPIC" envDefault:"healthflow.ingest.api"`
	SFTPTopic        string        `env:"KAFKA_SFTP_TOPIC" envDefault:"healthflow.ingest.sftp"`
	OtherTopic       string        `env:"KAFKA_OTHER_TOPIC" envDefault:"healthflow.ingest.other"`
	DeadLetterTopic  string        `env:"KAFKA_DEAD_LETTER_TOPIC" envDefault:"healthflow.ingest.dlq"`
	APIGroup         string        `env:"KAFKA_API_GROUP" envDefault:"healthflow-storage-api"`
	SFTPGroup        string        `env:"KAFKA_SFTP_GROUP" envDefault:"healthflow-storage-sftp"`
	OtherGroup       string        `env:"KAFKA_OTHER_GROUP" envDefault:"healthflow-storage-other"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"1"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	MaxMessageBytes  int64         `env:"KAFKA_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	FetchMaxWait     time.Duration `env:"KAFKA_FETCH_MAX_WAIT" envDefault:"1s"`
	SessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"30s"`
}

type PostgresConfig struct {
	DSN      string `env:"POSTGRES_DSN"`
	MaxConns int32  `env:"DB_MAX_SIZE" envDefault:"10"`
	MinConns int32  `env:"DB_MIN_SIZE" envDefault:"1"`
}

// StorageConfig addresses the durable backend. Endpoint and credentials only
// apply to minio:// and s3:// URLs.
type StorageConfig struct {
	URL         string `env:"STORAGE_URL" envDefault:"file:///var/lib/healthflow/raw"`
	Prefix      string `env:"STORAGE_PREFIX" envDefault:"bronze"`
	Compression string `env:"STORAGE_COMPRESSION" envDefault:"none"`
	Endpoint    string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region      string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	AccessKey   string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey   string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL      bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

// StagingConfig holds payloads between accept and storage. Payloads up to
// InlineMaxBytes travel inside the bus message instead.
type StagingConfig struct {
	URL            string `env:"STAGING_URL" envDefault:"file:///var/lib/healthflow/staging"`
	InlineMaxBytes int64  `env:"STAGING_INLINE_MAX_BYTES" envDefault:"262144"`
}

type ConsumerConfig struct {
	Sources        []string      `env:"CONSUMER_SOURCES" envSeparator:"," envDefault:"api,sftp"`
	Workers        int           `env:"CONSUMER_WORKERS" envDefault:"2"`
	MaxAttempts    int           `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"8"`
	InitialBackoff time.Duration `env:"CONSUMER_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `env:"CONSUMER_MAX_BACKOFF" envDefault:"30s"`
}

type SFTPConfig struct {
	Addr           string        `env:"SFTP_ADDR" envDefault:":2222"`
	HostKeyPath    string        `env:"SFTP_HOST_KEY_PATH" envDefault:"/var/lib/healthflow/ssh_host_ed25519_key"`
	Users          string        `env:"SFTP_USERS" envDefault:"alice:secret:read+write"`
	KeysDir        string        `env:"SFTP_KEYS_DIR" envDefault:"/app/keys/users"`
	StagingDir     string        `env:"SFTP_STAGING_DIR" envDefault:"/var/lib/healthflow/sftp-staging"`
	MaxSizeBytes   int64         `env:"SFTP_MAX_SIZE_BYTES" envDefault:"10737418240"`
	HandoffTimeout time.Duration `env:"SFTP_HANDOFF_TIMEOUT" envDefault:"5m"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=healthflow"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9102"`
}

type UploadConfig struct {
	MaxSizeBytes   int64 `env:"UPLOAD_MAX_SIZE_BYTES" envDefault:"104857600"`
	ValidateSyntax bool  `env:"UPLOAD_VALIDATE_SYNTAX" envDefault:"true"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
