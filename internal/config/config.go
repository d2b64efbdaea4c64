// Package config loads relay configuration from a TOML file with
// environment variable overrides. Precedence is defaults, then file,
// then OUTFLOW_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the outflow relay
type Config struct {
	// HTTP ops server configuration
	HTTP HTTPConfig `toml:"http"`

	// Storage backend configuration
	Storage StorageConfig `toml:"storage"`

	// Outbox engine tuning
	Outbox OutboxConfig `toml:"outbox"`

	// Publisher sink configuration
	Publisher PublisherConfig `toml:"publisher"`

	// Leader election configuration
	Leader LeaderConfig `toml:"leader"`

	// Secrets provider configuration
	Secrets SecretsConfig `toml:"secrets"`

	// Development mode enables debug logging
	DevMode bool `toml:"dev_mode"`
}

// HTTPConfig holds ops HTTP server configuration
type HTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`

	// JWTSecret guards the failed-events endpoints when set. Supports
	// secret:// references.
	JWTSecret string `toml:"jwt_secret"`
}

// StorageConfig selects and configures the outbox backend
type StorageConfig struct {
	// Type is one of: memory, postgres, mysql, mongodb, redis, dynamodb
	Type string `toml:"type"`

	Postgres SQLConfig    `toml:"postgres"`
	MySQL    SQLConfig    `toml:"mysql"`
	MongoDB  MongoConfig  `toml:"mongodb"`
	Redis    RedisConfig  `toml:"redis"`
	DynamoDB DynamoConfig `toml:"dynamodb"`
}

// SQLConfig holds connection settings shared by Postgres and MySQL
type SQLConfig struct {
	// DSN is the driver connection string. Supports secret:// references.
	DSN string `toml:"dsn"`

	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`

	// CreateSchema runs the DDL at startup
	CreateSchema bool `toml:"create_schema"`
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`

	// EnsureIndexes creates the outbox indexes at startup
	EnsureIndexes bool `toml:"ensure_indexes"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// DynamoConfig holds DynamoDB settings
type DynamoConfig struct {
	Table    string `toml:"table"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // For LocalStack
}

// OutboxConfig holds outbox engine tuning
type OutboxConfig struct {
	PollInterval      time.Duration `toml:"poll_interval"`
	BatchSize         int           `toml:"batch_size"`
	MaxRetries        int           `toml:"max_retries"`
	RetryBackoffBase  time.Duration `toml:"retry_backoff_base"`
	MaxErrorBackoff   time.Duration `toml:"max_error_backoff"`
	ProcessingTimeout time.Duration `toml:"processing_timeout"`
}

// PublisherConfig holds publisher sink configuration
type PublisherConfig struct {
	// Sink is one of: log, sqs, nats, embedded-nats
	Sink string `toml:"sink"`

	SQS  SQSSinkConfig  `toml:"sqs"`
	NATS NATSSinkConfig `toml:"nats"`

	BufferSize    int           `toml:"buffer_size"`
	FlushTimeout  time.Duration `toml:"flush_timeout"`
	Concurrency   int           `toml:"concurrency"`
	MaxBatchSize  int           `toml:"max_batch_size"`
	RatePerSecond int           `toml:"rate_per_second"`

	RetryMaxAttempts  int           `toml:"retry_max_attempts"`
	RetryInitialDelay time.Duration `toml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `toml:"retry_max_delay"`

	// Breaker enables the circuit breaker around sends
	Breaker bool `toml:"breaker"`
}

// SQSSinkConfig holds AWS SQS sink settings
type SQSSinkConfig struct {
	QueueURL string `toml:"queue_url"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // For LocalStack
}

// NATSSinkConfig holds NATS JetStream sink settings
type NATSSinkConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`

	// DataDir stores JetStream state for the embedded-nats sink
	DataDir string `toml:"data_dir"`
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled turns on Redis-backed election. Requires a Redis address,
	// either the storage backend's or a dedicated one.
	Enabled bool `toml:"enabled"`

	InstanceID      string        `toml:"instance_id"`
	LockName        string        `toml:"lock_name"`
	TTL             time.Duration `toml:"ttl"`
	RefreshInterval time.Duration `toml:"refresh_interval"`

	// RedisAddr overrides the storage Redis address for the lock
	RedisAddr string `toml:"redis_addr"`
}

// SecretsConfig holds secrets provider configuration
type SecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// Default returns the baseline configuration before file and env
// overrides apply.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:4200"},
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: SQLConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			MySQL: SQLConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			MongoDB: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "outflow",
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			DynamoDB: DynamoConfig{
				Table:  "outbox_events",
				Region: "us-east-1",
			},
		},
		Outbox: OutboxConfig{
			PollInterval:      time.Second,
			BatchSize:         50,
			MaxRetries:        5,
			RetryBackoffBase:  5 * time.Second,
			MaxErrorBackoff:   time.Minute,
			ProcessingTimeout: 30 * time.Second,
		},
		Publisher: PublisherConfig{
			Sink:              "log",
			BufferSize:        1000,
			FlushTimeout:      250 * time.Millisecond,
			Concurrency:       4,
			MaxBatchSize:      100,
			RetryMaxAttempts:  3,
			RetryInitialDelay: 200 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
			SQS: SQSSinkConfig{
				Region: "us-east-1",
			},
			NATS: NATSSinkConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "outflow.events",
				DataDir:       "./data/nats",
			},
		},
		Leader: LeaderConfig{
			LockName:        "outflow-relay-leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Secrets: SecretsConfig{
			Provider:  "env",
			DataDir:   "./data/secrets",
			AWSPrefix: "/outflow/",
			VaultPath: "secret/data/outflow",
			GCPPrefix: "outflow-",
		},
	}
}

// applyEnv overrides config fields from OUTFLOW_* environment variables.
// Only variables that are actually set take effect.
func (c *Config) applyEnv() {
	setString(&c.Storage.Type, "OUTFLOW_STORAGE_TYPE")
	setString(&c.Storage.Postgres.DSN, "OUTFLOW_POSTGRES_DSN")
	setString(&c.Storage.MySQL.DSN, "OUTFLOW_MYSQL_DSN")
	setString(&c.Storage.MongoDB.URI, "OUTFLOW_MONGODB_URI")
	setString(&c.Storage.MongoDB.Database, "OUTFLOW_MONGODB_DATABASE")
	setString(&c.Storage.Redis.Addr, "OUTFLOW_REDIS_ADDR")
	setString(&c.Storage.Redis.Password, "OUTFLOW_REDIS_PASSWORD")
	setInt(&c.Storage.Redis.DB, "OUTFLOW_REDIS_DB")
	setString(&c.Storage.DynamoDB.Table, "OUTFLOW_DYNAMODB_TABLE")
	setString(&c.Storage.DynamoDB.Region, "OUTFLOW_DYNAMODB_REGION")
	setString(&c.Storage.DynamoDB.Endpoint, "OUTFLOW_DYNAMODB_ENDPOINT")

	setInt(&c.HTTP.Port, "OUTFLOW_HTTP_PORT")
	setSlice(&c.HTTP.CORSOrigins, "OUTFLOW_CORS_ORIGINS")
	setString(&c.HTTP.JWTSecret, "OUTFLOW_JWT_SECRET")

	setDuration(&c.Outbox.PollInterval, "OUTFLOW_POLL_INTERVAL")
	setInt(&c.Outbox.BatchSize, "OUTFLOW_BATCH_SIZE")
	setInt(&c.Outbox.MaxRetries, "OUTFLOW_MAX_RETRIES")
	setDuration(&c.Outbox.RetryBackoffBase, "OUTFLOW_RETRY_BACKOFF_BASE")
	setDuration(&c.Outbox.MaxErrorBackoff, "OUTFLOW_MAX_ERROR_BACKOFF")
	setDuration(&c.Outbox.ProcessingTimeout, "OUTFLOW_PROCESSING_TIMEOUT")

	setString(&c.Publisher.Sink, "OUTFLOW_PUBLISHER_SINK")
	setString(&c.Publisher.SQS.QueueURL, "OUTFLOW_SQS_QUEUE_URL")
	setString(&c.Publisher.SQS.Region, "OUTFLOW_SQS_REGION")
	setString(&c.Publisher.SQS.Endpoint, "OUTFLOW_SQS_ENDPOINT")
	setString(&c.Publisher.NATS.URL, "OUTFLOW_NATS_URL")
	setString(&c.Publisher.NATS.SubjectPrefix, "OUTFLOW_NATS_SUBJECT_PREFIX")
	setInt(&c.Publisher.BufferSize, "OUTFLOW_PUBLISHER_BUFFER_SIZE")
	setDuration(&c.Publisher.FlushTimeout, "OUTFLOW_PUBLISHER_FLUSH_TIMEOUT")
	setInt(&c.Publisher.Concurrency, "OUTFLOW_PUBLISHER_CONCURRENCY")
	setInt(&c.Publisher.RatePerSecond, "OUTFLOW_PUBLISHER_RATE_PER_SECOND")
	setBool(&c.Publisher.Breaker, "OUTFLOW_PUBLISHER_BREAKER")

	setBool(&c.Leader.Enabled, "OUTFLOW_LEADER_ENABLED")
	setString(&c.Leader.InstanceID, "OUTFLOW_LEADER_INSTANCE_ID")
	setString(&c.Leader.LockName, "OUTFLOW_LEADER_LOCK_NAME")
	setDuration(&c.Leader.TTL, "OUTFLOW_LEADER_TTL")
	setDuration(&c.Leader.RefreshInterval, "OUTFLOW_LEADER_REFRESH_INTERVAL")
	setString(&c.Leader.RedisAddr, "OUTFLOW_LEADER_REDIS_ADDR")

	setString(&c.Secrets.Provider, "OUTFLOW_SECRETS_PROVIDER")

	setBool(&c.DevMode, "OUTFLOW_DEV")
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setBool(dst *bool, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			*dst = boolVal
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = duration
		}
	}
}

func setSlice(dst *[]string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = strings.Split(value, ",")
	}
}
