package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/weiawesome/thumbing/pkg/database"
	pkgconfig "github.com/weiawesome/thumbing/pkg/config"
	"github.com/weiawesome/thumbing/pkg/storage"
)

// ErrInvalidConfiguration is returned by Load when the resolved settings
// cannot run the pipeline. It is fatal at startup.
var ErrInvalidConfiguration = errors.New("invalid configuration")

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Stores       StoresConfig       `mapstructure:"stores"`
	Processor    ProcessorConfig    `mapstructure:"processor"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redelivery   RetryConfig        `mapstructure:"redelivery"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Redis        RedisConfig        `mapstructure:"redis"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Receiver     ReceiverConfig     `mapstructure:"receiver"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	Caller bool   `mapstructure:"caller"`
}

// StoresConfig describes the ingestion and output stores. Both share the
// backend settings and differ by bucket.
type StoresConfig struct {
	Type            string              `mapstructure:"type" validate:"oneof=s3 local memory"`
	IngestionBucket string              `mapstructure:"ingestion_bucket" validate:"required"`
	OutputBucket    string              `mapstructure:"output_bucket" validate:"required"`
	// EmitEvents makes the worker publish output-store events itself. Turn
	// it off when the output bucket already sends native notifications.
	EmitEvents      bool                `mapstructure:"emit_events"`
	S3              storage.S3Config    `mapstructure:"s3"`
	Local           storage.LocalConfig `mapstructure:"local"`
}

type ProcessorConfig struct {
	InputPrefix  string   `mapstructure:"input_prefix" validate:"required"`
	OutputPrefix string   `mapstructure:"output_prefix" validate:"required"`
	TargetWidth  int      `mapstructure:"target_width" validate:"gt=0"`
	TargetHeight int      `mapstructure:"target_height" validate:"gt=0"`
	JPEGQuality  int      `mapstructure:"jpeg_quality" validate:"min=1,max=100"`
	EventNames   []string `mapstructure:"event_names"`
}

type KafkaConfig struct {
	Brokers         string `mapstructure:"brokers" validate:"required"`
	IngestionTopic  string `mapstructure:"ingestion_topic" validate:"required"`
	OutputTopic     string `mapstructure:"output_topic" validate:"required"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic" validate:"required"`
	WorkerGroupID   string `mapstructure:"worker_group_id" validate:"required"`
	NotifierGroupID string `mapstructure:"notifier_group_id" validate:"required"`
	MaxInFlight     int    `mapstructure:"max_in_flight" validate:"gt=0"`
}

// RetryConfig is a bounded exponential backoff budget.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gt=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
}

type NotifyConfig struct {
	Retry            RetryConfig   `mapstructure:"retry"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
}

type SubscriptionConfig struct {
	Backend            string          `mapstructure:"backend" validate:"oneof=memory gorm"`
	Database           database.Config `mapstructure:"database"`
	Cache              CacheConfig     `mapstructure:"cache"`
	ConfirmationWindow time.Duration   `mapstructure:"confirmation_window" validate:"gt=0"`
	ExpireInterval     time.Duration   `mapstructure:"expire_interval" validate:"gt=0"`
	TokenSecret        string          `mapstructure:"token_secret" validate:"min=16"`
	PublicBaseURL      string          `mapstructure:"public_base_url" validate:"required,url"`
	SeedEndpoints      []string        `mapstructure:"seed_endpoints" validate:"dive,url"`
	SeedConfirmed      bool            `mapstructure:"seed_confirmed"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HTTPConfig struct {
	Port        string `mapstructure:"port" validate:"required"`
	AdminToken  string `mapstructure:"admin_token"`
	// MetricsPort serves /metrics and /health for the worker.
	MetricsPort string `mapstructure:"metrics_port" validate:"required"`
}

type ReceiverConfig struct {
	Port           string        `mapstructure:"port" validate:"required"`
	Dedup          string        `mapstructure:"dedup" validate:"oneof=memory redis"`
	DedupTTL       time.Duration `mapstructure:"dedup_ttl" validate:"gt=0"`
	AutoConfirm    bool          `mapstructure:"auto_confirm"`
	// ForwardChannel, when set, republishes arrivals on this Redis channel.
	ForwardChannel string        `mapstructure:"forward_channel"`
}

// WatcherConfig enables turning files dropped into the local ingestion
// directory into storage events.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Load reads config/<name>.yaml (plus .env and environment overrides),
// applies defaults and validates the result.
func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// LoadFrom is Load with an explicit search path and file name.
func LoadFrom(configPath, configName string) (*Config, error) {
	v, err := pkgconfig.Load(configPath, configName)
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("stores.type", "s3")
	v.SetDefault("stores.ingestion_bucket", "uploads")
	v.SetDefault("stores.output_bucket", "assets")
	v.SetDefault("stores.emit_events", true)
	v.SetDefault("stores.s3.region", "us-east-1")
	v.SetDefault("stores.s3.use_path_style", true)
	v.SetDefault("stores.local.base_path", "./data/storage")

	v.SetDefault("processor.input_prefix", "input/")
	v.SetDefault("processor.output_prefix", "output/")
	v.SetDefault("processor.target_width", 512)
	v.SetDefault("processor.target_height", 512)
	v.SetDefault("processor.jpeg_quality", 85)
	v.SetDefault("processor.event_names", []string{"s3:ObjectCreated:Put"})

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.ingestion_topic", "thumbing-ingestion-events")
	v.SetDefault("kafka.output_topic", "thumbing-output-events")
	v.SetDefault("kafka.dead_letter_topic", "thumbing-dead-letter")
	v.SetDefault("kafka.worker_group_id", "thumbing-worker")
	v.SetDefault("kafka.notifier_group_id", "thumbing-notifier")
	v.SetDefault("kafka.max_in_flight", 8)

	v.SetDefault("redelivery.max_attempts", 3)
	v.SetDefault("redelivery.initial_backoff", "1s")
	v.SetDefault("redelivery.max_backoff", "30s")
	v.SetDefault("redelivery.multiplier", 2.0)

	v.SetDefault("notify.retry.max_attempts", 4)
	v.SetDefault("notify.retry.initial_backoff", "500ms")
	v.SetDefault("notify.retry.max_backoff", "20s")
	v.SetDefault("notify.retry.multiplier", 2.0)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.failure_threshold", 3)
	v.SetDefault("notify.concurrency", 16)

	v.SetDefault("subscription.backend", "gorm")
	v.SetDefault("subscription.database.driver", "sqlite")
	v.SetDefault("subscription.database.file_path", "./data/subscriptions.db")
	v.SetDefault("subscription.database.sslmode", "disable")
	v.SetDefault("subscription.cache.ttl", "5m")
	v.SetDefault("subscription.cache.prefix", "thumbing:subscriptions")
	v.SetDefault("subscription.confirmation_window", "72h")
	v.SetDefault("subscription.expire_interval", "10m")
	v.SetDefault("subscription.public_base_url", "http://localhost:8080")

	v.SetDefault("redis.address", "localhost:6379")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.metrics_port", "9102")

	v.SetDefault("receiver.port", "8090")
	v.SetDefault("receiver.dedup", "memory")
	v.SetDefault("receiver.dedup_ttl", "24h")
	v.SetDefault("receiver.auto_confirm", true)

	v.SetDefault("watcher.debounce", "250ms")
}

// bindEnv maps the deployment's environment variable names, including the
// names used by earlier deployments, onto config keys.
func bindEnv(v *viper.Viper) {
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("stores.type", "STORAGE_TYPE")
	v.BindEnv("stores.ingestion_bucket", "UPLOADS_BUCKET_NAME")
	v.BindEnv("stores.output_bucket", "THUMBING_BUCKET_NAME", "DEST_BUCKET_NAME")
	v.BindEnv("stores.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("stores.s3.region", "S3_REGION", "AWS_REGION")
	v.BindEnv("stores.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("stores.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("stores.local.base_path", "STORAGE_BASE_PATH")
	v.BindEnv("processor.input_prefix", "THUMBING_S3_FOLDER_INPUT", "FOLDER_INPUT")
	v.BindEnv("processor.output_prefix", "THUMBING_S3_FOLDER_OUTPUT", "FOLDER_OUTPUT")
	v.BindEnv("processor.target_width", "PROCESS_WIDTH")
	v.BindEnv("processor.target_height", "PROCESS_HEIGHT")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.ingestion_topic", "KAFKA_INGESTION_TOPIC")
	v.BindEnv("kafka.output_topic", "THUMBING_TOPIC_NAME", "KAFKA_OUTPUT_TOPIC")
	v.BindEnv("kafka.dead_letter_topic", "KAFKA_DEAD_LETTER_TOPIC")
	v.BindEnv("subscription.token_secret", "SUBSCRIPTION_TOKEN_SECRET")
	v.BindEnv("subscription.public_base_url", "PUBLIC_BASE_URL")
	v.BindEnv("subscription.seed_endpoints", "THUMBING_WEBHOOK_URL")
	v.BindEnv("subscription.database.driver", "DB_DRIVER")
	v.BindEnv("subscription.database.host", "DB_HOST")
	v.BindEnv("subscription.database.port", "DB_PORT")
	v.BindEnv("subscription.database.user", "DB_USER")
	v.BindEnv("subscription.database.password", "DB_PASSWORD")
	v.BindEnv("subscription.database.dbname", "DB_NAME")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("http.port", "HTTP_PORT")
	v.BindEnv("http.admin_token", "ADMIN_TOKEN")
	v.BindEnv("http.metrics_port", "METRICS_PORT")
	v.BindEnv("receiver.forward_channel", "RECEIVER_FORWARD_CHANNEL")
}

func (c *Config) normalize() {
	c.Processor.InputPrefix = withTrailingSlash(c.Processor.InputPrefix)
	c.Processor.OutputPrefix = withTrailingSlash(c.Processor.OutputPrefix)
	if c.Subscription.Database.Driver == "" {
		c.Subscription.Database.Driver = "sqlite"
	}
}

func withTrailingSlash(prefix string) string {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Validate checks field constraints and the cross-field rules that keep the
// pipeline from feeding its own output back into the worker.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	if c.Stores.IngestionBucket == c.Stores.OutputBucket {
		in, out := c.Processor.InputPrefix, c.Processor.OutputPrefix
		if strings.HasPrefix(in, out) || strings.HasPrefix(out, in) {
			return fmt.Errorf("%w: input prefix %q and output prefix %q overlap in bucket %q",
				ErrInvalidConfiguration, in, out, c.Stores.IngestionBucket)
		}
	}

	if c.Stores.Type == "s3" && c.Stores.S3.Bucket != "" {
		return fmt.Errorf("%w: set stores.ingestion_bucket and stores.output_bucket instead of stores.s3.bucket",
			ErrInvalidConfiguration)
	}

	return nil
}
