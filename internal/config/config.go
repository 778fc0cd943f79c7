package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the upload proxy settings.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"debug"`
	Version     string `envconfig:"APP_VERSION" default:"Wan-v2"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://127.0.0.1:5173,http://localhost:5173,https://locket-wan.vercel.app"`

	// Usage counter store: sqlite | postgres | redis
	UsageStore         string `envconfig:"USAGE_STORE" default:"sqlite"`
	SQLitePath         string `envconfig:"SQLITE_PATH" default:"file:usage.db?_pragma=busy_timeout(5000)"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING"`
	RedisAddr          string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string `envconfig:"REDIS_PASSWORD"`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`

	// Plans
	PlanTablePath string `envconfig:"PLAN_TABLE_PATH"`
	DefaultPlanID string `envconfig:"DEFAULT_PLAN_ID" default:"free"`

	// Hard caps applied before any plan-specific limit
	MaxImageUploadMB int   `envconfig:"MAX_IMAGE_UPLOAD_MB" default:"10"`
	MaxVideoUploadMB int   `envconfig:"MAX_VIDEO_UPLOAD_MB" default:"25"`
	MultipartMemory  int64 `envconfig:"MULTIPART_MEMORY_BYTES" default:"8388608"`

	// Suspicious-activity handling
	BlockSuspiciousActivity bool     `envconfig:"BLOCK_SUSPICIOUS_ACTIVITY" default:"false"`
	FlagPublisher           string   `envconfig:"FLAG_PUBLISHER" default:"none"`
	GCPProjectID            string   `envconfig:"GCP_PROJECT_ID"`
	PubSubFlagTopic         string   `envconfig:"PUBSUB_FLAG_TOPIC" default:"usage-flags"`
	PubSubEmulatorHost      string   `envconfig:"PUBSUB_EMULATOR_HOST"`
	KafkaBrokers            []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaFlagTopic          string   `envconfig:"KAFKA_FLAG_TOPIC" default:"usage.flags"`

	// Object storage for uploaded media
	S3URL       string `envconfig:"S3_URL"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`

	// Locket-compatible API the proxy forwards moments to
	LocketAPIBaseURL        string `envconfig:"LOCKET_API_BASE_URL" default:"https://api.locketcamera.com"`
	LocketRequestTimeoutSec int    `envconfig:"LOCKET_REQUEST_TIMEOUT_SEC" default:"60"`

	// Bearer auth for /usage/record; JWTSecretName is resolved through Secret Manager.
	JWTSecret     string `envconfig:"JWT_SECRET"`
	JWTSecretName string `envconfig:"JWT_SECRET_NAME"`
}

// Load reads the proxy configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.UsageStore = strings.ToLower(strings.TrimSpace(cfg.UsageStore))
	cfg.FlagPublisher = strings.ToLower(strings.TrimSpace(cfg.FlagPublisher))
	cfg.LocketAPIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.LocketAPIBaseURL), "/")
	return &cfg, nil
}

// S3Enabled reports whether object storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}
