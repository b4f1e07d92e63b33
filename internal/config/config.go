package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const mib = 1024 * 1024

// Backend names accepted by METADATA_BACKEND and BLOB_BACKEND.
const (
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
	BackendTelegram = "telegram"
	BackendMinIO    = "minio"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort       string
	ServiceName       string
	ChunkSizeMB       int
	DirectUploadMaxMB int
	MaxUploadMB       int
	FetchConcurrency  int
	MetadataBackend   string
	BlobBackend       string

	// Telegram configuration
	TelegramBotToken  string
	TelegramChannelID string
	TelegramAPIURL    string
	TelegramTimeout   time.Duration

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool
	PresignTTL      time.Duration

	// MySQL configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMigrate  bool

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled bool
	JaegerEndpoint string

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Expiry sweeper
	SweepInterval time.Duration
	SweepBatch    int
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. A .env file in the working directory is read first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		ServicePort:       getEnv("SERVICE_PORT", "8080"),
		ServiceName:       getEnv("SERVICE_NAME", "dropshare-service"),
		ChunkSizeMB:       getEnvAsInt("CHUNK_SIZE_MB", 19),
		DirectUploadMaxMB: getEnvAsInt("DIRECT_UPLOAD_MAX_MB", 20),
		MaxUploadMB:       getEnvAsInt("MAX_UPLOAD_MB", 2048),
		FetchConcurrency:  getEnvAsInt("FETCH_CONCURRENCY", 1),
		MetadataBackend:   getEnv("METADATA_BACKEND", BackendMySQL),
		BlobBackend:       getEnv("BLOB_BACKEND", BackendTelegram),

		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChannelID: getEnv("TELEGRAM_CHANNEL_ID", ""),
		TelegramAPIURL:    getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramTimeout:   getEnvAsDuration("TELEGRAM_TIMEOUT", 2*time.Minute),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "dropshare"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),
		PresignTTL:      getEnvAsDuration("PRESIGN_TTL", 5*time.Minute),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "dropshare"),
		DBMigrate:  getEnvAsBool("DB_MIGRATE", true),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
		SweepBatch:    getEnvAsInt("SWEEP_BATCH", 100),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSizeMB <= 0 {
		return errors.New("CHUNK_SIZE_MB must be positive")
	}
	if c.DirectUploadMaxMB < 0 {
		return errors.New("DIRECT_UPLOAD_MAX_MB must not be negative")
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.FetchConcurrency <= 0 {
		return errors.New("FETCH_CONCURRENCY must be positive")
	}

	switch c.MetadataBackend {
	case BackendMySQL, BackendMemory:
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}

	switch c.BlobBackend {
	case BackendTelegram:
		if c.TelegramBotToken == "" || c.TelegramChannelID == "" {
			return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHANNEL_ID are required for the telegram backend")
		}
	case BackendMinIO, BackendMemory:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	return nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * mib
}

// GetDirectUploadMaxBytes returns the largest file stored as a single object
func (c *Config) GetDirectUploadMaxBytes() int64 {
	return int64(c.DirectUploadMaxMB) * mib
}

// GetMaxUploadBytes returns the upload size limit in bytes
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * mib
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
