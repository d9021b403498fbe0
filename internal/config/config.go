package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Object store drivers accepted by OBJECT_STORE_DRIVER.
const (
	DriverS3    = "s3"
	DriverMinio = "minio"
)

// Config holds shared runtime configuration for the worker, API and CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	DatabaseURL string
	DBMaxConns  int

	OriginEndpoint     string
	OriginSecret       string
	OriginSecretHeader string
	OriginTimeout      time.Duration
	OriginMaxBytes     int64

	ObjectStoreDriver string
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool
	S3UseSSL          bool
	CDNBaseURL        string

	PollInterval time.Duration
	MaxRetries   int
	Concurrency  int

	CleanupInitialDelay time.Duration
	CleanupSchedule     string
	CleanupRetention    time.Duration
	CleanupBatchSize    int

	MaxUploadBytes int64

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from the environment (and a .env file when present).
// It fails when any value the services cannot run without is missing.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),

		OriginEndpoint:     strings.TrimRight(os.Getenv("ORIGIN_ENDPOINT"), "/"),
		OriginSecret:       os.Getenv("ORIGIN_SECRET"),
		OriginSecretHeader: getEnv("ORIGIN_SECRET_HEADER", "X-Raid-Secret"),
		OriginTimeout:      getEnvDuration("ORIGIN_TIMEOUT", 2*time.Minute),
		OriginMaxBytes:     getEnvInt64("ORIGIN_MAX_BYTES", 512<<20),

		ObjectStoreDriver: strings.ToLower(getEnv("OBJECT_STORE_DRIVER", DriverS3)),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          os.Getenv("S3_REGION"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3PathStyle:       getEnvBool("S3_PATH_STYLE", false),
		S3UseSSL:          getEnvBool("S3_USE_SSL", true),
		CDNBaseURL:        strings.TrimRight(os.Getenv("CDN_BASE_URL"), "/"),

		PollInterval: getEnvDuration("POLL_INTERVAL", 5*time.Second),
		MaxRetries:   getEnvInt("MAX_RETRIES", 3),
		Concurrency:  getEnvInt("CONCURRENCY", 3),

		CleanupInitialDelay: getEnvDuration("CLEANUP_INITIAL_DELAY", time.Minute),
		CleanupSchedule:     getEnv("CLEANUP_SCHEDULE", "@every 24h"),
		CleanupRetention:    getEnvDuration("CLEANUP_RETENTION", 30*24*time.Hour),
		CleanupBatchSize:    getEnvInt("CLEANUP_BATCH_SIZE", 100),

		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 256<<20),

		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	missing := missingKeys(map[string]string{
		"DATABASE_URL":         c.DatabaseURL,
		"S3_BUCKET":            c.S3Bucket,
		"S3_REGION":            c.S3Region,
		"S3_ACCESS_KEY_ID":     c.S3AccessKeyID,
		"S3_SECRET_ACCESS_KEY": c.S3SecretAccessKey,
		"CDN_BASE_URL":         c.CDNBaseURL,
	})
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.ObjectStoreDriver != DriverS3 && c.ObjectStoreDriver != DriverMinio {
		return fmt.Errorf("OBJECT_STORE_DRIVER must be %q or %q, got %q", DriverS3, DriverMinio, c.ObjectStoreDriver)
	}
	if c.ObjectStoreDriver == DriverMinio && c.S3Endpoint == "" {
		return errors.New("S3_ENDPOINT is required for the minio driver")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}

// RequireOrigin checks the settings only the publish worker needs.
func (c Config) RequireOrigin() error {
	missing := missingKeys(map[string]string{
		"ORIGIN_ENDPOINT": c.OriginEndpoint,
		"ORIGIN_SECRET":   c.OriginSecret,
	})
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func missingKeys(values map[string]string) []string {
	var out []string
	for k, v := range values {
		if strings.TrimSpace(v) == "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
