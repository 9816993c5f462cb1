package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	LibreURL      string
	LibreAPIKey   string
	BedrockModel  string
	AWSRegion     string
	LocalModelDir string

	OTLPEndpoint     string
	EncryptionKey    string
	AdminAuthEnabled bool
	AdminKeyHash     string
	SecretsPrefix    string

	// Rate limiting defaults; a provider's own limits override these.
	RequestsPerMinute int
	TokensPerMinute   int
	MaxRetries        int

	// Cache sizing
	CacheMaxSize int
	CacheTTL     time.Duration

	// Notifications and async jobs
	SNSTopicARN string
	SQSQueueURL string

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:        getEnv("ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LibreURL:      getEnv("LIBRETRANSLATE_URL", ""),
		LibreAPIKey:   getEnv("LIBRETRANSLATE_API_KEY", ""),
		BedrockModel:  getEnv("BEDROCK_MODEL_ID", ""),
		AWSRegion:     getEnv("AWS_REGION", ""),
		LocalModelDir: getEnv("LOCAL_MODEL_DIR", ""),

		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled: getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminKeyHash:     getEnv("ADMIN_KEY_HASH", ""),
		SecretsPrefix:    getEnv("SECRETS_PREFIX", "translate-gateway"),

		RequestsPerMinute: getIntEnv("REQUESTS_PER_MINUTE", 60),
		TokensPerMinute:   getIntEnv("TOKENS_PER_MINUTE", 100000),
		MaxRetries:        getIntEnv("MAX_RETRIES", 3),

		CacheMaxSize: getIntEnv("CACHE_MAX_SIZE", 10000),
		CacheTTL:     getDurationEnv("CACHE_TTL", 0),

		SNSTopicARN: getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL: getEnv("SQS_QUEUE_URL", ""),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
