package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// DatabaseURL points at the Postgres user store. When empty and
	// DatabaseURLSecret is set, the URL is resolved from AWS Secrets Manager
	// at startup. When both are empty the server runs on the in-memory store.
	DatabaseURL       string
	DatabaseURLSecret string

	OllamaBaseURL string
	RedisURL      string
	OTLPEndpoint  string
	AWSRegion     string

	// UsageTopicARN and UsageQueueURL enable SNS quota alerts and SQS usage
	// event publication. Either may be left empty to disable the feature.
	UsageTopicARN string
	UsageQueueURL string

	// RateLimitRPM is the per-user requests-per-minute budget. Zero disables
	// rate limiting.
	RateLimitRPM int

	// UserTokenQuota is the advisory per-user token quota the usage monitor
	// alerts against. Zero disables alerting.
	UserTokenQuota int64

	// FallbackEncoding names the tokenizer encoding used for models the
	// resolver does not recognize.
	FallbackEncoding string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:              getEnv("ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DatabaseURLSecret: getEnv("DATABASE_URL_SECRET", ""),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		RedisURL:          getEnv("REDIS_URL", ""),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:         getEnv("AWS_REGION", ""),
		UsageTopicARN:     getEnv("USAGE_TOPIC_ARN", ""),
		UsageQueueURL:     getEnv("USAGE_QUEUE_URL", ""),
		RateLimitRPM:      getIntEnv("RATE_LIMIT_RPM", 60),
		UserTokenQuota:    int64(getIntEnv("USER_TOKEN_QUOTA", 0)),
		FallbackEncoding:  getEnv("FALLBACK_ENCODING", "cl100k_base"),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
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
