package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the analyzer service
type Config struct {
	// Server configuration
	Port           string
	AllowedOrigins []string
	MaxUploadMB    int

	// Model provider configuration
	LLMProvider       string
	GeminiAPIKey      string
	GeminiModel       string
	GeminiBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	LLMRequestTimeout time.Duration

	// Retry configuration
	MaxAttempts int
	RetryDelay  time.Duration

	// Batch configuration
	MaxConcurrency int

	// Image configuration
	MaxImageDimension int
	JPEGQuality       int

	// Output validation
	EnforceOtherDescription bool

	// Rate limiting
	RateLimitPerMinute int

	// RabbitMQ configuration; publishing is disabled when AMQPURL is empty
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables
// take precedence over it.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to read .env file: %v", err)
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getStringSliceEnv("ALLOWED_ORIGINS", "*"),
		MaxUploadMB:    getIntEnv("MAX_UPLOAD_MB", 25),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		LLMRequestTimeout: getDurationEnv("LLM_REQUEST_TIMEOUT", 60*time.Second),

		MaxAttempts: getIntEnv("MAX_ATTEMPTS", 3),
		RetryDelay:  getDurationEnv("RETRY_DELAY", 2*time.Second),

		MaxConcurrency: getIntEnv("MAX_CONCURRENCY", 0),

		MaxImageDimension: getIntEnv("MAX_IMAGE_DIMENSION", 0),
		JPEGQuality:       getIntEnv("JPEG_QUALITY", 80),

		EnforceOtherDescription: getBoolEnv("ENFORCE_OTHER_DESCRIPTION", false),

		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 60),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "periodontal"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "item.finished"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// getStringSliceEnv gets a comma-separated environment variable as a trimmed slice
func getStringSliceEnv(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.Warnf("Invalid duration for %s=%q, using %s", key, value, defaultValue)
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warnf("Invalid integer for %s=%q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable or returns a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warnf("Invalid boolean for %s=%q, using %t", key, value, defaultValue)
	}
	return defaultValue
}
