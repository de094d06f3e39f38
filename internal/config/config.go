package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting the routing process reads at boot.
// Scalars come from the environment (with defaults); the endpoint seed list
// and queue tuning come from a declarative YAML file (see endpoints.go).
type Config struct {
	Port    string
	GinMode string
	AppEnv  string

	DataDir string // directory holding the main and archive SQLite databases

	// Cloud provider credentials (spec.md section 6).
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	GoogleAPIKey       string
	GoogleAPIBaseURL   string
	AnthropicAPIKey    string
	AnthropicBaseURL   string

	// Queue / admission control defaults, overridable per-endpoint-set in
	// endpoints.yaml.
	MaxWaiters       int
	QueueTimeoutSecs int

	// Embeddings default when the client omits "model".
	DefaultEmbeddingModel string

	// HTTP transport connection pool, same concern the teacher tunes for
	// its reverse-proxy client.
	ProxyMaxIdleConns        int
	ProxyMaxIdleConnsPerHost int
	ProxyMaxConnsPerHost     int
	ProxyIdleConnTimeout     int // seconds
	CloudRequestTimeoutSecs  int

	// Request history / audit worker pools.
	HistoryWorkerPoolSize int
	HistoryBufferSize     int
	AuditBatchInterval    time.Duration
	AuditBatchSize        int
	AuditRetentionDays    int

	// Database connection pool.
	DBMaxOpenConns int
	DBMaxIdleConns int

	ServerShutdownTimeoutSeconds int

	CORSAllowedOrigins string

	LogLevel  string
	LogFormat string

	// Seed endpoints and queue tuning, loaded from EndpointsFile.
	EndpointsFile string
	Endpoints     *EndpointsConfig
}

var AppConfig *Config

// LoadConfig populates AppConfig from the environment (optionally via a
// .env file) and the declarative endpoints.yaml seed file.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),
		AppEnv:  getEnvOrDefault("APP_ENV", "development"),

		DataDir: getEnvOrDefault("DATA_DIR", "./data"),

		OpenAIAPIKey:     getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		GoogleAPIKey:     getEnvOrDefault("GOOGLE_API_KEY", ""),
		GoogleAPIBaseURL: getEnvOrDefault("GOOGLE_API_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		AnthropicAPIKey:  getEnvOrDefault("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnvOrDefault("ANTHROPIC_API_BASE_URL", "https://api.anthropic.com"),

		MaxWaiters:       getEnvAsInt("MAX_WAITERS", 64),
		QueueTimeoutSecs: getEnvAsInt("QUEUE_TIMEOUT_SECS", 30),

		DefaultEmbeddingModel: getEnvOrDefault("DEFAULT_EMBEDDING_MODEL", "text-embedding-3-small"),

		ProxyMaxIdleConns:        getEnvAsInt("PROXY_MAX_IDLE_CONNS", 100),
		ProxyMaxIdleConnsPerHost: getEnvAsInt("PROXY_MAX_IDLE_CONNS_PER_HOST", 50),
		ProxyMaxConnsPerHost:     getEnvAsInt("PROXY_MAX_CONNS_PER_HOST", 100),
		ProxyIdleConnTimeout:     getEnvAsInt("PROXY_IDLE_CONN_TIMEOUT_SECONDS", 90),
		CloudRequestTimeoutSecs:  getEnvAsInt("CLOUD_REQUEST_TIMEOUT_SECONDS", 300),

		HistoryWorkerPoolSize: getEnvAsInt("HISTORY_WORKER_POOL_SIZE", 10),
		HistoryBufferSize:     getEnvAsInt("HISTORY_BUFFER_SIZE", 2000),
		AuditBatchInterval:    getEnvAsDuration("AUDIT_BATCH_INTERVAL", 30*time.Second),
		AuditBatchSize:        getEnvAsInt("AUDIT_BATCH_SIZE", 500),
		AuditRetentionDays:    getEnvAsInt("AUDIT_RETENTION_DAYS", 90),

		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		EndpointsFile: getEnvOrDefault("ENDPOINTS_FILE", "endpoints.yaml"),
	}

	endpointsFile, err := os.Open(AppConfig.EndpointsFile)
	if err != nil {
		log.Printf("Warning: failed to open endpoints file %q, starting with an empty seed list: %v", AppConfig.EndpointsFile, err)
		AppConfig.Endpoints = &EndpointsConfig{}
		return
	}
	defer endpointsFile.Close()

	endpointsConfig, err := LoadEndpointsFile(endpointsFile)
	if err != nil {
		log.Fatalf("Failed to load endpoints file: %v", err)
	}
	AppConfig.Endpoints = endpointsConfig

	if AppConfig.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY is not set; openai: prefixed models will fail authentication")
	}
	if AppConfig.GoogleAPIKey == "" {
		log.Println("Warning: GOOGLE_API_KEY is not set; google: prefixed models will fail authentication")
	}
	if AppConfig.AnthropicAPIKey == "" {
		log.Println("Warning: ANTHROPIC_API_KEY is not set; anthropic: prefixed models will fail authentication")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
