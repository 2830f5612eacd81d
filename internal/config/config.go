package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	KMS         KMSConfig
	RateLimit   RateLimitConfig
	Webhook     WebhookConfig
	Admin       AdminConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled   bool
	URL       string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type RateLimitConfig struct {
	KeyPrefix          string
	CleanupProbability float64
	TrustForwarded     bool
	TxRetries          int
	// JWTSecret verifies bearer tokens used for subject keys and tiers.
	JWTSecret string
}

type WebhookConfig struct {
	Secret          string
	EncryptedSecret string
	Tolerance       time.Duration
	ReplayRetention time.Duration
	SignatureHeader string
	TimestampHeader string
	IDHeader        string
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

type AdminConfig struct {
	Token string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", ""),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8080", "http://localhost:5173"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:   getEnvBool("REDIS_ENABLED", true),
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			OpTimeout: getEnvDuration("REDIS_OP_TIMEOUT", 500*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "edge-guard.security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			Table:    getEnv("CLICKHOUSE_EVENTS_TABLE", "security_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			Region:  getEnv("AWS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		RateLimit: RateLimitConfig{
			KeyPrefix:          getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit:"),
			CleanupProbability: getEnvFloat("RATE_LIMIT_CLEANUP_PROBABILITY", 0.01),
			TrustForwarded:     getEnvBool("RATE_LIMIT_TRUST_FORWARDED", true),
			TxRetries:          getEnvInt("RATE_LIMIT_TX_RETRIES", 5),
			JWTSecret:          getEnv("RATE_LIMIT_JWT_SECRET", ""),
		},
		Webhook: WebhookConfig{
			Secret:          getEnv("WEBHOOK_SECRET", ""),
			EncryptedSecret: getEnv("WEBHOOK_SECRET_ENCRYPTED", ""),
			Tolerance:       getEnvDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
			ReplayRetention: getEnvDuration("WEBHOOK_REPLAY_RETENTION", 24*time.Hour),
			SignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
			TimestampHeader: getEnv("WEBHOOK_TIMESTAMP_HEADER", "X-Webhook-Timestamp"),
			IDHeader:        getEnv("WEBHOOK_ID_HEADER", "X-Webhook-Id"),
			MaxBodyBytes:    int64(getEnvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			AllowedOrigins:  getEnvList("WEBHOOK_ALLOWED_ORIGINS", nil),
		},
		Admin: AdminConfig{
			Token: getEnv("ADMIN_API_TOKEN", ""),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" && c.Webhook.EncryptedSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET or WEBHOOK_SECRET_ENCRYPTED must be set")
	}
	if c.Webhook.EncryptedSecret != "" && !c.KMS.Enabled {
		return fmt.Errorf("WEBHOOK_SECRET_ENCRYPTED requires KMS_ENABLED=true")
	}
	if c.RateLimit.CleanupProbability < 0 || c.RateLimit.CleanupProbability > 1 {
		return fmt.Errorf("RATE_LIMIT_CLEANUP_PROBABILITY must be within [0,1], got %v", c.RateLimit.CleanupProbability)
	}
	if c.Webhook.Tolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TIMESTAMP_TOLERANCE must be positive")
	}
	if c.IsProduction() && c.Admin.Token == "" {
		return fmt.Errorf("ADMIN_API_TOKEN must be set in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
