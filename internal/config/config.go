package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel string

	OTLPEndpoint string
	OtelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AnthropicAPIKey string
	AnthropicModel  string

	Governance Governance
}

// Governance carries the tunables for the admission-control and outbox
// pipeline. Values may be overridden by an optional governance.yaml file,
// see LoadGovernanceFile.
type Governance struct {
	// Admission control.
	ApprovalExpiryWindow time.Duration
	DefaultResetDay      int

	// Outbox dispatch.
	OutboxPollInterval  time.Duration
	OutboxPollJitterPct float64
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxLeaseTTL      time.Duration
	DeliveryTimeout     time.Duration

	// LLM invocation ceiling. A timeout here is treated like any other
	// delivery failure.
	InvokeTimeout time.Duration

	// Background worker.
	SchedulerInterval time.Duration
	SweepBatchSize    int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "intellipm"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OtelEnabled:  getenvBool("OTEL_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "intellipm"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		AnthropicAPIKey: strings.TrimSpace(getenv("ANTHROPIC_API_KEY", "")),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),

		Governance: defaultGovernance(),
	}

	cfg.Governance = LoadGovernanceFile(cfg.Governance)

	return cfg
}

func defaultGovernance() Governance {
	return Governance{
		ApprovalExpiryWindow: 48 * time.Hour,
		DefaultResetDay:      1,
		OutboxPollInterval:   5 * time.Second,
		OutboxPollJitterPct:  0.2,
		OutboxBatchSize:      50,
		OutboxMaxAttempts:    5,
		OutboxLeaseTTL:       time.Minute,
		DeliveryTimeout:      10 * time.Second,
		InvokeTimeout:        60 * time.Second,
		SchedulerInterval:    time.Minute,
		SweepBatchSize:       100,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
