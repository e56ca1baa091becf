package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AppConfig holds the settings shared by every service
type AppConfig struct {
	// Auth
	JWTSecret          string
	JWKSURL            string
	AWSRegion          string
	CognitoUserPoolID  string
	ClaimsCacheTTL     time.Duration
	CognitoLookupLimit time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Kafka
	KafkaBrokers []string
	AuditTopic   string
	JobsTopic    string
	JobsGroupID  string

	// Tenant resolution
	BaseDomain         string
	PublicPrefixes     []string
	AdminPrefixes      []string
	IdlePrefixes       []string
	ReservedSubdomains []string

	// Directory
	DirectoryCacheTTL  time.Duration
	BreakerMaxFailures int
	BreakerResetAfter  time.Duration

	// Worker
	TrialSweepInterval time.Duration
}

// Load reads the application configuration from the environment
func Load() *AppConfig {
	return &AppConfig{
		JWTSecret:          getEnv("JWT_SECRET", ""),
		JWKSURL:            getEnv("JWKS_URL", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		CognitoUserPoolID:  getEnv("COGNITO_USER_POOL_ID", ""),
		ClaimsCacheTTL:     getEnvDuration("CLAIMS_CACHE_TTL", 5*time.Minute),
		CognitoLookupLimit: getEnvDuration("COGNITO_LOOKUP_TIMEOUT", 3*time.Second),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		AuditTopic:   getEnv("KAFKA_AUDIT_TOPIC", "tenant-audit"),
		JobsTopic:    getEnv("KAFKA_JOBS_TOPIC", "tenant-jobs"),
		JobsGroupID:  getEnv("KAFKA_JOBS_GROUP", "tenant-worker"),

		BaseDomain:         getEnv("BASE_DOMAIN", ""),
		PublicPrefixes:     getEnvList("PUBLIC_ROUTES", []string{"/health", "/api/tenants/signup", "/api/tenants/verify", "/api/auth"}),
		AdminPrefixes:      getEnvList("ADMIN_ROUTES", []string{"/api/admin"}),
		IdlePrefixes:       getEnvList("IDLE_ROUTES", []string{"/api/heartbeat", "/api/notifications/poll"}),
		ReservedSubdomains: getEnvList("RESERVED_SUBDOMAINS", []string{"www", "api"}),

		DirectoryCacheTTL:  getEnvDuration("TENANT_CACHE_TTL", 60*time.Second),
		BreakerMaxFailures: getEnvInt("DIRECTORY_BREAKER_FAILURES", 5),
		BreakerResetAfter:  getEnvDuration("DIRECTORY_BREAKER_RESET", 30*time.Second),

		TrialSweepInterval: getEnvDuration("TRIAL_SWEEP_INTERVAL", 15*time.Minute),
	}
}

// NewLogger builds the JSON logger used by all services
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
