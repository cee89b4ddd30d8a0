package config

import (
	"os"
	"strconv"
	"time"
)

// AppConfig represents the application configuration
type AppConfig struct {
	Port           string
	DBPath         string
	OpenSearchURL  string
	OpenSearchUser string
	OpenSearchPass string
	EnableLogging  bool
	LoggingLevel   string
	RedisAddr      string
	KafkaBrokers   string
	KafkaTopic     string
}

// PaymentPolicy holds the time-based policy knobs of the payment engine.
// Defaults mirror the production values: a 30 minute intent expiry and a
// reconciliation poll window of 2 to 25 minutes of intent age.
type PaymentPolicy struct {
	ExpiryWindow       time.Duration
	ReconcileMinAge    time.Duration
	ReconcileMaxAge    time.Duration
	ReconcileInterval  time.Duration
	ExpiryInterval     time.Duration
	ReconcileBatchSize int
	RetryReuseWindow   time.Duration
	DefaultProvider    string
}

var (
	appConfigInstance *AppConfig
	policyInstance    *PaymentPolicy
)

// GetAppConfig returns the application configuration
func GetAppConfig() *AppConfig {
	if appConfigInstance == nil {
		appConfigInstance = &AppConfig{
			Port:           GetEnv("APP_PORT", "9999"),
			DBPath:         GetEnv("DB_PATH", "data/payflow.db"),
			OpenSearchURL:  GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
			OpenSearchUser: GetEnv("OPENSEARCH_USER", ""),
			OpenSearchPass: GetEnv("OPENSEARCH_PASSWORD", ""),
			EnableLogging:  GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
			LoggingLevel:   GetEnv("LOGGING_LEVEL", "info"),
			RedisAddr:      GetEnv("REDIS_ADDR", ""),
			KafkaBrokers:   GetEnv("KAFKA_BROKERS", ""),
			KafkaTopic:     GetEnv("KAFKA_TOPIC", "payment-events"),
		}
	}
	return appConfigInstance
}

// GetPaymentPolicy returns the payment policy configuration
func GetPaymentPolicy() *PaymentPolicy {
	if policyInstance == nil {
		policyInstance = &PaymentPolicy{
			ExpiryWindow:       time.Duration(GetIntEnv("PAYMENT_EXPIRY_MINUTES", 30)) * time.Minute,
			ReconcileMinAge:    time.Duration(GetIntEnv("RECONCILE_MIN_AGE_SECONDS", 120)) * time.Second,
			ReconcileMaxAge:    time.Duration(GetIntEnv("RECONCILE_MAX_AGE_SECONDS", 1500)) * time.Second,
			ReconcileInterval:  time.Duration(GetIntEnv("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
			ExpiryInterval:     time.Duration(GetIntEnv("EXPIRY_INTERVAL_SECONDS", 60)) * time.Second,
			ReconcileBatchSize: GetIntEnv("RECONCILE_BATCH_SIZE", 50),
			RetryReuseWindow:   time.Duration(GetIntEnv("RETRY_REUSE_WINDOW_SECONDS", 90)) * time.Second,
			DefaultProvider:    GetEnv("DEFAULT_PROVIDER", "mtnmomo"),
		}
	}
	return policyInstance
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
