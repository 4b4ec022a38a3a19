package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string

	// IntegrationsFile points at the read-only gateway integration config
	// exported by the business service.
	IntegrationsFile string

	ReconcileInterval time.Duration
	ExpiryInterval    time.Duration
	RetryInterval     time.Duration
	PendingAge        time.Duration
	InitiationTimeout time.Duration
	SweepBatchSize    int
	MaxRetries        int
}

func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8082"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		KafkaBrokers:     os.Getenv("KAFKA_BROKERS"),
		IntegrationsFile: getenv("INTEGRATIONS_FILE", "integrations.json"),

		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ExpiryInterval:    getDuration("EXPIRY_INTERVAL", 60*time.Minute),
		RetryInterval:     getDuration("RETRY_INTERVAL", 15*time.Minute),
		PendingAge:        getDuration("PENDING_AGE", 5*time.Minute),
		InitiationTimeout: getDuration("INITIATION_TIMEOUT", 30*time.Minute),
		SweepBatchSize:    getInt("SWEEP_BATCH_SIZE", 100),
		MaxRetries:        getInt("MAX_RETRIES", 3),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
