package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the gateway reads from the environment.
type Config struct {
	ServerPort string

	RedisAddr     string
	RedisPassword string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	DefaultProcessorURL  string
	FallbackProcessorURL string

	QueueCapacity int
	AcceptLockTTL time.Duration
	PopWait       time.Duration

	CallTimeout   time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	ProbeInterval time.Duration

	BreakerTripAfter   int
	BreakerWindow      time.Duration
	BreakerFailureRate float64
	BreakerCooldown    time.Duration
}

func Load() Config {
	return Config{
		ServerPort: readEnv("PORT", "9999"),

		RedisAddr:     readEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: readEnv("REDIS_PASSWORD", ""),

		DBHost:     readEnv("DB_HOST", "localhost"),
		DBPort:     readEnvInt("DB_PORT", 5432),
		DBUser:     readEnv("DB_USER", "root"),
		DBPassword: readEnv("DB_PASSWORD", "root"),
		DBName:     readEnv("DB_NAME", "payments"),

		DefaultProcessorURL:  readEnv("PAYMENT_PROCESSOR_URL_DEFAULT", "http://localhost:8001"),
		FallbackProcessorURL: readEnv("PAYMENT_PROCESSOR_URL_FALLBACK", "http://localhost:8002"),

		QueueCapacity: readEnvInt("QUEUE_CAPACITY", 10000),
		AcceptLockTTL: readEnvDuration("ACCEPT_LOCK_TTL", 5*time.Minute),
		PopWait:       readEnvDuration("POP_WAIT", 5*time.Second),

		CallTimeout:   readEnvDuration("PROCESSOR_TIMEOUT", 3*time.Second),
		MaxRetries:    readEnvInt("MAX_RETRIES", 3),
		BackoffBase:   readEnvDuration("BACKOFF_BASE", 500*time.Millisecond),
		ProbeInterval: readEnvDuration("PROBE_INTERVAL", 5*time.Second),

		BreakerTripAfter:   readEnvInt("BREAKER_TRIP_AFTER", 3),
		BreakerWindow:      readEnvDuration("BREAKER_WINDOW", 30*time.Second),
		BreakerFailureRate: readEnvFloat("BREAKER_FAILURE_RATE", 0.5),
		BreakerCooldown:    readEnvDuration("BREAKER_COOLDOWN", 10*time.Second),
	}
}

func readEnv(name string, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func readEnvInt(name string, def int) int {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func readEnvFloat(name string, def float64) float64 {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func readEnvDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
