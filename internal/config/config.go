package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	// Connection registry
	PingInterval         time.Duration
	MaxReconnectAttempts int

	// Background loops
	SessionMonitorInterval  time.Duration
	ResolutionPurgeInterval time.Duration
	AnalyticsInterval       time.Duration
	DeliveryTickInterval    time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),

		PingInterval:         getDuration("PING_INTERVAL", 30*time.Second),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 5),

		SessionMonitorInterval:  getDuration("SESSION_MONITOR_INTERVAL", 30*time.Second),
		ResolutionPurgeInterval: getDuration("RESOLUTION_PURGE_INTERVAL", time.Hour),
		AnalyticsInterval:       getDuration("ANALYTICS_INTERVAL", time.Minute),
		DeliveryTickInterval:    getDuration("DELIVERY_TICK_INTERVAL", 5*time.Second),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
