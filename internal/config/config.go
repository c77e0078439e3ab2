package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full process configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Detector DetectorConfig
	Book     BookConfig
	Hub      HubConfig
	Venues   VenueConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP/websocket listener.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig locates the Symbol Registry's persisted metadata store.
type DatabaseConfig struct {
	URL      string
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// RedisConfig locates the optional write-through hot-store mirror. Host
// empty means the mirror is disabled.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

// DetectorConfig tunes the arbitrage detector.
type DetectorConfig struct {
	WorkerCount   int
	MinProfitPct  float64
}

// BookConfig tunes the top-of-book store and the opportunity cache.
type BookConfig struct {
	StaleGrace        time.Duration
	OpportunityTTL    time.Duration
	CacheSweepPeriod  time.Duration
}

// HubConfig tunes the broadcast hub.
type HubConfig struct {
	SubscriberQueueSize int
	BatchFlushInterval  time.Duration
	BatchMaxSize        int
	StatsInterval       time.Duration
}

// VenueConfig carries per-venue connection limits and optional credentials.
type VenueConfig struct {
	MaxConnections int
	APIKeys        map[string]string
}

// LoggingConfig controls pkg/logging.InitGlobalLogger.
type LoggingConfig struct {
	Level      string
	Format     string
	MaxSize    int
	BackupCount int
}

// ConfigError marks a fatal startup configuration problem (missing env,
// bad value). The caller must abort the process before accepting traffic.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

var knownVenues = []string{"VENUE_A", "VENUE_B", "VENUE_C"}

// Load reads the process configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "arbitrage"),
			User:     getEnv("DB_USER", "arbitrage"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Detector: DetectorConfig{
			WorkerCount:  getEnvAsInt("WORKER_COUNT", 8),
			MinProfitPct: getEnvAsFloat("MIN_PROFIT_THRESHOLD", 0),
		},
		Book: BookConfig{
			StaleGrace:       getEnvAsDuration("STALE_GRACE", 30*time.Second),
			OpportunityTTL:   time.Duration(getEnvAsInt("OPPORTUNITY_TTL_SECONDS", 60)) * time.Second,
			CacheSweepPeriod: getEnvAsDuration("CACHE_SWEEP_PERIOD", 1*time.Second),
		},
		Hub: HubConfig{
			SubscriberQueueSize: getEnvAsInt("SUBSCRIBER_QUEUE_SIZE", 1024),
			BatchFlushInterval:  getEnvAsDuration("OPPORTUNITY_BATCH_INTERVAL", 100*time.Millisecond),
			BatchMaxSize:        getEnvAsInt("OPPORTUNITY_BATCH_SIZE", 64),
			StatsInterval:       getEnvAsDuration("STATS_INTERVAL", 30*time.Second),
		},
		Venues: VenueConfig{
			MaxConnections: getEnvAsInt("MAX_CONNECTIONS", 1000),
			APIKeys:        loadVenueAPIKeys(),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			MaxSize:     getEnvAsInt("LOG_MAX_SIZE", 100),
			BackupCount: getEnvAsInt("LOG_BACKUP_COUNT", 5),
		},
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Name,
			cfg.Database.User, cfg.Database.Password, cfg.Database.SSLMode,
		)
	}

	if cfg.Detector.WorkerCount <= 0 {
		return nil, &ConfigError{Field: "WORKER_COUNT", Msg: "must be positive"}
	}
	if cfg.Hub.SubscriberQueueSize <= 0 {
		return nil, &ConfigError{Field: "SUBSCRIBER_QUEUE_SIZE", Msg: "must be positive"}
	}
	if cfg.Venues.MaxConnections <= 0 {
		return nil, &ConfigError{Field: "MAX_CONNECTIONS", Msg: "must be positive"}
	}

	return cfg, nil
}

func loadVenueAPIKeys() map[string]string {
	keys := make(map[string]string, len(knownVenues))
	for _, venue := range knownVenues {
		if key := os.Getenv(venue + "_API_KEY"); key != "" {
			keys[venue] = key
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
