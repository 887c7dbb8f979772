package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds the full application configuration, loaded once at startup
// and passed explicitly to every component that needs it.
type Config struct {
	Port        string
	Environment string

	DBDriver   string // "sqlite" or "postgres"
	DBPath     string // sqlite file path
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	MongoURI string // optional cold-storage backend for archived partitions

	Provider  ProviderConfig
	Cache     CacheConfig
	Breaker   BreakerConfig
	Partition PartitionConfig
	Retrieval RetrievalConfig
}

// ProviderConfig configures the upstream market-data provider.
type ProviderConfig struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerMinute int
}

// CacheConfig configures the cache layer.
type CacheConfig struct {
	Capacity      int           // max entries in the in-process store
	HistoricalTTL time.Duration // settled historical ranges
	SnapshotTTL   time.Duration // near-real-time snapshots
	QueryTTL      time.Duration // saved query results
	DurablePath   string        // sqlite file for the shared durable tier, empty disables it
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping
	FailureRate      float64       // failure rate within the rolling window that also trips
	WindowSize       int           // rolling window length in calls
	Cooldown         time.Duration // OPEN -> HALF_OPEN delay
	CallTimeout      time.Duration // per-call timeout through the breaker
}

// PartitionConfig configures partition lifecycle management.
type PartitionConfig struct {
	LookaheadPeriods int           // partitions created ahead of now
	ArchiveAfter     time.Duration // SEALED -> ARCHIVED age threshold
	DropAfter        time.Duration // ARCHIVED -> DROPPED age threshold
}

// RetrievalConfig configures the retrieval service.
type RetrievalConfig struct {
	MaxRecords     int           // hard cap per symbol per request
	MaxSymbols     int           // hard cap on batch size
	RequestTimeout time.Duration // overall budget for a fetch request
	WarmSymbols    []string      // symbols pre-warmed into the cache at startup
}

// LoadConfig loads environment variables into a validated Config.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "data/marketdata.db"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", "marketdata_db"),
		MongoURI:    getEnv("MONGODB_URI", ""),
		Provider: ProviderConfig{
			BaseURL:           getEnv("PROVIDER_BASE_URL", "https://api-finfo.vndirect.com.vn/v4/stock_prices"),
			RequestTimeout:    getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			RequestsPerMinute: getEnvInt("PROVIDER_RPM", 60),
		},
		Cache: CacheConfig{
			Capacity:      getEnvInt("CACHE_CAPACITY", 2048),
			HistoricalTTL: getEnvDuration("CACHE_HISTORICAL_TTL", time.Hour),
			SnapshotTTL:   getEnvDuration("CACHE_SNAPSHOT_TTL", 30*time.Second),
			QueryTTL:      getEnvDuration("CACHE_QUERY_TTL", 10*time.Minute),
			DurablePath:   getEnv("CACHE_DURABLE_PATH", "data/cache.db"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURES", 5),
			FailureRate:      getEnvFloat("BREAKER_FAILURE_RATE", 0.5),
			WindowSize:       getEnvInt("BREAKER_WINDOW", 20),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
			CallTimeout:      getEnvDuration("BREAKER_CALL_TIMEOUT", 15*time.Second),
		},
		Partition: PartitionConfig{
			LookaheadPeriods: getEnvInt("PARTITION_LOOKAHEAD", 2),
			ArchiveAfter:     getEnvDuration("PARTITION_ARCHIVE_AFTER", 365*24*time.Hour),
			DropAfter:        getEnvDuration("PARTITION_DROP_AFTER", 3*365*24*time.Hour),
		},
		Retrieval: RetrievalConfig{
			MaxRecords:     getEnvInt("RETRIEVAL_MAX_RECORDS", 50000),
			MaxSymbols:     getEnvInt("RETRIEVAL_MAX_SYMBOLS", 50),
			RequestTimeout: getEnvDuration("RETRIEVAL_TIMEOUT", 2*time.Minute),
			WarmSymbols:    getEnvList("WARM_SYMBOLS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("invalid DB_DRIVER %q: must be sqlite or postgres", c.DBDriver)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be positive, got %d", c.Cache.Capacity)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURES must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("BREAKER_FAILURE_RATE must be in (0,1], got %v", c.Breaker.FailureRate)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	if c.Partition.LookaheadPeriods < 1 {
		return fmt.Errorf("PARTITION_LOOKAHEAD must be at least 1, got %d", c.Partition.LookaheadPeriods)
	}
	if c.Partition.DropAfter < c.Partition.ArchiveAfter {
		return fmt.Errorf("PARTITION_DROP_AFTER must not be shorter than PARTITION_ARCHIVE_AFTER")
	}
	if c.Retrieval.MaxRecords <= 0 || c.Retrieval.MaxSymbols <= 0 {
		return fmt.Errorf("retrieval limits must be positive")
	}
	if c.Provider.RequestsPerMinute <= 0 {
		return fmt.Errorf("PROVIDER_RPM must be positive, got %d", c.Provider.RequestsPerMinute)
	}
	return nil
}

// InitDB opens the relational store configured by cfg.
func InitDB(cfg *Config) (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var db *gorm.DB
	var err error
	switch cfg.DBDriver {
	case "postgres":
		log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost), cfg.DBPort, cfg.DBUser, cfg.DBName)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=require TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		if dir := filepathDir(cfg.DBPath); dir != "" {
			if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.DBPath), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully (%s)", cfg.DBDriver)
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

func filepathDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return f
}

// getEnvList parses a comma-separated environment variable, skipping blanks.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}
