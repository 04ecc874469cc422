package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	APIToken    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis  RedisConfig
	Upload UploadConfig
	Seed   SeedConfig

	// IngestConfigPath points at the directory holding ingest.yml.
	IngestConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type UploadConfig struct {
	MaxBytes int64
	MaxRows  int
	// RatePerMinute and Burst bound uploads per client and dataset. Zero
	// disables the limit; enforcing it needs Redis.
	RatePerMinute float64
	Burst         int
}

type SeedConfig struct {
	PeriodsFromYear int
	PeriodsToYear   int
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewIngestConfigHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "cartera"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		APIToken:          strings.TrimSpace(getenv("API_TOKEN", "")),
		NodeID:            getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "cartera"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "cartera.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Upload: UploadConfig{
			MaxBytes:      getenvInt64("UPLOAD_MAX_BYTES", 10<<20),
			MaxRows:       int(getenvInt64("UPLOAD_MAX_ROWS", 20000)),
			RatePerMinute: getenvFloat("UPLOAD_RATE_PER_MINUTE", 0),
			Burst:         int(getenvInt64("UPLOAD_BURST", 5)),
		},
		Seed: SeedConfig{
			PeriodsFromYear: int(getenvInt64("SEED_PERIODS_FROM", 2020)),
			PeriodsToYear:   int(getenvInt64("SEED_PERIODS_TO", 0)),
		},
		IngestConfigPath: getenv("INGEST_CONFIG_PATH", "."),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
