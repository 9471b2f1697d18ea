// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain node
	RPCURL           string
	ContractArtifact string // truffle/hardhat JSON with abi and bytecode
	TxTimeout        time.Duration
	TxPollInterval   time.Duration

	// Escrow behaviour
	AccountPoolSize         int
	DefaultReturnWindowDays int
	ScanPageSize            int
	ScanMaxPages            int
	SellerCacheTTL          time.Duration
	ReconcileInterval       time.Duration // 0 disables the periodic drift audit

	// Security
	AdminSecret        string
	AllowedOrigins     []string
	RateLimitPerMinute int // write requests per client IP; 0 disables
	RateLimitBurst     int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Local development defaults (ganache on its default port)
const (
	DefaultRPCURL            = "http://127.0.0.1:8545"
	DefaultContractArtifact  = "build/contracts/ReceiptManager.json"
	DefaultPort              = "8010"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultTxTimeout         = 60 * time.Second
	DefaultTxPollInterval    = 500 * time.Millisecond
	DefaultAccountPoolSize   = 10
	DefaultReturnWindowDays  = 30
	DefaultScanPageSize      = 100
	DefaultScanMaxPages      = 5
	DefaultSellerCacheTTL    = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimit         = 30
	DefaultRateLimitBurst    = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		ContractArtifact:        getEnv("CONTRACT_ARTIFACT", DefaultContractArtifact),
		TxTimeout:               getEnvDuration("TX_TIMEOUT", DefaultTxTimeout),
		TxPollInterval:          getEnvDuration("TX_POLL_INTERVAL", DefaultTxPollInterval),
		AccountPoolSize:         int(getEnvInt64("ACCOUNT_POOL_SIZE", DefaultAccountPoolSize)),
		DefaultReturnWindowDays: int(getEnvInt64("DEFAULT_RETURN_WINDOW_DAYS", DefaultReturnWindowDays)),
		ScanPageSize:            int(getEnvInt64("SCAN_PAGE_SIZE", DefaultScanPageSize)),
		ScanMaxPages:            int(getEnvInt64("SCAN_MAX_PAGES", DefaultScanMaxPages)),
		SellerCacheTTL:          getEnvDuration("SELLER_CACHE_TTL", DefaultSellerCacheTTL),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		AllowedOrigins:          getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:      int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		RateLimitBurst:          int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive")
	}
	if c.TxPollInterval <= 0 {
		return fmt.Errorf("TX_POLL_INTERVAL must be positive")
	}
	if c.AccountPoolSize < 1 {
		return fmt.Errorf("ACCOUNT_POOL_SIZE must be at least 1")
	}
	if c.DefaultReturnWindowDays < 1 {
		return fmt.Errorf("DEFAULT_RETURN_WINDOW_DAYS must be at least 1")
	}
	if c.ScanPageSize < 1 {
		return fmt.Errorf("SCAN_PAGE_SIZE must be at least 1")
	}
	if c.ScanMaxPages < 0 {
		return fmt.Errorf("SCAN_MAX_PAGES must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
