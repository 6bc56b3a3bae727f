// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, 0x prefix optional
	EscrowContract string // Marketplace escrow contract
	EscrowAddress  string // Deposit address creators pay into
	TokenContract  string // Settlement token (USDC)

	// Settlement settings
	FeeRate          float64 // Marketplace cut, e.g. 0.15
	MinConfirmations uint64
	SettleMaxRetries int

	// Matching settings
	PairingTTLHours     int
	ScanIntervalMinutes int // auto-accept / rollback scan cadence
	QueueMaxN           int // per-agent waiting queue capacity

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeeRate       = 0.15
	DefaultMinConf       = 1
	DefaultMaxRetries    = 3
	DefaultPairingTTL    = 24 // hours
	DefaultScanInterval  = 10 // minutes
	DefaultQueueMax      = 10
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		EscrowAddress:       os.Getenv("ESCROW_ADDRESS"),
		TokenContract:       getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		FeeRate:             getEnvFloat("FEE_RATE", DefaultFeeRate),
		MinConfirmations:    uint64(getEnvInt64("MIN_CONFIRMATIONS", DefaultMinConf)),
		SettleMaxRetries:    int(getEnvInt64("SETTLE_MAX_RETRIES", DefaultMaxRetries)),
		PairingTTLHours:     int(getEnvInt64("PAIRING_TTL_HOURS", DefaultPairingTTL)),
		ScanIntervalMinutes: int(getEnvInt64("AUTO_ACCEPT_SCAN_INTERVAL_MINUTES", DefaultScanInterval)),
		QueueMaxN:           int(getEnvInt64("QUEUE_MAX_N", DefaultQueueMax)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return fmt.Errorf("FEE_RATE must be in [0, 1)")
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
