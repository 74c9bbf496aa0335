// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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

	// Node identity
	NodeAddr       string // This node's fleet address (lowercase 0x hex)
	NodePrivateKey string // Hex-encoded secp256k1 key, no 0x prefix

	// Mint backend
	MintRPCURL      string        // External value backend RPC; empty = simulated backend
	MintChainID     int64         // Chain ID for the external backend
	MintContract    string        // Escrow contract address on the backend chain
	MintTimeout     time.Duration // Per-call timeout
	MintRetries     int           // Retry budget per call
	BreakerFailures int           // Consecutive failures before the circuit opens
	BreakerCooldown time.Duration // Open-state cooldown before half-open probes
	BreakerProbes   int           // Consecutive probe successes required to close

	// Settlement
	NettingAckWindow time.Duration // How long counterparties may take to ack a proposal
	TicketSweepEvery time.Duration // Expired-ticket sweep interval
	SecretRetention  time.Duration // Revealed-secret retention before prune
	BondCooldown     time.Duration // Bond unlock cooldown before refund

	// Security
	SecretsKey    string // Key material for secret encryption at rest (required in production)
	ReceiptSecret string // HMAC secret for ticket transition receipts
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRateLimit        = 100
	DefaultMintTimeout      = 10 * time.Second
	DefaultMintRetries      = 3
	DefaultBreakerFailures  = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultBreakerProbes    = 2
	DefaultNettingAckWindow = 4 * time.Hour
	DefaultTicketSweep      = 30 * time.Second
	DefaultSecretRetention  = 7 * 24 * time.Hour
	DefaultBondCooldown     = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		NodeAddr:         os.Getenv("NODE_ADDR"),
		NodePrivateKey:   os.Getenv("NODE_PRIVATE_KEY"),
		MintRPCURL:       os.Getenv("MINT_RPC_URL"),
		MintChainID:      int64(getEnvInt("MINT_CHAIN_ID", 0)),
		MintContract:     os.Getenv("MINT_CONTRACT"),
		MintTimeout:      getEnvDuration("MINT_TIMEOUT", DefaultMintTimeout),
		MintRetries:      getEnvInt("MINT_RETRIES", DefaultMintRetries),
		BreakerFailures:  getEnvInt("BREAKER_FAILURES", DefaultBreakerFailures),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		BreakerProbes:    getEnvInt("BREAKER_PROBES", DefaultBreakerProbes),
		NettingAckWindow: getEnvDuration("NETTING_ACK_WINDOW", DefaultNettingAckWindow),
		TicketSweepEvery: getEnvDuration("TICKET_SWEEP_EVERY", DefaultTicketSweep),
		SecretRetention:  getEnvDuration("SECRET_RETENTION", DefaultSecretRetention),
		BondCooldown:     getEnvDuration("BOND_COOLDOWN", DefaultBondCooldown),
		SecretsKey:       os.Getenv("SECRETS_KEY"),
		ReceiptSecret:    os.Getenv("RECEIPT_SECRET"),
		RateLimitRPS:     getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Env == "production" {
		if c.SecretsKey == "" {
			return fmt.Errorf("SECRETS_KEY is required in production")
		}
		if c.ReceiptSecret == "" {
			return fmt.Errorf("RECEIPT_SECRET is required in production")
		}
	}
	if c.MintRPCURL != "" {
		if c.MintContract == "" {
			return fmt.Errorf("MINT_CONTRACT is required when MINT_RPC_URL is set")
		}
		if c.NodePrivateKey == "" {
			return fmt.Errorf("NODE_PRIVATE_KEY is required when MINT_RPC_URL is set")
		}
	}
	if c.MintRetries < 1 {
		return fmt.Errorf("MINT_RETRIES must be at least 1")
	}
	if c.BreakerFailures < 1 || c.BreakerProbes < 1 {
		return fmt.Errorf("circuit breaker thresholds must be at least 1")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
