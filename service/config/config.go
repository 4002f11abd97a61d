package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/oreflow/service/ore"
	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the relayer program on mainnet.
const DefaultProgramID = "HS9XYYijv7g39DJ8G7zWB4Sb5ewRvWyeJ4JyMR2V1YYi"

// DefaultTopUpAmount is the escrow funding transfer in lamports (0.05 SOL)
// used by top_up and open_account when no amount is given.
const DefaultTopUpAmount = 50_000_000

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration; attempt history is disabled when empty
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURLs       []string
	ProgramID           string
	OREMintAddress      string
	FeeCollectorAddress string

	// Transaction pipeline
	TopUpAmount         uint64 // lamports
	PriorityFee         int64  // micro-lamports, clamped by the fee setting
	SettleDelay         time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	KeypairPath         string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}

	cfg.ProgramID = getEnvOrDefault("PROGRAM_ID", DefaultProgramID)
	cfg.OREMintAddress = os.Getenv("ORE_MINT_ADDRESS")
	if cfg.OREMintAddress == "" {
		errs = append(errs, fmt.Errorf("ORE_MINT_ADDRESS is required"))
	}
	cfg.FeeCollectorAddress = os.Getenv("FEE_COLLECTOR_ADDRESS")
	if cfg.FeeCollectorAddress == "" {
		errs = append(errs, fmt.Errorf("FEE_COLLECTOR_ADDRESS is required"))
	}
	for key, value := range map[string]string{
		"PROGRAM_ID":            cfg.ProgramID,
		"ORE_MINT_ADDRESS":      cfg.OREMintAddress,
		"FEE_COLLECTOR_ADDRESS": cfg.FeeCollectorAddress,
	} {
		if value == "" {
			continue
		}
		if _, err := solana.PublicKeyFromBase58(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid address %q: %w", key, value, err))
		}
	}

	// Transaction pipeline
	topUp, err := parseUint("TOP_UP_AMOUNT_LAMPORTS", DefaultTopUpAmount)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TopUpAmount = topUp
	}

	fee, err := parseInt("PRIORITY_FEE_MICROLAMPORTS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PriorityFee = int64(fee)
	}

	if cfg.SettleDelay, err = parseDuration("SETTLE_DELAY", "1s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "60s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmPollInterval, err = parseDuration("CONFIRM_POLL_INTERVAL", "500ms"); err != nil {
		errs = append(errs, err)
	}

	cfg.KeypairPath = os.Getenv("KEYPAIR_PATH")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "oreflow-transactions")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if _, err := c.Program(); err != nil {
		errs = append(errs, err)
	}

	if c.TopUpAmount == 0 {
		errs = append(errs, fmt.Errorf("TopUpAmount must be positive"))
	}

	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("SettleDelay cannot be negative"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.ConfirmPollInterval <= 0 || c.ConfirmPollInterval > c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive and at most ConfirmTimeout"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Program parses the configured program addresses.
func (c *Config) Program() (ore.Program, error) {
	var (
		p   ore.Program
		err error
	)
	if p.ID, err = solana.PublicKeyFromBase58(c.ProgramID); err != nil {
		return ore.Program{}, fmt.Errorf("invalid program id %q: %w", c.ProgramID, err)
	}
	if p.Mint, err = solana.PublicKeyFromBase58(c.OREMintAddress); err != nil {
		return ore.Program{}, fmt.Errorf("invalid mint address %q: %w", c.OREMintAddress, err)
	}
	if p.FeeCollector, err = solana.PublicKeyFromBase58(c.FeeCollectorAddress); err != nil {
		return ore.Program{}, fmt.Errorf("invalid fee collector address %q: %w", c.FeeCollectorAddress, err)
	}
	if err := p.Validate(); err != nil {
		return ore.Program{}, err
	}
	return p, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}
