// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/fees"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Logging
	LogFormat     string // "json" or "text"
	LogFile       string // rotated file output in addition to stdout (optional)
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Signing domain for meta-transactions
	ChainID       int64
	EngineAddress common.Address
	DomainName    string
	DomainVersion string

	// Fees and administration
	Treasury       common.Address
	FeeBasisPoints uint64
	Admins         []common.Address

	// Governance
	Managers            []common.Address
	GovernanceThreshold int
	Arbitrators         []common.Address

	// Compliance: an HTTP registry when ComplianceURL is set, otherwise the static lists
	ComplianceURL       string
	ComplianceAllowlist []common.Address
	ComplianceFrozen    []common.Address

	// Outbound event notifications; empty WebhookURLs disables delivery
	WebhookURLs   []string
	WebhookSecret string
	WebhookEvents []string // empty means every event type

	// Operations
	OTelEndpoint        string
	RateLimitRPM        int
	ExpirySweepInterval time.Duration
	ReconcileInterval   time.Duration // zero disables custody reconciliation
	BootstrapFile       string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultDomainName     = "TradeVault"
	DefaultDomainVersion  = "1"
	DefaultFeeBasisPoints = 25
	DefaultThreshold      = 2
	DefaultRateLimitRPM   = 600
	DefaultSweepInterval  = 30 * time.Second
	DefaultReconcileEvery = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		LogMaxSizeMB:        int(getEnvInt64("LOG_MAX_SIZE_MB", 100)),
		LogMaxBackups:       int(getEnvInt64("LOG_MAX_BACKUPS", 5)),
		LogMaxAgeDays:       int(getEnvInt64("LOG_MAX_AGE_DAYS", 30)),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		EngineAddress:       p.address("ENGINE_ADDRESS"),
		DomainName:          getEnv("DOMAIN_NAME", DefaultDomainName),
		DomainVersion:       getEnv("DOMAIN_VERSION", DefaultDomainVersion),
		Treasury:            p.address("TREASURY_ADDRESS"),
		FeeBasisPoints:      uint64(getEnvInt64("FEE_BASIS_POINTS", DefaultFeeBasisPoints)),
		Admins:              p.addresses("ADMIN_ADDRESSES"),
		Managers:            p.addresses("MANAGER_ADDRESSES"),
		GovernanceThreshold: int(getEnvInt64("GOVERNANCE_THRESHOLD", DefaultThreshold)),
		Arbitrators:         p.addresses("ARBITRATOR_ADDRESSES"),
		ComplianceURL:       os.Getenv("COMPLIANCE_URL"),
		ComplianceAllowlist: p.addresses("COMPLIANCE_ALLOWLIST"),
		ComplianceFrozen:    p.addresses("COMPLIANCE_FROZEN"),
		WebhookURLs:         getEnvList("WEBHOOK_URLS"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookEvents:       getEnvList("WEBHOOK_EVENTS"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		BootstrapFile:       os.Getenv("BOOTSTRAP_FILE"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if cfg.BootstrapFile != "" {
		b, err := LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return nil, err
		}
		if err := b.ApplyTo(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and that the
// governance and fee settings can start a consistent engine.
func (c *Config) Validate() error {
	if c.Treasury == (common.Address{}) {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	if c.FeeBasisPoints > fees.MaxFeeBasisPoints {
		return fmt.Errorf("FEE_BASIS_POINTS must be at most %d, got %d", fees.MaxFeeBasisPoints, c.FeeBasisPoints)
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.EngineAddress == (common.Address{}) {
		return fmt.Errorf("ENGINE_ADDRESS is required")
	}
	if c.DomainName == "" || c.DomainVersion == "" {
		return fmt.Errorf("DOMAIN_NAME and DOMAIN_VERSION must not be empty")
	}

	if err := arbitration.ValidateCount(len(c.Arbitrators)); err != nil {
		return fmt.Errorf("ARBITRATOR_ADDRESSES: %w", err)
	}
	if err := checkDistinct("ARBITRATOR_ADDRESSES", c.Arbitrators); err != nil {
		return err
	}
	if len(c.Managers) == 0 {
		return fmt.Errorf("MANAGER_ADDRESSES is required")
	}
	if err := checkDistinct("MANAGER_ADDRESSES", c.Managers); err != nil {
		return err
	}
	if c.GovernanceThreshold < 1 || c.GovernanceThreshold > len(c.Managers) {
		return fmt.Errorf("GOVERNANCE_THRESHOLD must be between 1 and %d, got %d", len(c.Managers), c.GovernanceThreshold)
	}
	if err := checkDistinct("ADMIN_ADDRESSES", c.Admins); err != nil {
		return err
	}

	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			return fmt.Errorf("WEBHOOK_URLS: %q is not an http(s) URL", u)
		}
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required in production when WEBHOOK_URLS is set")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects malformed address settings so Load reports all of them.
type parser struct {
	errs []error
}

func (p *parser) address(key string) common.Address {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return common.Address{}
	}
	a, err := parseAddress(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return a
}

func (p *parser) addresses(key string) []common.Address {
	list, err := parseAddressList(os.Getenv(key))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return list
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAddressList(s string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := parseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func checkDistinct(key string, addrs []common.Address) error {
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if a == (common.Address{}) {
			return fmt.Errorf("%s: zero address", key)
		}
		if _, ok := seen[a]; ok {
			return fmt.Errorf("%s: duplicate address %s", key, a.Hex())
		}
		seen[a] = struct{}{}
	}
	return nil
}
