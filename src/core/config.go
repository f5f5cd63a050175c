package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port             string        `yaml:"port"`
	LogLevel         string        `yaml:"logLevel"`
	DatabaseDSN      string        `yaml:"databaseDSN"`
	SubmitterURL     string        `yaml:"submitterURL"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	RateLimitPerMin  int           `yaml:"rateLimitPerMinute"`
	MaxBodySizeBytes int64         `yaml:"maxBodySizeBytes"`

	// Resolver registry
	MinResolverStake  string `yaml:"minResolverStake"`
	MaxResolvers      int    `yaml:"maxResolvers"`
	ReputationBase    int64  `yaml:"reputationBase"`
	ReputationCeiling int64  `yaml:"reputationCeiling"`
	ReputationReward  int64  `yaml:"reputationReward"`
	ReputationPenalty int64  `yaml:"reputationPenalty"`
	ReputationFloor   int64  `yaml:"reputationFloor"`

	// Timelock bounds, seconds
	MinTimelock     int64 `yaml:"minTimelock"`
	MaxTimelock     int64 `yaml:"maxTimelock"`
	DefaultTimelock int64 `yaml:"defaultTimelock"`

	// Auctions
	AuctionDuration   time.Duration `yaml:"auctionDuration"`
	ReservePriceFloor string        `yaml:"reservePriceFloor"`

	// Coordinator
	EthereumConfirmations int           `yaml:"ethereumConfirmations"`
	StellarConfirmations  int           `yaml:"stellarConfirmations"`
	SweepInterval         time.Duration `yaml:"sweepInterval"`
	ReservationGrace      time.Duration `yaml:"reservationGrace"`
	EventQueueSize        int           `yaml:"eventQueueSize"`
}

// Default values
const (
	DefaultMinResolverStake  = "10000000000000000000" // 10 units in wei
	DefaultMaxResolvers      = 100
	DefaultReputationBase    = 100
	DefaultReputationCeiling = 200
	DefaultReputationReward  = 1
	DefaultReputationPenalty = 10
	DefaultReputationFloor   = 50
	DefaultMinTimelock       = int64(3600)      // 1 hour
	DefaultMaxTimelock       = int64(48 * 3600) // 48 hours
	DefaultTimelockSeconds   = int64(24 * 3600)
	DefaultAuctionDuration   = 60 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultReservationGrace  = 5 * time.Minute
	DefaultEventQueueSize    = 64
	DefaultRateLimitPerMin   = 100
	DefaultMaxBodySizeBytes  = 1 << 20 // 1MB
	DefaultShutdownTimeout   = 30 * time.Second
)

// LoadConfig reads configuration from an optional YAML file pointed to
// by CONFIG_FILE, then applies environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                  "8080",
		LogLevel:              "info",
		ShutdownTimeout:       DefaultShutdownTimeout,
		RateLimitPerMin:       DefaultRateLimitPerMin,
		MaxBodySizeBytes:      DefaultMaxBodySizeBytes,
		MinResolverStake:      DefaultMinResolverStake,
		MaxResolvers:          DefaultMaxResolvers,
		ReputationBase:        DefaultReputationBase,
		ReputationCeiling:     DefaultReputationCeiling,
		ReputationReward:      DefaultReputationReward,
		ReputationPenalty:     DefaultReputationPenalty,
		ReputationFloor:       DefaultReputationFloor,
		MinTimelock:           DefaultMinTimelock,
		MaxTimelock:           DefaultMaxTimelock,
		DefaultTimelock:       DefaultTimelockSeconds,
		AuctionDuration:       DefaultAuctionDuration,
		ReservePriceFloor:     "0",
		EthereumConfirmations: 12,
		StellarConfirmations:  1,
		SweepInterval:         DefaultSweepInterval,
		ReservationGrace:      DefaultReservationGrace,
		EventQueueSize:        DefaultEventQueueSize,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if url := os.Getenv("SUBMITTER_URL"); url != "" {
		cfg.SubmitterURL = url
	}
	if stake := os.Getenv("MIN_RESOLVER_STAKE"); stake != "" {
		cfg.MinResolverStake = stake
	}
	if maxEnv := os.Getenv("MAX_RESOLVERS"); maxEnv != "" {
		if n, err := strconv.Atoi(maxEnv); err == nil && n > 0 {
			cfg.MaxResolvers = n
		}
	}
	if d := os.Getenv("AUCTION_DURATION"); d != "" {
		if duration, err := time.ParseDuration(d); err == nil && duration > 0 {
			cfg.AuctionDuration = duration
		}
	}
	if v := os.Getenv("ETHEREUM_CONFIRMATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EthereumConfirmations = n
		}
	}
	if v := os.Getenv("STELLAR_CONFIRMATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.StellarConfirmations = n
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if duration, err := time.ParseDuration(v); err == nil && duration > 0 {
			cfg.SweepInterval = duration
		}
	}
	if v := os.Getenv("RESERVATION_GRACE"); v != "" {
		if duration, err := time.ParseDuration(v); err == nil && duration > 0 {
			cfg.ReservationGrace = duration
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("MAX_BODY_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodySizeBytes = n
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if duration, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = duration
		}
	}
}

func (cfg *Config) validate() error {
	if _, ok := new(big.Int).SetString(cfg.MinResolverStake, 10); !ok {
		return fmt.Errorf("invalid minResolverStake %q", cfg.MinResolverStake)
	}
	if cfg.MinTimelock <= 0 || cfg.MaxTimelock < cfg.MinTimelock {
		return fmt.Errorf("invalid timelock bounds [%d,%d]", cfg.MinTimelock, cfg.MaxTimelock)
	}
	if cfg.DefaultTimelock < cfg.MinTimelock || cfg.DefaultTimelock > cfg.MaxTimelock {
		return fmt.Errorf("default timelock %d outside bounds [%d,%d]", cfg.DefaultTimelock, cfg.MinTimelock, cfg.MaxTimelock)
	}
	if cfg.ReputationFloor > cfg.ReputationBase || cfg.ReputationBase > cfg.ReputationCeiling {
		return fmt.Errorf("reputation floor/base/ceiling must be ordered: %d/%d/%d",
			cfg.ReputationFloor, cfg.ReputationBase, cfg.ReputationCeiling)
	}
	if cfg.EventQueueSize <= 0 {
		return fmt.Errorf("eventQueueSize must be positive")
	}
	return nil
}

// MinStake returns the configured minimum stake as a big integer
func (cfg *Config) MinStake() *big.Int {
	stake, _ := new(big.Int).SetString(cfg.MinResolverStake, 10)
	return stake
}

// Confirmations returns the finality depth requirement for a chain
func (cfg *Config) Confirmations(chain ChainID) int {
	switch chain {
	case ChainEthereum:
		return cfg.EthereumConfirmations
	case ChainStellar:
		return cfg.StellarConfirmations
	default:
		return cfg.EthereumConfirmations
	}
}
