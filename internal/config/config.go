// Package config resolves engine configuration from the environment, with an
// optional YAML file supplying base values. Environment variables always win
// so deployments can override a checked-in file per instance.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/signalswap/backend/internal/core"
	"gopkg.in/yaml.v2"
)

// Commitment is the confirmation level awaited after submitting a transaction.
type Commitment string

const (
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Config is the full engine configuration.
type Config struct {
	// MasterKeyHex is the 32-byte hex master encryption key. Required.
	MasterKeyHex string `yaml:"-"`

	// ExecutionEnabled is the process-wide kill switch.
	ExecutionEnabled bool `yaml:"execution_enabled"`

	PollInterval time.Duration `yaml:"-"`
	StalenessMax time.Duration `yaml:"-"`

	// MaxUserAggregateExposureUSD caps total exposure admitted per user.
	MaxUserAggregateExposureUSD float64 `yaml:"max_user_aggregate_exposure_usd"`

	Commitment  Commitment `yaml:"commitment"`
	SlippageBps int        `yaml:"slippage_bps"`

	TransactionTimeout time.Duration `yaml:"-"`

	// Workers bounds concurrent coordinator dispatches per tick.
	Workers int `yaml:"workers"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	MarketBaseURL string `yaml:"market_base_url"`
	MarketAPIKey  string `yaml:"-"`

	RouterBaseURL string `yaml:"router_base_url"`
	RPCURL        string `yaml:"rpc_url"`

	// StableMint / VolatileMint are the two sides of every automation swap.
	StableMint   string `yaml:"stable_mint"`
	VolatileMint string `yaml:"volatile_mint"`

	// LowBalanceFloorLamports triggers WALLET_LOW_BALANCE below this level.
	LowBalanceFloorLamports uint64 `yaml:"low_balance_floor_lamports"`

	AdminListenAddr string `yaml:"admin_listen_addr"`
	// AdminAPIKeyHash is a bcrypt hash of the operator bearer key. Empty
	// disables auth (local development only).
	AdminAPIKeyHash string `yaml:"-"`
}

// Defaults returns the baseline configuration before file and env overlays.
func Defaults() *Config {
	return &Config{
		ExecutionEnabled:        true,
		PollInterval:            15 * time.Minute,
		StalenessMax:            30 * time.Minute,
		Commitment:              CommitmentFinalized,
		SlippageBps:             200,
		TransactionTimeout:      90 * time.Second,
		Workers:                 8,
		MarketBaseURL:           "https://gamma-api.polymarket.com",
		RouterBaseURL:           "https://quote-api.jup.ag/v6",
		RPCURL:                  "https://api.mainnet-beta.solana.com",
		StableMint:              "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		VolatileMint:            "So11111111111111111111111111111111111111112",
		LowBalanceFloorLamports: 10_000_000, // 0.01 SOL
		AdminListenAddr:         ":8080",
	}
}

// Load builds the effective config: defaults, then the optional YAML file at
// path (empty path skips the file), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config file: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", core.ErrConfigInvalid, path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MASTER_ENCRYPTION_KEY"); v != "" {
		c.MasterKeyHex = v
	}
	if v := os.Getenv("EXECUTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: EXECUTION_ENABLED=%q", core.ErrConfigInvalid, v)
		}
		c.ExecutionEnabled = b
	}
	if d, err := envMillis("POLL_INTERVAL_MS"); err != nil {
		return err
	} else if d > 0 {
		c.PollInterval = d
	}
	if d, err := envMillis("STALENESS_MAX_MS"); err != nil {
		return err
	} else if d > 0 {
		c.StalenessMax = d
	}
	if d, err := envMillis("TRANSACTION_TIMEOUT_MS"); err != nil {
		return err
	} else if d > 0 {
		c.TransactionTimeout = d
	}
	if v := os.Getenv("MAX_USER_AGGREGATE_EXPOSURE_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_USER_AGGREGATE_EXPOSURE_USD=%q", core.ErrConfigInvalid, v)
		}
		c.MaxUserAggregateExposureUSD = f
	}
	if v := os.Getenv("TRANSACTION_CONFIRMATION_COMMITMENT"); v != "" {
		c.Commitment = Commitment(v)
	}
	if v := os.Getenv("SLIPPAGE_TOLERANCE_BPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SLIPPAGE_TOLERANCE_BPS=%q", core.ErrConfigInvalid, v)
		}
		c.SlippageBps = n
	}
	if v := os.Getenv("POLL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: POLL_WORKERS=%q", core.ErrConfigInvalid, v)
		}
		c.Workers = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REDIS_DB=%q", core.ErrConfigInvalid, v)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("MARKET_API_BASE_URL"); v != "" {
		c.MarketBaseURL = v
	}
	if v := os.Getenv("MARKET_API_KEY"); v != "" {
		c.MarketAPIKey = v
	}
	if v := os.Getenv("ROUTER_BASE_URL"); v != "" {
		c.RouterBaseURL = v
	}
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		c.RPCURL = v
	}
	if v := os.Getenv("STABLE_MINT"); v != "" {
		c.StableMint = v
	}
	if v := os.Getenv("VOLATILE_MINT"); v != "" {
		c.VolatileMint = v
	}
	if v := os.Getenv("LOW_BALANCE_FLOOR_LAMPORTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: LOW_BALANCE_FLOOR_LAMPORTS=%q", core.ErrConfigInvalid, v)
		}
		c.LowBalanceFloorLamports = n
	}
	if v := os.Getenv("ADMIN_LISTEN_ADDR"); v != "" {
		c.AdminListenAddr = v
	}
	if v := os.Getenv("ADMIN_API_KEY_HASH"); v != "" {
		c.AdminAPIKeyHash = v
	}
	return nil
}

func envMillis(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", core.ErrConfigInvalid, name, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Validate checks the invariants the rest of the engine relies on.
func (c *Config) Validate() error {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("%w: MASTER_ENCRYPTION_KEY must be 32 bytes of hex", core.ErrConfigInvalid)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", core.ErrConfigInvalid)
	}
	switch c.Commitment {
	case CommitmentConfirmed, CommitmentFinalized:
	default:
		return fmt.Errorf("%w: commitment %q (want confirmed|finalized)", core.ErrConfigInvalid, c.Commitment)
	}
	if c.SlippageBps <= 0 || c.SlippageBps > 10_000 {
		return fmt.Errorf("%w: slippage %d bps out of range", core.ErrConfigInvalid, c.SlippageBps)
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return nil
}

// MasterKey returns the decoded 32-byte master key. Validate must have
// succeeded first.
func (c *Config) MasterKey() []byte {
	key, _ := hex.DecodeString(c.MasterKeyHex)
	return key
}
