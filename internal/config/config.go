// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBENGINE_* environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Costs      CostsConfig      `toml:"costs"`
	Lending    LendingConfig    `toml:"lending"`
	Assets     []AssetConfig    `toml:"assets"`
	Venues     []VenueConfig    `toml:"venues"`
	Oracle     OracleConfig     `toml:"oracle"`
	Governance GovernanceConfig `toml:"governance"`
	Postgres   PostgresConfig   `toml:"postgres"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Operator   OperatorConfig   `toml:"operator"`
	Mode       string           `toml:"mode"`
	// Store selects the execution record backend: "sqlite" or "postgres".
	Store    string `toml:"store"`
	LogLevel string `toml:"log_level"`
}

// EngineConfig holds the engine's accounts and timings.
type EngineConfig struct {
	Vault      string   `toml:"vault"`
	Treasury   string   `toml:"treasury"`
	HopTimeout duration `toml:"hop_timeout"`
	LockTTL    duration `toml:"lock_ttl"`
	LockRetry  duration `toml:"lock_retry"`
	DedupSize  int      `toml:"dedup_size"`
	DedupTTL   duration `toml:"dedup_ttl"`
}

// CostsConfig feeds the profitability calculator.
type CostsConfig struct {
	BorrowFeeBps int64 `toml:"borrow_fee_bps"`
	GasBufferBps int64 `toml:"gas_buffer_bps"`
	MarginBps    int64 `toml:"margin_bps"`
}

// LendingConfig describes the simulated flash-loan pool.
type LendingConfig struct {
	Reserve    string          `toml:"reserve"`
	PremiumBps uint64          `toml:"premium_bps"`
	Funding    []FundingConfig `toml:"funding"`
}

// FundingConfig mints Amount of Token into the lending reserve at start-up.
type FundingConfig struct {
	Token  string `toml:"token"`
	Amount string `toml:"amount"`
}

// AssetConfig seeds the strategy of one borrowable asset. Amounts are
// base-10 strings in the token's smallest unit; empty means unlimited.
type AssetConfig struct {
	Address              string   `toml:"address"`
	Symbol               string   `toml:"symbol"`
	MinProfitFloor       string   `toml:"min_profit_floor"`
	MaxBorrow            string   `toml:"max_borrow"`
	MaxVolumePerWindow   string   `toml:"max_volume_per_window"`
	Window               duration `toml:"window"`
	MaxSlippageBps       uint32   `toml:"max_slippage_bps"`
	MaxAttemptsPerWindow int      `toml:"max_attempts_per_window"`
	MaxFailures          int      `toml:"max_failures"`
}

// VenueConfig describes one simulated venue. Reserves are minted to the venue
// account, one per token, at start-up.
type VenueConfig struct {
	ID       string   `toml:"id"`
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"`
	Tokens   []string `toml:"tokens"`
	Reserves []string `toml:"reserves"`
	FeeBps   uint64   `toml:"fee_bps"`
	// WeightsBps are the normalised weights of a weighted pool; they sum
	// to 10000.
	WeightsBps []uint64 `toml:"weights_bps"`
	// Amp is the stable-pool amplification coefficient, unscaled.
	Amp     uint64 `toml:"amp"`
	Enabled bool   `toml:"enabled"`
}

// OracleConfig tunes the price feed and the oracle guard.
type OracleConfig struct {
	StaleAfter       duration      `toml:"stale_after"`
	MaxDeviationBps  int64         `toml:"max_deviation_bps"`
	MaxConfidenceBps int64         `toml:"max_confidence_bps"`
	MaxFutureSkew    duration      `toml:"max_future_skew"`
	MinFeeds         int           `toml:"min_feeds"`
	MaxAge           duration      `toml:"max_age"`
	Timeout          duration      `toml:"timeout"`
	CacheTTL         duration      `toml:"cache_ttl"`
	Prices           []PriceConfig `toml:"prices"`
}

// PriceConfig seeds the manual price source.
type PriceConfig struct {
	Asset string `toml:"asset"`
	Price string `toml:"price"`
}

// GovernanceConfig holds the initial role assignment and the timelock delay.
type GovernanceConfig struct {
	Admin         string   `toml:"admin"`
	Guardians     []string `toml:"guardians"`
	Proposers     []string `toml:"proposers"`
	Executors     []string `toml:"executors"`
	TimelockDelay duration `toml:"timelock_delay"`
	// DepegThresholdBps flags stable-pool tokens priced this far from par.
	DepegThresholdBps uint64 `toml:"depeg_threshold_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local store path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the parquet export of old execution records.
type ArchiveConfig struct {
	RetentionDays int  `toml:"retention_days"`
	BatchSize     int  `toml:"batch_size"`
	Prune         bool `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool           `toml:"enabled"`
	Port        int            `toml:"port"`
	CORSOrigins []string       `toml:"cors_origins"`
	APIKeys     []APIKeyConfig `toml:"api_keys"`
	// RateLimit is the number of requests one API key may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	HMACSkew   duration `toml:"hmac_skew"`
}

// APIKeyConfig binds an API key and its HMAC secret to the actor address
// requests signed with it act as.
type APIKeyConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Actor  string `toml:"actor"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// OperatorConfig holds the key that signs execution records.
type OperatorConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			HopTimeout: duration{2 * time.Second},
			LockTTL:    duration{30 * time.Second},
			LockRetry:  duration{20 * time.Millisecond},
			DedupSize:  100_000,
			DedupTTL:   duration{24 * time.Hour},
		},
		Costs: CostsConfig{
			BorrowFeeBps: 9,
			GasBufferBps: 5,
			MarginBps:    10,
		},
		Lending: LendingConfig{
			PremiumBps: 9,
		},
		Oracle: OracleConfig{
			StaleAfter:      duration{time.Minute},
			MaxDeviationBps: 500,
			MaxFutureSkew:   duration{5 * time.Second},
			MinFeeds:        1,
			MaxAge:          duration{time.Minute},
			Timeout:         duration{2 * time.Second},
			CacheTTL:        duration{5 * time.Minute},
		},
		Governance: GovernanceConfig{
			TimelockDelay:     duration{48 * time.Hour},
			DepegThresholdBps: 100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "data/arbengine.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "arb",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbengine-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			BatchSize:     5000,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			HMACSkew:    duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"attempt_aborted", "breaker_tripped", "proposal_executed", "paused", "unpaused"},
		},
		Mode:     "serve",
		Store:    "sqlite",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"simulate": true,
	"archive":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenueKinds = map[string]bool{
	"constant_product": true,
	"weighted":         true,
	"stable":           true,
	"aggregator":       true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	addr := func(field, v string) {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("%s: %q is not a hex address", field, v))
		}
	}

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, simulate, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Store != "sqlite" && c.Store != "postgres" {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: sqlite, postgres)", c.Store))
	}

	// Engine
	addr("engine.vault", c.Engine.Vault)
	addr("engine.treasury", c.Engine.Treasury)
	if c.Engine.HopTimeout.Duration <= 0 {
		errs = append(errs, "engine: hop_timeout must be positive")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be positive")
	}
	if c.Engine.DedupSize < 1 {
		errs = append(errs, "engine: dedup_size must be >= 1")
	}

	// Lending
	addr("lending.reserve", c.Lending.Reserve)
	if c.Lending.PremiumBps > 10_000 {
		errs = append(errs, fmt.Sprintf("lending: premium_bps must be <= 10000, got %d", c.Lending.PremiumBps))
	}
	for i, f := range c.Lending.Funding {
		addr(fmt.Sprintf("lending.funding[%d].token", i), f.Token)
		if strings.TrimSpace(f.Amount) == "" {
			errs = append(errs, fmt.Sprintf("lending.funding[%d]: amount must not be empty", i))
		} else if _, err := parseAmount(f.Amount); err != nil {
			errs = append(errs, fmt.Sprintf("lending.funding[%d]: %v", i, err))
		}
	}

	// Assets
	if len(c.Assets) == 0 {
		errs = append(errs, "assets: at least one asset must be configured")
	}
	for i, a := range c.Assets {
		if _, err := a.Strategy(); err != nil {
			errs = append(errs, fmt.Sprintf("assets[%d]: %v", i, err))
		}
	}

	// Venues
	seen := map[string]bool{}
	for i, v := range c.Venues {
		field := fmt.Sprintf("venues[%d]", i)
		addr(field+".id", v.ID)
		if seen[strings.ToLower(v.ID)] {
			errs = append(errs, fmt.Sprintf("%s: duplicate id %s", field, v.ID))
		}
		seen[strings.ToLower(v.ID)] = true
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", field, v.Kind))
			continue
		}
		if v.Kind == "aggregator" {
			continue
		}
		if len(v.Tokens) < 2 {
			errs = append(errs, field+": needs at least two tokens")
		}
		if v.Kind == "constant_product" && len(v.Tokens) != 2 {
			errs = append(errs, field+": constant_product takes exactly two tokens")
		}
		for j, t := range v.Tokens {
			addr(fmt.Sprintf("%s.tokens[%d]", field, j), t)
		}
		if len(v.Reserves) != 0 && len(v.Reserves) != len(v.Tokens) {
			errs = append(errs, field+": reserves must match tokens")
		}
		for _, r := range v.Reserves {
			if _, err := parseAmount(r); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", field, err))
			}
		}
		if v.FeeBps >= 10_000 {
			errs = append(errs, fmt.Sprintf("%s: fee_bps must be < 10000", field))
		}
		if v.Kind == "weighted" {
			var sum uint64
			for _, w := range v.WeightsBps {
				sum += w
			}
			if len(v.WeightsBps) != len(v.Tokens) || sum != 10_000 {
				errs = append(errs, field+": weights_bps must match tokens and sum to 10000")
			}
		}
		if v.Kind == "stable" && v.Amp == 0 {
			errs = append(errs, field+": amp must be positive")
		}
	}

	// Oracle
	if c.Oracle.StaleAfter.Duration <= 0 {
		errs = append(errs, "oracle: stale_after must be positive")
	}
	if c.Oracle.MaxDeviationBps <= 0 || c.Oracle.MaxDeviationBps > 10_000 {
		errs = append(errs, fmt.Sprintf("oracle: max_deviation_bps must be 1-10000, got %d", c.Oracle.MaxDeviationBps))
	}
	if c.Oracle.MinFeeds < 1 {
		errs = append(errs, "oracle: min_feeds must be >= 1")
	}
	for i, p := range c.Oracle.Prices {
		addr(fmt.Sprintf("oracle.prices[%d].asset", i), p.Asset)
		if _, err := parsePrice(p.Price); err != nil {
			errs = append(errs, fmt.Sprintf("oracle.prices[%d]: %v", i, err))
		}
	}

	// Governance
	addr("governance.admin", c.Governance.Admin)
	for _, group := range []struct {
		name  string
		addrs []string
	}{{"guardians", c.Governance.Guardians}, {"proposers", c.Governance.Proposers}, {"executors", c.Governance.Executors}} {
		for i, a := range group.addrs {
			addr(fmt.Sprintf("governance.%s[%d]", group.name, i), a)
		}
	}
	if c.Governance.TimelockDelay.Duration < 0 {
		errs = append(errs, "governance: timelock_delay must not be negative")
	}

	// Postgres
	if c.Store == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Store == "sqlite" && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if strings.ToLower(c.Mode) == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		for i, k := range c.Server.APIKeys {
			if k.Key == "" || k.Secret == "" {
				errs = append(errs, fmt.Sprintf("server.api_keys[%d]: key and secret must be set", i))
			}
			addr(fmt.Sprintf("server.api_keys[%d].actor", i), k.Actor)
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Operator
	if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
		errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
