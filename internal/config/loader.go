package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Vault, "ARBENGINE_ENGINE_VAULT")
	setStr(&cfg.Engine.Treasury, "ARBENGINE_ENGINE_TREASURY")
	setDuration(&cfg.Engine.HopTimeout, "ARBENGINE_ENGINE_HOP_TIMEOUT")
	setDuration(&cfg.Engine.LockTTL, "ARBENGINE_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.DedupSize, "ARBENGINE_ENGINE_DEDUP_SIZE")
	setDuration(&cfg.Engine.DedupTTL, "ARBENGINE_ENGINE_DEDUP_TTL")

	// ── Costs ──
	setInt64(&cfg.Costs.BorrowFeeBps, "ARBENGINE_COSTS_BORROW_FEE_BPS")
	setInt64(&cfg.Costs.GasBufferBps, "ARBENGINE_COSTS_GAS_BUFFER_BPS")
	setInt64(&cfg.Costs.MarginBps, "ARBENGINE_COSTS_MARGIN_BPS")

	// ── Lending ──
	setStr(&cfg.Lending.Reserve, "ARBENGINE_LENDING_RESERVE")
	setUint64(&cfg.Lending.PremiumBps, "ARBENGINE_LENDING_PREMIUM_BPS")

	// ── Oracle ──
	setDuration(&cfg.Oracle.StaleAfter, "ARBENGINE_ORACLE_STALE_AFTER")
	setInt64(&cfg.Oracle.MaxDeviationBps, "ARBENGINE_ORACLE_MAX_DEVIATION_BPS")
	setInt(&cfg.Oracle.MinFeeds, "ARBENGINE_ORACLE_MIN_FEEDS")

	// ── Governance ──
	setStr(&cfg.Governance.Admin, "ARBENGINE_GOVERNANCE_ADMIN")
	setStringSlice(&cfg.Governance.Guardians, "ARBENGINE_GOVERNANCE_GUARDIANS")
	setStringSlice(&cfg.Governance.Proposers, "ARBENGINE_GOVERNANCE_PROPOSERS")
	setStringSlice(&cfg.Governance.Executors, "ARBENGINE_GOVERNANCE_EXECUTORS")
	setDuration(&cfg.Governance.TimelockDelay, "ARBENGINE_GOVERNANCE_TIMELOCK_DELAY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "ARBENGINE_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBENGINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBENGINE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBENGINE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "ARBENGINE_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "ARBENGINE_ARCHIVE_BATCH_SIZE")
	setBool(&cfg.Archive.Prune, "ARBENGINE_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBENGINE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ARBENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ARBENGINE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBENGINE_NOTIFY_EVENTS")

	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "ARBENGINE_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "ARBENGINE_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "ARBENGINE_OPERATOR_KEY_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBENGINE_MODE")
	setStr(&cfg.Store, "ARBENGINE_STORE")
	setStr(&cfg.LogLevel, "ARBENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
