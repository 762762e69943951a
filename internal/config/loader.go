package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BLINDBET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BLINDBET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Owner, "BLINDBET_OWNER")

	// ── Store ──
	setStr(&cfg.Store.Backend, "BLINDBET_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BLINDBET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BLINDBET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BLINDBET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BLINDBET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BLINDBET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BLINDBET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BLINDBET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BLINDBET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BLINDBET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BLINDBET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BLINDBET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BLINDBET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BLINDBET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BLINDBET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BLINDBET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BLINDBET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BLINDBET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BLINDBET_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BLINDBET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BLINDBET_S3_REGION")
	setStr(&cfg.S3.Bucket, "BLINDBET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BLINDBET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BLINDBET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BLINDBET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BLINDBET_S3_FORCE_PATH_STYLE")

	// ── Oracle ──
	setStr(&cfg.Oracle.Provider, "BLINDBET_ORACLE_PROVIDER")
	setStr(&cfg.Oracle.RPCURL, "BLINDBET_ORACLE_RPC_URL")
	setDuration(&cfg.Oracle.MaxAge, "BLINDBET_ORACLE_MAX_AGE")
	setStr(&cfg.Oracle.BaseURL, "BLINDBET_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "BLINDBET_ORACLE_API_KEY")
	setStr(&cfg.Oracle.Quote, "BLINDBET_ORACLE_QUOTE")
	setInt(&cfg.Oracle.RequestsPerSec, "BLINDBET_ORACLE_REQUESTS_PER_SEC")
	setDuration(&cfg.Oracle.Timeout, "BLINDBET_ORACLE_TIMEOUT")

	// ── Cipher ──
	setStr(&cfg.Cipher.PrivateKey, "BLINDBET_CIPHER_PRIVATE_KEY")
	setStr(&cfg.Cipher.KeyFile, "BLINDBET_CIPHER_KEY_FILE")
	setStr(&cfg.Cipher.KeyPassword, "BLINDBET_CIPHER_KEY_PASSWORD")
	setStr(&cfg.Cipher.PublicKey, "BLINDBET_CIPHER_PUBLIC_KEY")

	// ── Settlement ──
	setStr(&cfg.Settlement.Mode, "BLINDBET_SETTLEMENT_MODE")
	setBool(&cfg.Settlement.KeeperEnabled, "BLINDBET_SETTLEMENT_KEEPER_ENABLED")
	setDuration(&cfg.Settlement.Interval, "BLINDBET_SETTLEMENT_INTERVAL")
	setInt(&cfg.Settlement.BatchSize, "BLINDBET_SETTLEMENT_BATCH_SIZE")
	setDuration(&cfg.Settlement.LockTTL, "BLINDBET_SETTLEMENT_LOCK_TTL")
	setDuration(&cfg.Settlement.RedispatchAfter, "BLINDBET_SETTLEMENT_REDISPATCH_AFTER")
	setStr(&cfg.Settlement.StreamSecret, "BLINDBET_SETTLEMENT_STREAM_SECRET")
	setDuration(&cfg.Settlement.StreamMaxAge, "BLINDBET_SETTLEMENT_STREAM_MAX_AGE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BLINDBET_ARCHIVE_ENABLED")

	// ── Server ──
	setStr(&cfg.Server.Host, "BLINDBET_SERVER_HOST")
	setInt(&cfg.Server.Port, "BLINDBET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BLINDBET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BLINDBET_SERVER_API_KEY")
	setDuration(&cfg.Server.SignatureMaxSkew, "BLINDBET_SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "BLINDBET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BLINDBET_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPIURL, "BLINDBET_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.TelegramToken, "BLINDBET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BLINDBET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BLINDBET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BLINDBET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BLINDBET_MODE")
	setStr(&cfg.LogLevel, "BLINDBET_LOG_LEVEL")
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
