// Package config defines the top-level configuration for the blindbet
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BLINDBET_* environment variables.
type Config struct {
	// Owner is the address allowed to create markets.
	Owner      string           `toml:"owner"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Oracle     OracleConfig     `toml:"oracle"`
	Cipher     CipherConfig     `toml:"cipher"`
	Settlement SettlementConfig `toml:"settlement"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// StoreConfig selects the market store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
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

// RedisConfig holds Redis connection parameters. With Enabled false the
// service runs on in-process buses and limiters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// StreamMaxLen caps the event and decrypt streams.
	StreamMaxLen int64    `toml:"stream_max_len"`
	ReadBlock    duration `toml:"read_block"`
	PriceTTL     duration `toml:"price_ttl"`
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

// OracleConfig selects and configures the settlement price source.
type OracleConfig struct {
	// Provider is "static", "chainlink" or "http".
	Provider string `toml:"provider"`
	// StaticPrices maps asset -> decimal price for the static provider.
	StaticPrices map[string]string `toml:"static_prices"`

	RPCURL string `toml:"rpc_url"`
	// Feeds maps asset -> Chainlink aggregator address.
	Feeds  map[string]string `toml:"feeds"`
	MaxAge duration          `toml:"max_age"`

	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Quote          string `toml:"quote"`
	RequestsPerSec int    `toml:"requests_per_sec"`

	Timeout duration `toml:"timeout"`
}

// CipherConfig locates the settlement key predictions are encrypted to.
type CipherConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
	// PublicKey lets processes that never decrypt advertise the key.
	PublicKey string `toml:"public_key"`
}

// HasPrivateKey reports whether a decrypting key source is configured.
func (c CipherConfig) HasPrivateKey() bool {
	return c.PrivateKey != "" || c.KeyFile != ""
}

// SettlementConfig holds keeper and coprocessor parameters.
type SettlementConfig struct {
	// Mode is "sync" (decrypt inside the engine process) or "async" (hand
	// requests to the coprocessor over the signal bus).
	Mode            string   `toml:"mode"`
	KeeperEnabled   bool     `toml:"keeper_enabled"`
	Interval        duration `toml:"interval"`
	BatchSize       int      `toml:"batch_size"`
	LockTTL         duration `toml:"lock_ttl"`
	RetryInitial    duration `toml:"retry_initial"`
	RetryMaxElapsed duration `toml:"retry_max_elapsed"`
	RedispatchAfter duration `toml:"redispatch_after"`
	StreamBatch     int      `toml:"stream_batch"`
	StreamIdle      duration `toml:"stream_idle"`
	// StreamSecret is the HMAC key shared by the engine and the coprocessor.
	// Entries on the decrypt streams that do not carry its MAC are dropped.
	StreamSecret string `toml:"stream_secret"`
	// StreamMaxAge bounds how old a sealed stream entry may be. Zero
	// disables the check.
	StreamMaxAge duration `toml:"stream_max_age"`
}

// ArchiveConfig controls the S3 settlement archive.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
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
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards operator routes such as the audit log.
	APIKey           string   `toml:"api_key"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: StoreConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "blindbet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "blindbet:",
			StreamMaxLen: 10_000,
			ReadBlock:    duration{2 * time.Second},
			PriceTTL:     duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "blindbet-settlements",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Provider:       "static",
			StaticPrices:   map[string]string{},
			Feeds:          map[string]string{},
			MaxAge:         duration{time.Hour},
			Quote:          "USD",
			RequestsPerSec: 5,
			Timeout:        duration{10 * time.Second},
		},
		Settlement: SettlementConfig{
			Mode:            "sync",
			KeeperEnabled:   true,
			Interval:        duration{15 * time.Second},
			BatchSize:       50,
			LockTTL:         duration{30 * time.Second},
			RetryInitial:    duration{time.Second},
			RetryMaxElapsed: duration{time.Minute},
			RedispatchAfter: duration{2 * time.Minute},
			StreamBatch:     16,
			StreamIdle:      duration{500 * time.Millisecond},
			StreamMaxAge:    duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			SignatureMaxSkew: duration{5 * time.Minute},
			RateLimit:        120,
			RateWindow:       duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_created", "market_settled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":      true,
	"keeper":      true,
	"coprocessor": true,
	"full":        true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsEngine reports whether the mode hosts the engine (and so needs a store
// and an oracle).
func (c *Config) RunsEngine() bool {
	return c.Mode != "coprocessor"
}

// RunsCoprocessor reports whether this process decrypts settlement requests
// from the signal bus.
func (c *Config) RunsCoprocessor() bool {
	return c.Mode == "coprocessor" || (c.Mode == "full" && c.Settlement.Mode == "async")
}

// UsesStreams reports whether this process reads or writes the decrypt
// streams and therefore needs the stream secret.
func (c *Config) UsesStreams() bool {
	return c.Mode == "coprocessor" || c.Settlement.Mode == "async"
}

// minStreamSecret matches crypto.MinStreamSecret.
const minStreamSecret = 16

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, coprocessor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.RunsEngine() && !common.IsHexAddress(c.Owner) {
		errs = append(errs, fmt.Sprintf("owner must be a hex address, got %q", c.Owner))
	}

	// Settlement
	switch c.Settlement.Mode {
	case "sync", "async":
	default:
		errs = append(errs, fmt.Sprintf("settlement: unknown mode %q (valid: sync, async)", c.Settlement.Mode))
	}
	if c.Settlement.Mode == "async" && !c.Redis.Enabled && c.Mode != "full" {
		errs = append(errs, "settlement: async mode across processes requires redis.enabled")
	}
	if c.Mode == "coprocessor" && !c.Redis.Enabled {
		errs = append(errs, "coprocessor mode requires redis.enabled")
	}
	if c.Settlement.Interval.Duration <= 0 {
		errs = append(errs, "settlement: interval must be > 0")
	}
	if c.Settlement.BatchSize < 1 {
		errs = append(errs, "settlement: batch_size must be >= 1")
	}
	if c.Settlement.LockTTL.Duration <= 0 {
		errs = append(errs, "settlement: lock_ttl must be > 0")
	}
	if c.UsesStreams() && len(c.Settlement.StreamSecret) < minStreamSecret {
		errs = append(errs, fmt.Sprintf("settlement: stream_secret must be at least %d bytes for async settlement", minStreamSecret))
	}
	if c.Settlement.StreamMaxAge.Duration < 0 {
		errs = append(errs, "settlement: stream_max_age must not be negative")
	}

	// Cipher: whoever decrypts needs the private key.
	needsPrivate := c.RunsCoprocessor() || (c.RunsEngine() && c.Settlement.Mode == "sync")
	if needsPrivate && !c.Cipher.HasPrivateKey() {
		errs = append(errs, "cipher: private_key or key_file must be set for mode "+c.Mode+" with "+c.Settlement.Mode+" settlement")
	}
	if c.Cipher.KeyFile != "" && c.Cipher.PrivateKey == "" && c.Cipher.KeyPassword == "" {
		errs = append(errs, "cipher: key_password is required when key_file is set")
	}

	// Store
	if c.RunsEngine() {
		switch c.Store.Backend {
		case "memory":
			if c.Mode == "keeper" {
				errs = append(errs, "store: keeper mode needs a shared store (backend = \"postgres\")")
			}
		case "postgres":
			errs = append(errs, c.validatePostgres()...)
		default:
			errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, postgres)", c.Store.Backend))
		}
	}

	// Oracle
	if c.RunsEngine() {
		switch c.Oracle.Provider {
		case "static":
		case "chainlink":
			if c.Oracle.RPCURL == "" {
				errs = append(errs, "oracle: rpc_url must be set for the chainlink provider")
			}
			if len(c.Oracle.Feeds) == 0 {
				errs = append(errs, "oracle: feeds must not be empty for the chainlink provider")
			}
			for asset, addr := range c.Oracle.Feeds {
				if !common.IsHexAddress(addr) {
					errs = append(errs, fmt.Sprintf("oracle: feed for %s is not an address: %q", asset, addr))
				}
			}
		case "http":
			if c.Oracle.BaseURL == "" {
				errs = append(errs, "oracle: base_url must be set for the http provider")
			}
		default:
			errs = append(errs, fmt.Sprintf("oracle: unknown provider %q (valid: static, chainlink, http)", c.Oracle.Provider))
		}
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
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignatureMaxSkew.Duration <= 0 {
			errs = append(errs, "server: signature_max_skew must be > 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres() []string {
	var errs []string
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}
