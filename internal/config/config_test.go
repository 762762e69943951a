package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testOwner = "0x00000000000000000000000000000000000000aa"

func validConfig() Config {
	cfg := Defaults()
	cfg.Owner = testOwner
	cfg.Cipher.PrivateKey = "0x01"
	return cfg
}

func TestDefaultsNeedOwnerAndKey(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults without owner should not validate")
	}
	for _, want := range []string{"owner must be a hex address", "cipher: private_key or key_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"bad settlement mode", func(c *Config) { c.Settlement.Mode = "later" }, "settlement: unknown mode"},
		{"async server without redis", func(c *Config) {
			c.Mode = "server"
			c.Settlement.Mode = "async"
		}, "requires redis.enabled"},
		{"coprocessor without redis", func(c *Config) { c.Mode = "coprocessor" }, "coprocessor mode requires redis"},
		{"async without stream secret", func(c *Config) { c.Settlement.Mode = "async" }, "stream_secret must be at least"},
		{"coprocessor short stream secret", func(c *Config) {
			c.Mode = "coprocessor"
			c.Redis.Enabled = true
			c.Settlement.StreamSecret = "short"
		}, "stream_secret must be at least"},
		{"negative stream max age", func(c *Config) { c.Settlement.StreamMaxAge.Duration = -time.Second }, "stream_max_age must not be negative"},
		{"keeper on memory", func(c *Config) {
			c.Mode = "keeper"
		}, "keeper mode needs a shared store"},
		{"postgres pool", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Postgres.PoolMinConns = 20
		}, "pool_min_conns must not exceed"},
		{"unknown store", func(c *Config) { c.Store.Backend = "sqlite" }, "unknown backend"},
		{"chainlink without rpc", func(c *Config) { c.Oracle.Provider = "chainlink" }, "rpc_url must be set"},
		{"chainlink bad feed", func(c *Config) {
			c.Oracle.Provider = "chainlink"
			c.Oracle.RPCURL = "http://localhost:8545"
			c.Oracle.Feeds = map[string]string{"ETH": "nope"}
		}, "feed for ETH"},
		{"http without url", func(c *Config) { c.Oracle.Provider = "http" }, "base_url must be set"},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.S3.Bucket = ""
		}, "bucket must not be empty"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port must be 1-65535"},
		{"key file without password", func(c *Config) {
			c.Cipher.PrivateKey = ""
			c.Cipher.KeyFile = "/etc/blindbet/key.json"
		}, "key_password is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestAsyncServerOnlyNeedsPublicKey(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "server"
	cfg.Settlement.Mode = "async"
	cfg.Redis.Enabled = true
	cfg.Settlement.StreamSecret = "0123456789abcdef"
	cfg.Cipher.PrivateKey = ""
	cfg.Cipher.PublicKey = "0x04"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestCoprocessorNeedsNoOwner(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "coprocessor"
	cfg.Owner = ""
	cfg.Redis.Enabled = true
	cfg.Settlement.StreamSecret = "0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if cfg.RunsEngine() || !cfg.RunsCoprocessor() {
		t.Error("coprocessor mode flags wrong")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blindbet.toml")
	body := `
owner = "` + testOwner + `"
mode = "server"

[oracle]
provider = "static"
static_prices = { ETH = "2500.5" }

[settlement]
interval = "3s"

[server]
port = 9090
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BLINDBET_SERVER_PORT", "9191")
	t.Setenv("BLINDBET_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BLINDBET_CIPHER_PRIVATE_KEY", "0xabc")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "server" || cfg.Owner != testOwner {
		t.Errorf("top-level = %q %q", cfg.Mode, cfg.Owner)
	}
	if cfg.Oracle.StaticPrices["ETH"] != "2500.5" {
		t.Errorf("static prices = %v", cfg.Oracle.StaticPrices)
	}
	if cfg.Settlement.Interval.Duration != 3*time.Second {
		t.Errorf("interval = %v", cfg.Settlement.Interval)
	}
	if cfg.Settlement.BatchSize != 50 {
		t.Errorf("default batch size lost: %d", cfg.Settlement.BatchSize)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("env override port = %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Cipher.PrivateKey != "0xabc" {
		t.Errorf("cipher key override missing")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[strategy]\nname = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("Load = %v, want unknown keys error", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"
	cfg.Settlement.StreamSecret = "stream-secret-value"
	cfg.Oracle.StaticPrices = map[string]string{"ETH": "1"}

	out := RedactedConfig(&cfg)
	if out.Cipher.PrivateKey != redacted || out.Postgres.Password != redacted || out.Server.APIKey != redacted || out.Notify.TelegramToken != redacted || out.Settlement.StreamSecret != redacted {
		t.Errorf("secrets not redacted: %+v", out)
	}
	if out.Postgres.DSN != "" {
		t.Error("empty fields must stay empty")
	}
	if cfg.Cipher.PrivateKey != "0x01" {
		t.Error("original mutated")
	}
	out.Oracle.StaticPrices["ETH"] = "2"
	if cfg.Oracle.StaticPrices["ETH"] != "1" {
		t.Error("map shared with original")
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	if err != nil {
		t.Fatalf("Load(config.example.toml): %v", err)
	}
	if cfg.Mode != "full" || cfg.Store.Backend != "memory" {
		t.Errorf("mode/store = %s/%s", cfg.Mode, cfg.Store.Backend)
	}
	if cfg.Oracle.StaticPrices["ETH"] != "2500.00" {
		t.Errorf("static ETH price = %q", cfg.Oracle.StaticPrices["ETH"])
	}
	if cfg.Settlement.StreamIdle.Duration != 500*time.Millisecond {
		t.Errorf("stream_idle = %s", cfg.Settlement.StreamIdle.Duration)
	}
}
