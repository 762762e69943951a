package app

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/blindbet/internal/config"
	"github.com/alanyoungcy/blindbet/internal/crypto"
	"github.com/alanyoungcy/blindbet/internal/domain"
)

var (
	testOwner  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	testBettor = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := crypto.GenerateSettlementKey()
	if err != nil {
		t.Fatalf("GenerateSettlementKey: %v", err)
	}
	cfg := config.Defaults()
	cfg.Owner = testOwner.Hex()
	cfg.Cipher.PrivateKey = hex.EncodeToString(ethcrypto.FromECDSA(key))
	cfg.Oracle.StaticPrices = map[string]string{"ETH": "2500"}
	cfg.Settlement.StreamSecret = "app-test-stream-secret"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return &cfg
}

func TestWireMemorySync(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Engine == nil {
		t.Fatal("Engine is nil")
	}
	if deps.Engine.Owner() != testOwner {
		t.Errorf("Owner = %s, want %s", deps.Engine.Owner().Hex(), testOwner.Hex())
	}
	if deps.Dispatcher != nil {
		t.Error("Dispatcher set for sync settlement")
	}
	if deps.Opener == nil || deps.PublicKey == "" {
		t.Error("settlement key not loaded")
	}
	if deps.SignalBus == nil || deps.RateLimiter == nil || deps.NonceStore == nil {
		t.Error("local bus, limiter or nonce store missing without redis")
	}
	if deps.LockManager != nil || deps.PriceCache != nil {
		t.Error("redis-only dependencies wired without redis")
	}
	if len(deps.HealthChecks) != 0 {
		t.Errorf("HealthChecks = %d, want none for the memory store", len(deps.HealthChecks))
	}
}

func TestWirePublicKeyOnly(t *testing.T) {
	cfg := testConfig(t)
	key, err := crypto.LoadSettlementKey(crypto.KeyConfig{RawPrivateKey: cfg.Cipher.PrivateKey})
	if err != nil {
		t.Fatalf("LoadSettlementKey: %v", err)
	}
	cfg.Cipher.PrivateKey = ""
	cfg.Cipher.PublicKey = crypto.EncodePublicKey(&key.PublicKey)
	cfg.Mode = "server"
	cfg.Settlement.Mode = "async"

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Opener != nil {
		t.Error("Opener set without a private key")
	}
	if deps.PublicKey != cfg.Cipher.PublicKey {
		t.Errorf("PublicKey = %q, want %q", deps.PublicKey, cfg.Cipher.PublicKey)
	}
	if deps.Dispatcher == nil {
		t.Error("Dispatcher missing for async settlement")
	}
	if deps.StreamAuth == nil {
		t.Error("StreamAuth missing for async settlement")
	}
}

func TestWireCoprocessorSkipsEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Owner = ""
	cfg.Mode = "coprocessor"
	cfg.Settlement.Mode = "async"

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Engine != nil || deps.Oracle != nil {
		t.Error("coprocessor wired the engine")
	}
	if deps.Opener == nil {
		t.Error("coprocessor has no settlement key")
	}
	if deps.StreamAuth == nil {
		t.Error("coprocessor has no stream authenticator")
	}
}

func TestWireErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown oracle", func(c *config.Config) { c.Oracle.Provider = "tea-leaves" }, "unknown provider"},
		{"bad static price", func(c *config.Config) { c.Oracle.StaticPrices = map[string]string{"ETH": "lots"} }, "oracle"},
		{"bad private key", func(c *config.Config) { c.Cipher.PrivateKey = "zz" }, "settlement key"},
		{"bad public key", func(c *config.Config) {
			c.Cipher.PrivateKey = ""
			c.Cipher.PublicKey = "0x1234"
		}, "settlement public key"},
		{"short stream secret", func(c *config.Config) {
			c.Settlement.Mode = "async"
			c.Settlement.StreamSecret = "short"
		}, "stream auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, _, err := Wire(context.Background(), cfg, discardLogger())
			if err == nil {
				t.Fatal("Wire succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRunUnsupportedMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "trade"
	a := New(cfg, discardLogger())
	defer a.Close()

	if err := a.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "unsupported mode") {
		t.Fatalf("Run = %v, want unsupported mode", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, discardLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want nil or context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestFullModeAsyncRoundTrip drives a market through the keeper, the
// coprocessor worker and the finalizer in one process.
func TestFullModeAsyncRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settlement.Mode = "async"
	cfg.Settlement.Interval.Duration = 20 * time.Millisecond
	cfg.Settlement.StreamIdle.Duration = 10 * time.Millisecond
	cfg.Redis.ReadBlock.Duration = 10 * time.Millisecond

	logger := discardLogger()
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	bg := context.Background()
	id, err := deps.Engine.CreateMarket(bg, testOwner, "ETH", domain.MustParsePrice("2000"), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	ct, err := deps.Opener.Sealer().Encrypt(id, testBettor, true)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := deps.Engine.PlaceBet(bg, testBettor, id, domain.MustEther("1"), ct); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	a := New(cfg, logger)
	done := make(chan error, 1)
	go func() { done <- a.FullMode(ctx, deps) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := deps.Engine.GetMarketInfo(bg, id)
		if err != nil {
			t.Fatalf("GetMarketInfo: %v", err)
		}
		if info.Settled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("market was not settled by the async pipeline")
		}
		time.Sleep(20 * time.Millisecond)
	}

	paid, err := deps.Engine.WithdrawFunds(bg, testBettor, id)
	if err != nil {
		t.Fatalf("WithdrawFunds: %v", err)
	}
	want := domain.MustEther("1")
	if !paid.Eq(&want) {
		t.Errorf("payout = %s, want 1 ether", paid.Dec())
	}
}
