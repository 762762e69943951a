package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

const ethFeed = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type fakeCaller struct {
	abi       abi.ABI
	decimals  uint8
	answer    *big.Int
	updatedAt time.Time
	err       error
	calls     map[string]int
}

func newFakeCaller(t *testing.T, decimals uint8, answer int64, updatedAt time.Time) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeCaller{
		abi:       parsed,
		decimals:  decimals,
		answer:    big.NewInt(answer),
		updatedAt: updatedAt,
		calls:     make(map[string]int),
	}
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for name, m := range f.abi.Methods {
		if !bytes.Equal(msg.Data[:4], m.ID) {
			continue
		}
		f.calls[name]++
		switch name {
		case "decimals":
			return m.Outputs.Pack(f.decimals)
		case "latestRoundData":
			return m.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(f.updatedAt.Unix()), big.NewInt(f.updatedAt.Unix()), big.NewInt(7))
		}
	}
	return nil, errors.New("unknown selector")
}

func TestChainlinkGetCurrentPrice(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	caller := newFakeCaller(t, 8, 250_012_345_678, now.Add(-time.Minute))
	c, err := NewChainlink(caller, ChainlinkConfig{Feeds: map[string]string{"eth": ethFeed}, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("NewChainlink: %v", err)
	}
	c.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		p, err := c.GetCurrentPrice(context.Background(), "ETH")
		if err != nil {
			t.Fatalf("GetCurrentPrice: %v", err)
		}
		if p != domain.MustParsePrice("2500.12345678") {
			t.Errorf("price = %v, want 2500.12345678", p)
		}
	}
	if caller.calls["decimals"] != 1 {
		t.Errorf("decimals calls = %d, want 1 (cached)", caller.calls["decimals"])
	}
}

func TestChainlinkRescalesDecimals(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	caller := newFakeCaller(t, 18, 2_000_500_000_000_000_000, now)
	c, _ := NewChainlink(caller, ChainlinkConfig{Feeds: map[string]string{"ETH": ethFeed}})
	p, err := c.GetCurrentPrice(context.Background(), "eth")
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if p != domain.MustParsePrice("2.0005") {
		t.Errorf("price = %v, want 2.0005", p)
	}
}

func TestChainlinkUnavailable(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	tests := []struct {
		name   string
		asset  string
		answer int64
		age    time.Duration
		err    error
	}{
		{"unknown asset", "DOGE", 1, 0, nil},
		{"stale answer", "ETH", 1, 2 * time.Hour, nil},
		{"zero answer", "ETH", 0, 0, nil},
		{"negative answer", "ETH", -5, 0, nil},
		{"rpc error", "ETH", 1, 0, errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := newFakeCaller(t, 8, tt.answer, now.Add(-tt.age))
			caller.err = tt.err
			c, _ := NewChainlink(caller, ChainlinkConfig{Feeds: map[string]string{"ETH": ethFeed}, MaxAge: time.Hour})
			c.now = func() time.Time { return now }
			_, err := c.GetCurrentPrice(context.Background(), tt.asset)
			if !errors.Is(err, domain.ErrOracleUnavailable) {
				t.Errorf("error = %v, want ErrOracleUnavailable", err)
			}
		})
	}
}

func TestNewChainlinkRejectsBadAddress(t *testing.T) {
	if _, err := NewChainlink(nil, ChainlinkConfig{Feeds: map[string]string{"ETH": "not-an-address"}}); err == nil {
		t.Error("expected error for invalid feed address")
	}
}

func TestHTTPFeed(t *testing.T) {
	var gotSymbol, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price" {
			http.NotFound(w, r)
			return
		}
		gotSymbol = r.URL.Query().Get("symbol")
		gotKey = r.URL.Query().Get("apikey")
		switch gotSymbol {
		case "ETH/USD":
			_, _ = w.Write([]byte(`{"price":"2500.50000"}`))
		case "BTC/USD":
			_, _ = w.Write([]byte(`{"price":64000.25}`))
		case "ERR/USD":
			_, _ = w.Write([]byte(`{"status":"error","message":"symbol not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := NewHTTPFeed(HTTPFeedOptions{BaseURL: srv.URL, APIKey: "k", Quote: "USD", RequestsPerSec: 100})
	ctx := context.Background()

	p, err := f.GetCurrentPrice(ctx, "eth")
	if err != nil {
		t.Fatalf("GetCurrentPrice(eth): %v", err)
	}
	if p != domain.MustParsePrice("2500.5") {
		t.Errorf("eth = %v, want 2500.5", p)
	}
	if gotSymbol != "ETH/USD" || gotKey != "k" {
		t.Errorf("query symbol=%q apikey=%q", gotSymbol, gotKey)
	}

	p, err = f.GetCurrentPrice(ctx, "BTC")
	if err != nil || p != domain.MustParsePrice("64000.25") {
		t.Errorf("btc = %v, %v; want 64000.25", p, err)
	}

	for _, asset := range []string{"ERR", "DOWN"} {
		if _, err := f.GetCurrentPrice(ctx, asset); !errors.Is(err, domain.ErrOracleUnavailable) {
			t.Errorf("%s error = %v, want ErrOracleUnavailable", asset, err)
		}
	}
}

func TestStatic(t *testing.T) {
	s, err := NewStatic(map[string]string{"eth": "2500"})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	p, err := s.GetCurrentPrice(context.Background(), "ETH")
	if err != nil || p != domain.MustParsePrice("2500") {
		t.Errorf("ETH = %v, %v", p, err)
	}
	if _, err := s.GetCurrentPrice(context.Background(), "SOL"); !errors.Is(err, domain.ErrOracleUnavailable) {
		t.Errorf("SOL error = %v, want ErrOracleUnavailable", err)
	}
	s.Set("sol", 42)
	if p, _ := s.GetCurrentPrice(context.Background(), "SOL"); p != 42 {
		t.Errorf("SOL after Set = %d, want 42", p)
	}
	if _, err := NewStatic(map[string]string{"X": "nope"}); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("NewStatic bad value error = %v", err)
	}
}
