package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/blindbet/internal/crypto"
	"github.com/alanyoungcy/blindbet/internal/domain"
	"github.com/alanyoungcy/blindbet/internal/engine"
	"github.com/alanyoungcy/blindbet/internal/event"
	"github.com/alanyoungcy/blindbet/internal/oracle"
	"github.com/alanyoungcy/blindbet/internal/server/handler"
	"github.com/alanyoungcy/blindbet/internal/server/middleware"
	"github.com/alanyoungcy/blindbet/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(k)))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

type testAPI struct {
	t      *testing.T
	h      http.Handler
	clock  *clock
	sealer *crypto.PredictionSealer
}

const testAPIKey = "operator-secret"

func newTestAPI(t *testing.T, owner *crypto.Signer) *testAPI {
	t.Helper()
	key, err := crypto.GenerateSettlementKey()
	if err != nil {
		t.Fatalf("GenerateSettlementKey: %v", err)
	}
	opener := crypto.NewPredictionOpener(key)

	clk := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	prices, _ := oracle.NewStatic(map[string]string{"ETH": "2500"})
	audit := memory.NewAuditStore()
	pub := event.NewPublisher(nil, audit, nil, discard())
	eng := engine.New(owner.Address(), memory.NewMarketStore(), prices, discard(),
		engine.WithClock(clk.Now),
		engine.WithDecryptor(opener),
		engine.WithPublisher(pub),
	)

	handlers := Handlers{
		Health:     handler.NewHealthHandler(nil, discard()),
		Status:     handler.NewStatusHandler("server", "sync", crypto.EncodePublicKey(&key.PublicKey), eng),
		Markets:    handler.NewMarketHandler(eng, nil, discard()),
		Bets:       handler.NewBetHandler(eng, discard()),
		Settlement: handler.NewSettlementHandler(eng, nil, 0, discard()),
		Prices:     handler.NewPriceHandler(prices, nil, discard()),
		Events:     handler.NewEventHandler(audit, discard()),
	}
	srv := NewServer(Config{
		APIKey:           testAPIKey,
		SignatureMaxSkew: time.Minute,
		RateLimit:        1000,
		RateWindow:       time.Second,
	}, handlers, nil, middleware.NewLocalLimiter(0, 0), middleware.NewLocalNonceStore(), discard())

	return &testAPI{t: t, h: srv.Handler(), clock: clk, sealer: opener.Sealer()}
}

func (a *testAPI) do(method, path string, body any, signer *crypto.Signer, header map[string]string) (int, map[string]any) {
	a.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		hdrs, err := signer.SignRequest(method, path, raw)
		if err != nil {
			a.t.Fatalf("SignRequest: %v", err)
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func (a *testAPI) bet(id uint64, s *crypto.Signer, wei string, above bool) (int, map[string]any) {
	a.t.Helper()
	ct, err := a.sealer.Encrypt(id, s.Address(), above)
	if err != nil {
		a.t.Fatalf("Encrypt: %v", err)
	}
	return a.do(http.MethodPost, fmt.Sprintf("/api/markets/%d/bets", id), map[string]any{
		"amount":               wei,
		"encrypted_prediction": hexutil.Encode(ct),
	}, s, nil)
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	owner, alice, bob := newSigner(t), newSigner(t), newSigner(t)
	api := newTestAPI(t, owner)

	create := map[string]any{"asset": "ETH", "target_price": "2000", "duration_seconds": 3600}
	if code, body := api.do(http.MethodPost, "/api/markets", create, alice, nil); code != http.StatusForbidden {
		t.Fatalf("non-owner create = %d %v, want 403", code, body)
	}
	code, body := api.do(http.MethodPost, "/api/markets", create, owner, nil)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	if body["id"].(float64) != 0 || body["target_price"] != "2000.00000000" || body["active"] != true {
		t.Errorf("created market = %v", body)
	}

	if code, _ := api.bet(0, alice, "100000000000000000", true); code != http.StatusCreated {
		t.Fatalf("alice bet = %d", code)
	}
	if code, _ := api.bet(0, bob, "200000000000000000", false); code != http.StatusCreated {
		t.Fatalf("bob bet = %d", code)
	}
	if code, body := api.bet(0, alice, "1", true); code != http.StatusConflict {
		t.Errorf("second bet = %d %v, want 409", code, body)
	}

	path := fmt.Sprintf("/api/markets/0/bets/%s", alice.Address().Hex())
	code, body = api.do(http.MethodGet, path, nil, nil, nil)
	if code != http.StatusOK || body["has_bet"] != true || body["stake"] != "100000000000000000" {
		t.Errorf("get bet = %d %v", code, body)
	}
	if _, ok := body["prediction"]; ok {
		t.Error("bet view must not expose the prediction")
	}

	if code, body := api.do(http.MethodPost, "/api/markets/0/settle", nil, nil, nil); code != http.StatusConflict {
		t.Errorf("early settle = %d %v, want 409", code, body)
	}

	api.clock.Advance(time.Hour)
	code, body = api.do(http.MethodPost, "/api/markets/0/settle", nil, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("settle = %d %v", code, body)
	}
	if body["settled"] != true || body["outcome_above"] != true || body["winning_stake"] != "100000000000000000" {
		t.Errorf("settled market = %v", body)
	}

	code, body = api.do(http.MethodPost, "/api/markets/0/withdraw", nil, alice, nil)
	if code != http.StatusOK || body["amount"] != "300000000000000000" {
		t.Errorf("alice withdraw = %d %v", code, body)
	}
	// A distinct body gives a distinct signed message within the same second.
	if code, body := api.do(http.MethodPost, "/api/markets/0/withdraw", map[string]any{}, alice, nil); code != http.StatusConflict {
		t.Errorf("double withdraw = %d %v, want 409", code, body)
	}
	code, body = api.do(http.MethodPost, "/api/markets/0/withdraw", nil, bob, nil)
	if code != http.StatusConflict || body["error"] != domain.ErrNotWinner.Error() {
		t.Errorf("loser withdraw = %d %v", code, body)
	}

	code, body = api.do(http.MethodGet, "/api/markets/0/escrow", nil, nil, nil)
	if code != http.StatusOK || body["balance"] != "0" {
		t.Errorf("escrow = %d %v", code, body)
	}

	code, body = api.do(http.MethodGet, "/api/markets?limit=10", nil, nil, nil)
	if code != http.StatusOK || body["total"].(float64) != 1 {
		t.Errorf("list = %d %v", code, body)
	}

	if code, _ := api.do(http.MethodGet, "/api/events", nil, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("events without key = %d, want 401", code)
	}
	code, body = api.do(http.MethodGet, "/api/events", nil, nil, map[string]string{"X-API-Key": testAPIKey})
	if code != http.StatusOK {
		t.Fatalf("events = %d %v", code, body)
	}
	if evs := body["events"].([]any); len(evs) == 0 {
		t.Error("expected audit entries")
	}
}

func TestRouteErrors(t *testing.T) {
	owner, alice := newSigner(t), newSigner(t)
	api := newTestAPI(t, owner)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		signer *crypto.Signer
		want   int
	}{
		{"unknown market", http.MethodGet, "/api/markets/9", nil, nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/markets/abc", nil, nil, http.StatusBadRequest},
		{"bad address", http.MethodGet, "/api/markets/0/bets/nope", nil, nil, http.StatusBadRequest},
		{"unsigned bet", http.MethodPost, "/api/markets/0/bets", map[string]any{"amount": "1"}, nil, http.StatusUnauthorized},
		{"unknown field", http.MethodPost, "/api/markets", map[string]any{"asset": "ETH", "x": 1}, owner, http.StatusBadRequest},
		{"zero duration", http.MethodPost, "/api/markets", map[string]any{"asset": "ETH", "target_price": "1"}, owner, http.StatusBadRequest},
		{"bet on missing market", http.MethodPost, "/api/markets/4/bets", map[string]any{"amount": "1", "encrypted_prediction": "0x01"}, alice, http.StatusNotFound},
		{"settle missing market", http.MethodPost, "/api/markets/4/settle", nil, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := api.do(tt.method, tt.path, tt.body, tt.signer, nil); code != tt.want {
				t.Errorf("status = %d %v, want %d", code, body, tt.want)
			}
		})
	}
}

func TestStatusAndPrice(t *testing.T) {
	api := newTestAPI(t, newSigner(t))

	code, body := api.do(http.MethodGet, "/api/status", nil, nil, nil)
	if code != http.StatusOK || body["settlement_mode"] != "sync" || body["settlement_public_key"] == "" {
		t.Errorf("status = %d %v", code, body)
	}
	code, body = api.do(http.MethodGet, "/api/prices/eth", nil, nil, nil)
	if code != http.StatusOK || body["price"] != "2500.00000000" || body["asset"] != "ETH" {
		t.Errorf("price = %d %v", code, body)
	}
	if code, _ := api.do(http.MethodGet, "/api/prices/DOGE", nil, nil, nil); code != http.StatusBadGateway {
		t.Errorf("unknown asset = %d, want 502", code)
	}
	if code, _ := api.do(http.MethodGet, "/api/health", nil, nil, nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
}

func TestStatusCountsMarkets(t *testing.T) {
	owner := newSigner(t)
	api := newTestAPI(t, owner)
	for i := 0; i < 2; i++ {
		body := map[string]any{"asset": "ETH", "target_price": "1", "duration_seconds": 60 + i}
		if code, _ := api.do(http.MethodPost, "/api/markets", body, owner, nil); code != http.StatusCreated {
			t.Fatalf("create %d = %d", i, code)
		}
	}
	_, body := api.do(http.MethodGet, "/api/status", nil, nil, nil)
	if body["market_count"].(float64) != 2 {
		t.Errorf("market_count = %v", body["market_count"])
	}
}

func TestSignedRequestCannotBeReplayed(t *testing.T) {
	owner := newSigner(t)
	api := newTestAPI(t, owner)

	raw := []byte(`{"asset":"ETH","target_price":"2000","duration_seconds":3600}`)
	hdrs, err := owner.SignRequest(http.MethodPost, "/api/markets", raw)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/markets", bytes.NewReader(raw))
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		api.h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("first = %d %s", rec.Code, rec.Body)
	}
	rec := send()
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "already used") {
		t.Fatalf("replay = %d %s, want 401 already used", rec.Code, rec.Body)
	}
	_, body := api.do(http.MethodGet, "/api/status", nil, nil, nil)
	if body["market_count"].(float64) != 1 {
		t.Errorf("market_count = %v, want 1", body["market_count"])
	}
}
