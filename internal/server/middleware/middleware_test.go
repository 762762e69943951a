package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/blindbet/internal/crypto"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// echoCaller writes the authenticated address and the body it saw.
var echoCaller = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if c, ok := Caller(r.Context()); ok {
		w.Header().Set("X-Caller", c.Hex())
	}
	w.Write(body)
})

func signer(t *testing.T) *crypto.Signer {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(k)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSignature(t *testing.T) {
	s := signer(t)
	body := []byte(`{"amount":"5"}`)
	const path = "/api/markets/1/bets"

	signed := func(mutate func(*http.Request)) *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		hdrs, err := s.SignRequest(http.MethodPost, path, body)
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		if mutate != nil {
			mutate(req)
		}
		return req
	}

	h := Signature(time.Minute, nil, nil, discard())(echoCaller)

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signed(nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d %s", rec.Code, rec.Body)
		}
		if got := rec.Header().Get("X-Caller"); got != s.Address().Hex() {
			t.Errorf("caller = %s, want %s", got, s.Address().Hex())
		}
		if rec.Body.String() != string(body) {
			t.Errorf("handler saw body %q", rec.Body)
		}
	})

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing headers", func(r *http.Request) { r.Header = http.Header{} }},
		{"tampered body", func(r *http.Request) { r.Body = io.NopCloser(bytes.NewReader([]byte(`{"amount":"6"}`))) }},
		{"other path", func(r *http.Request) { r.URL.Path = "/api/markets/2/bets" }},
		{"wrong address", func(r *http.Request) { r.Header.Set(crypto.HeaderAddress, signer(t).Address().Hex()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signed(tt.mutate))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	t.Run("stale", func(t *testing.T) {
		late := Signature(time.Minute, func() time.Time { return time.Now().Add(time.Hour) }, nil, discard())(echoCaller)
		rec := httptest.NewRecorder()
		late.ServeHTTP(rec, signed(nil))
		if rec.Code != http.StatusUnauthorized || !bytes.Contains(rec.Body.Bytes(), []byte("expired")) {
			t.Errorf("stale = %d %s", rec.Code, rec.Body)
		}
	})

	t.Run("get passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
		if rec.Code != http.StatusOK || rec.Header().Get("X-Caller") != "" {
			t.Errorf("GET = %d caller=%q", rec.Code, rec.Header().Get("X-Caller"))
		}
	})
}

type failingNonces struct{}

func (failingNonces) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

type recordingNonces struct {
	inner *LocalNonceStore
	ttls  []time.Duration
}

func (r *recordingNonces) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.ttls = append(r.ttls, ttl)
	return r.inner.Claim(ctx, key, ttl)
}

func TestSignatureRejectsReplay(t *testing.T) {
	s := signer(t)
	body := []byte(`{"amount":"5"}`)
	const path = "/api/markets/1/bets"
	hdrs, err := s.SignRequest(http.MethodPost, path, body)
	if err != nil {
		t.Fatal(err)
	}
	request := func(mutate func(*http.Request)) *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		if mutate != nil {
			mutate(req)
		}
		return req
	}

	nonces := &recordingNonces{inner: NewLocalNonceStore()}
	h := Signature(time.Minute, nil, nonces, discard())(echoCaller)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first = %d %s", rec.Code, rec.Body)
	}
	if len(nonces.ttls) != 1 || nonces.ttls[0] != 2*time.Minute {
		t.Errorf("claim ttls = %v, want [2m]", nonces.ttls)
	}

	// Rewriting V from {27,28} to {0,1} still recovers the same signer.
	reencoded := func(r *http.Request) {
		sig, _ := hex.DecodeString(r.Header.Get(crypto.HeaderSignature)[2:])
		sig[64] -= 27
		r.Header.Set(crypto.HeaderSignature, "0x"+hex.EncodeToString(sig))
	}
	for name, mutate := range map[string]func(*http.Request){"identical": nil, "re-encoded v": reencoded} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request(mutate))
		if rec.Code != http.StatusUnauthorized || !bytes.Contains(rec.Body.Bytes(), []byte("already used")) {
			t.Errorf("%s replay = %d %s, want 401 already used", name, rec.Code, rec.Body)
		}
	}

	t.Run("store failure fails closed", func(t *testing.T) {
		h := Signature(time.Minute, nil, failingNonces{}, discard())(echoCaller)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request(nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestLocalNonceStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewLocalNonceStore()
	s.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		key     string
		want    bool
	}{
		{0, "a", true},
		{0, "a", false},
		{0, "b", true},
		{30 * time.Second, "a", false},
		{30 * time.Second, "a", true},
		{10 * time.Second, "a", false},
	}
	for i, st := range steps {
		now = now.Add(st.advance)
		got, err := s.Claim(ctx, st.key, time.Minute)
		if err != nil {
			t.Fatalf("step %d: Claim: %v", i, err)
		}
		if got != st.want {
			t.Errorf("step %d: Claim(%q) = %v, want %v", i, st.key, got, st.want)
		}
	}
	if _, ok := s.seen["b"]; ok {
		t.Error("expired key b was not pruned")
	}
}

func TestAPIKey(t *testing.T) {
	h := APIKey("k1")(echoCaller)
	tests := []struct {
		name   string
		header [2]string
		want   int
	}{
		{"missing", [2]string{}, http.StatusUnauthorized},
		{"wrong", [2]string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"header", [2]string{"X-API-Key", "k1"}, http.StatusOK},
		{"bearer", [2]string{"Authorization", "Bearer k1"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	APIKey("")(echoCaller).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example"})(echoCaller)

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !bytes.Contains([]byte(got), []byte(crypto.HeaderSignature)) {
		t.Errorf("allow headers = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected CORS grant for foreign origin")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}
func (failingLimiter) Wait(context.Context, string) error { return nil }

func TestRateLimit(t *testing.T) {
	h := RateLimit(NewLocalLimiter(0, 0), 2, time.Minute, discard())(echoCaller)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	RateLimit(failingLimiter{}, 1, time.Second, discard())(echoCaller).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("fail-open = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		xff, xri, remote, want string
	}{
		{"203.0.113.9, 10.0.0.1", "", "10.0.0.1:1", "203.0.113.9"},
		{"", "198.51.100.2", "10.0.0.1:1", "198.51.100.2"},
		{"", "", "192.0.2.7:443", "192.0.2.7"},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
