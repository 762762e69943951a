package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blindbet/internal/crypto"
	"github.com/alanyoungcy/blindbet/internal/domain"
)

// MaxBodyBytes caps request bodies read for signature verification.
const MaxBodyBytes = 64 << 10

type callerKey struct{}

// Caller returns the address authenticated by Signature.
func Caller(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(common.Address)
	return a, ok
}

// WithCaller stores an authenticated address in ctx.
func WithCaller(ctx context.Context, a common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, a)
}

// Signature authenticates mutating requests from the X-Blindbet-* headers.
// Safe methods pass through untouched. The verified address is available to
// handlers through Caller.
//
// Each signed request is accepted once. Its replay key is claimed in nonces
// for 2*maxSkew, the longest time a timestamp stays inside the window, and a
// second arrival is rejected with 401. If nonces cannot be reached the
// request is refused with 503. A nil nonces uses a LocalNonceStore.
func Signature(maxSkew time.Duration, now func() time.Time, nonces domain.NonceStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	if nonces == nil {
		nonces = NewLocalNonceStore()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := crypto.VerifyRequest(r.Method, r.URL.Path, body,
				r.Header.Get(crypto.HeaderAddress),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
				now(), maxSkew,
			)
			if err != nil {
				logger.DebugContext(r.Context(), "signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				msg := "invalid request signature"
				if errors.Is(err, crypto.ErrStaleSignature) {
					msg = "request signature expired"
				}
				writeJSONError(w, http.StatusUnauthorized, msg)
				return
			}

			ts, _ := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
			fresh, err := nonces.Claim(r.Context(), crypto.ReplayKey(caller, r.Method, r.URL.Path, ts, body), 2*maxSkew)
			if err != nil {
				logger.ErrorContext(r.Context(), "replay check failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusServiceUnavailable, "replay protection unavailable")
				return
			}
			if !fresh {
				logger.WarnContext(r.Context(), "signature replayed",
					slog.String("path", r.URL.Path),
					slog.String("caller", caller.Hex()),
				)
				writeJSONError(w, http.StatusUnauthorized, "request signature already used")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
