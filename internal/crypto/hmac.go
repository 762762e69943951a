package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MinStreamSecret is the shortest accepted stream secret.
const MinStreamSecret = 16

var (
	ErrBadMAC   = errors.New("crypto: stream message authentication failed")
	ErrStaleMAC = errors.New("crypto: stream message timestamp outside allowed window")
)

// StreamAuth authenticates payloads exchanged between the engine and the
// decryption coprocessor over the signal bus. Both sides share one secret.
// A sealed message carries a Unix timestamp, the payload and
// HMAC-SHA256(secret, timestamp+stream+payload) encoded as base64, so an
// entry cannot be forged, altered, or moved onto another stream.
type StreamAuth struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

type envelope struct {
	Timestamp string `json:"ts"`
	Payload   []byte `json:"payload"`
	Signature string `json:"sig"`
}

// NewStreamAuth creates a StreamAuth. Messages older (or further in the
// future) than maxAge are rejected by Open; zero disables the age check.
func NewStreamAuth(secret string, maxAge time.Duration) (*StreamAuth, error) {
	if len(secret) < MinStreamSecret {
		return nil, fmt.Errorf("crypto: stream secret must be at least %d bytes", MinStreamSecret)
	}
	if maxAge < 0 {
		return nil, errors.New("crypto: stream max age must not be negative")
	}
	return &StreamAuth{secret: []byte(secret), maxAge: maxAge, now: time.Now}, nil
}

// Seal wraps payload for stream with the current timestamp.
func (a *StreamAuth) Seal(stream string, payload []byte) ([]byte, error) {
	return a.SealAt(stream, payload, a.now().Unix())
}

// SealAt is like Seal but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (a *StreamAuth) SealAt(stream string, payload []byte, unixTS int64) ([]byte, error) {
	ts := strconv.FormatInt(unixTS, 10)
	return json.Marshal(envelope{
		Timestamp: ts,
		Payload:   payload,
		Signature: hmacSHA256Base64(a.secret, ts+stream+string(payload)),
	})
}

// Open verifies a message produced by Seal for the same stream and returns
// the payload. The MAC is compared in constant time before the timestamp is
// trusted.
func (a *StreamAuth) Open(stream string, data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrBadMAC, err)
	}
	got, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrBadMAC)
	}
	want := hmacSHA256(a.secret, env.Timestamp+stream+string(env.Payload))
	if !hmac.Equal(got, want) {
		return nil, ErrBadMAC
	}
	ts, err := strconv.ParseInt(env.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp", ErrBadMAC)
	}
	if a.maxAge > 0 {
		if age := a.now().Sub(time.Unix(ts, 0)); age > a.maxAge || age < -a.maxAge {
			return nil, ErrStaleMAC
		}
	}
	return env.Payload, nil
}

// String returns a redacted representation suitable for logging.
func (a *StreamAuth) String() string {
	return fmt.Sprintf("StreamAuth{secret=****, max_age=%s}", a.maxAge)
}

// hmacSHA256 computes HMAC-SHA256 of message using key.
func hmacSHA256(key []byte, message string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(key, message))
}
