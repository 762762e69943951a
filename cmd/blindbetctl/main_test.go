package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/blindbet/internal/crypto"
	"github.com/alanyoungcy/blindbet/internal/domain"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decoding output %q: %v", buf.String(), err)
	}
	return out
}

func TestKeygenEncryptRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := runKeygen(nil, &buf); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	keys := decode(t, &buf)

	bettor := "0x00000000000000000000000000000000000000aa"
	buf.Reset()
	err := runEncrypt([]string{
		"-pubkey", keys["public_key"],
		"-market", "7",
		"-participant", bettor,
		"-prediction", "below",
	}, &buf)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var sealed struct {
		EncryptedPrediction string `json:"encrypted_prediction"`
	}
	if err := json.Unmarshal(buf.Bytes(), &sealed); err != nil {
		t.Fatalf("decoding encrypt output: %v", err)
	}
	ct, err := hexutil.Decode(sealed.EncryptedPrediction)
	if err != nil {
		t.Fatalf("ciphertext is not hex: %v", err)
	}

	priv, err := crypto.LoadSettlementKey(crypto.KeyConfig{RawPrivateKey: keys["private_key"]})
	if err != nil {
		t.Fatalf("LoadSettlementKey: %v", err)
	}
	opener := crypto.NewPredictionOpener(priv)
	if got := opener.Open(7, common.HexToAddress(bettor), ct); got != domain.PredictionBelow {
		t.Errorf("Open = %q, want below", got)
	}
	if got := opener.Open(8, common.HexToAddress(bettor), ct); got != domain.PredictionInvalid {
		t.Errorf("Open on another market = %q, want invalid", got)
	}
}

func TestKeygenSealedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.json")

	var buf bytes.Buffer
	if err := runKeygen([]string{"-out", path, "-password", "hunter2"}, &buf); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	keys := decode(t, &buf)
	if _, ok := keys["private_key"]; ok {
		t.Error("keygen printed the private key while writing a key file")
	}

	buf.Reset()
	if err := runPubkey([]string{"-key-file", path}, &buf); err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	if got := decode(t, &buf)["public_key"]; got != keys["public_key"] {
		t.Errorf("pubkey = %s, want %s", got, keys["public_key"])
	}

	if _, err := crypto.LoadSettlementKey(crypto.KeyConfig{KeyFile: path, KeyPassword: "hunter2"}); err != nil {
		t.Errorf("LoadSettlementKey from sealed file: %v", err)
	}
}

func TestKeygenRequiresPassword(t *testing.T) {
	t.Setenv("BLINDBET_CIPHER_KEY_PASSWORD", "")
	path := filepath.Join(t.TempDir(), "k.json")
	if err := runKeygen([]string{"-out", path}, &bytes.Buffer{}); err == nil {
		t.Fatal("keygen without password succeeded")
	}
}

func TestEncryptRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad participant", []string{"-participant", "nope", "-prediction", "above"}},
		{"bad prediction", []string{"-participant", "0x00000000000000000000000000000000000000aa", "-prediction", "sideways"}},
		{"bad key", []string{"-pubkey", "0x12", "-participant", "0x00000000000000000000000000000000000000aa", "-prediction", "above"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runEncrypt(tt.args, &bytes.Buffer{}); err == nil {
				t.Fatal("encrypt succeeded")
			}
		})
	}
}

func TestSignVerifies(t *testing.T) {
	const key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	body := `{"amount":"1000"}`

	var buf bytes.Buffer
	err := runSign([]string{"-key", key, "-method", "post", "-path", "/api/markets/1/bets", "-body", "-"},
		strings.NewReader(body), &buf)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h := decode(t, &buf)

	signer, err := crypto.NewSigner(key)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	got, err := crypto.VerifyRequest("POST", "/api/markets/1/bets", []byte(body),
		h[crypto.HeaderAddress], h[crypto.HeaderTimestamp], h[crypto.HeaderSignature],
		time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("address = %s, want %s", got.Hex(), signer.Address().Hex())
	}
}
