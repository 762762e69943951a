// Package crypto holds the settlement key, the sealed-prediction cipher and
// request signing for blindbet participants.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// keyFile is the on-disk format for a password-protected settlement key.
type keyFile struct {
	Version    int    `json:"version"`
	PublicKey  string `json:"public_key"` // hex, uncompressed secp256k1
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// KeyConfig tells LoadSettlementKey where the settlement private key lives.
type KeyConfig struct {
	// RawPrivateKey is a hex secp256k1 key (with or without 0x). Takes
	// precedence over the key file.
	RawPrivateKey string
	// KeyFile is a JSON file produced by SealKey.
	KeyFile     string
	KeyPassword string
}

// GenerateSettlementKey creates a fresh secp256k1 key pair.
func GenerateSettlementKey() (*ecdsa.PrivateKey, error) {
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return k, nil
}

// SealKey encrypts priv with password using PBKDF2-HMAC-SHA256 and
// AES-256-GCM. The public half is stored in the clear so operators can
// publish it without the password.
func SealKey(priv *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(priv), nil)
	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		PublicKey:  EncodePublicKey(&priv.PublicKey),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey.
func OpenKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	raw, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	priv, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	return priv, nil
}

// PublicKeyFromFile reads only the public half of a key file.
func PublicKeyFromFile(data []byte) (*ecdsa.PublicKey, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	return DecodePublicKey(kf.PublicKey)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadSettlementKey resolves the settlement private key.
//
// Resolution order:
//  1. RawPrivateKey, if set.
//  2. KeyFile decrypted with KeyPassword.
func LoadSettlementKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if cfg.RawPrivateKey != "" {
		priv, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.RawPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: raw settlement key: %w", err)
		}
		return priv, nil
	}
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return OpenKey(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no settlement key configured (set raw key or key file)")
}

// EncodePublicKey returns the 0x-prefixed uncompressed public key.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return "0x" + hex.EncodeToString(ethcrypto.FromECDSAPub(pub))
}

// DecodePublicKey parses EncodePublicKey output.
func DecodePublicKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: public key hex: %w", err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: public key: %w", err)
	}
	return pub, nil
}
