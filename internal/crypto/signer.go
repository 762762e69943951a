package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Request signature headers.
const (
	HeaderAddress   = "X-Blindbet-Address"
	HeaderTimestamp = "X-Blindbet-Timestamp"
	HeaderSignature = "X-Blindbet-Signature"
)

var (
	ErrBadSignature   = errors.New("crypto: signature does not match address")
	ErrStaleSignature = errors.New("crypto: signature timestamp outside allowed window")
)

// RequestMessage is the text a participant signs with personal_sign
// (EIP-191) to authenticate an API call:
//
//	blindbet <METHOD> <path>
//	<unix timestamp>
//	<keccak256(body) hex>
func RequestMessage(method, path string, ts int64, body []byte) string {
	return fmt.Sprintf("blindbet %s %s\n%d\n%s",
		strings.ToUpper(method), path, ts, hexutil.Encode(ethcrypto.Keccak256(body)))
}

// Signer signs API requests on behalf of a participant wallet.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	now        func() time.Time
}

// NewSigner creates a Signer from a hex secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		now:        time.Now,
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the headers authenticating a request.
func (s *Signer) SignRequest(method, path string, body []byte) (map[string]string, error) {
	ts := s.now().Unix()
	sig, err := s.SignText(RequestMessage(method, path, ts, body))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: hexutil.Encode(sig),
	}, nil
}

// SignText produces a wallet-compatible personal_sign signature (V in {27,28}).
func (s *Signer) SignText(msg string) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[recoveryIDIndex] += 27
	return sig, nil
}

const recoveryIDIndex = 64

// RecoverText returns the address that produced sig over msg.
func RecoverText(msg string, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature length %d: %w", len(sig), ErrBadSignature)
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[recoveryIDIndex] >= 27 {
		norm[recoveryIDIndex] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(msg)), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %v: %w", err, ErrBadSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks the three signature headers against the request and
// returns the authenticated address.
func VerifyRequest(method, path string, body []byte, address, timestamp, signature string, now time.Time, maxSkew time.Duration) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("crypto/signer: bad address header: %w", ErrBadSignature)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: bad timestamp header: %w", ErrBadSignature)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
		return common.Address{}, ErrStaleSignature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: bad signature header: %w", ErrBadSignature)
	}
	got, err := RecoverText(RequestMessage(method, path, ts, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if want := common.HexToAddress(address); got != want {
		return common.Address{}, ErrBadSignature
	}
	return got, nil
}

// ReplayKey identifies a verified request by its signer and signed message,
// not by the signature bytes, so re-encoding V or S does not yield a new key.
func ReplayKey(signer common.Address, method, path string, ts int64, body []byte) string {
	return hexutil.Encode(ethcrypto.Keccak256(signer.Bytes(), []byte(RequestMessage(method, path, ts, body))))
}
