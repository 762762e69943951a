package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

const (
	plainBelow byte = 0
	plainAbove byte = 1
)

var bindingTag = []byte("blindbet/prediction/v1")

// binding ties a ciphertext to one (market, participant) pair. It is fed to
// ECIES as the MAC shared info, so a ciphertext copied onto another market or
// by another participant fails authentication.
func binding(marketID uint64, participant domain.Identity) []byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], marketID)
	return ethcrypto.Keccak256(bindingTag, id[:], participant.Bytes())
}

// PredictionSealer encrypts predictions to the settlement public key. It is
// safe to hand to any participant.
type PredictionSealer struct {
	pub *ecies.PublicKey
}

// NewPredictionSealer creates a sealer for pub.
func NewPredictionSealer(pub *ecdsa.PublicKey) *PredictionSealer {
	return &PredictionSealer{pub: ecies.ImportECDSAPublic(pub)}
}

// Encrypt seals the direction "price will be >= target" for participant on
// marketID.
func (s *PredictionSealer) Encrypt(marketID uint64, participant domain.Identity, above bool) (domain.Ciphertext, error) {
	plain := []byte{plainBelow}
	if above {
		plain[0] = plainAbove
	}
	ct, err := ecies.Encrypt(rand.Reader, s.pub, plain, nil, binding(marketID, participant))
	if err != nil {
		return nil, fmt.Errorf("crypto: seal prediction: %w", err)
	}
	return ct, nil
}

// PredictionOpener decrypts sealed predictions with the settlement private
// key. It implements domain.Decryptor.
type PredictionOpener struct {
	priv *ecies.PrivateKey
}

// NewPredictionOpener creates an opener for priv.
func NewPredictionOpener(priv *ecdsa.PrivateKey) *PredictionOpener {
	return &PredictionOpener{priv: ecies.ImportECDSA(priv)}
}

// Sealer returns the matching sealer.
func (o *PredictionOpener) Sealer() *PredictionSealer {
	return &PredictionSealer{pub: &o.priv.PublicKey}
}

// Open decrypts one ciphertext. Anything that is not an authentic one-byte
// direction for this market and participant opens as PredictionInvalid.
func (o *PredictionOpener) Open(marketID uint64, participant domain.Identity, ct domain.Ciphertext) domain.Prediction {
	plain, err := o.priv.Decrypt(ct, nil, binding(marketID, participant))
	if err != nil || len(plain) != 1 {
		return domain.PredictionInvalid
	}
	switch plain[0] {
	case plainAbove:
		return domain.PredictionAbove
	case plainBelow:
		return domain.PredictionBelow
	}
	return domain.PredictionInvalid
}

// Decrypt opens every sealed bet of req.
func (o *PredictionOpener) Decrypt(ctx context.Context, req domain.SettlementRequest) (map[domain.Identity]domain.Prediction, error) {
	out := make(map[domain.Identity]domain.Prediction, len(req.Bets))
	for _, b := range req.Bets {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("crypto: decrypt market %d: %v: %w", req.MarketID, err, domain.ErrDecryptionFailed)
		}
		out[b.Participant] = o.Open(req.MarketID, b.Participant, b.Ciphertext)
	}
	return out, nil
}
