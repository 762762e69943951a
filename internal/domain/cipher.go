package domain

import (
	"context"
	"time"
)

// SealedBet is one ciphertext awaiting decryption.
type SealedBet struct {
	Participant Identity
	Ciphertext  Ciphertext
}

// SettlementRequest is the handle produced by the first settlement phase. It
// carries everything the decryption capability needs and nothing more.
type SettlementRequest struct {
	MarketID     uint64
	Asset        string
	Price        Price
	OutcomeAbove bool
	Bets         []SealedBet
	RequestedAt  time.Time
}

// Decryptor opens the sealed predictions of a settlement request. A
// ciphertext that cannot be opened yields PredictionInvalid for that
// participant; an error is returned only when the capability itself failed,
// and then it wraps ErrDecryptionFailed.
type Decryptor interface {
	Decrypt(ctx context.Context, req SettlementRequest) (map[Identity]Prediction, error)
}

// Encryptor seals a prediction for a participant on a market. It is the
// client-side half of the capability.
type Encryptor interface {
	Encrypt(marketID uint64, participant Identity, above bool) (Ciphertext, error)
}
