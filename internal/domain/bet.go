package domain

import "time"

// MaxCiphertextLen bounds the size of an encrypted prediction envelope.
const MaxCiphertextLen = 1024

// Ciphertext is an opaque encrypted prediction. The engine never inspects
// its contents; only a Decryptor can open it.
type Ciphertext []byte

// Validate performs the envelope checks that are possible without the key.
func (c Ciphertext) Validate() error {
	if len(c) == 0 || len(c) > MaxCiphertextLen {
		return ErrInvalidCiphertext
	}
	return nil
}

// Prediction is the revealed direction of a bet.
type Prediction string

const (
	// PredictionHidden means the bet has not been revealed yet.
	PredictionHidden Prediction = ""
	PredictionAbove  Prediction = "above"
	PredictionBelow  Prediction = "below"
	// PredictionInvalid marks a ciphertext that could not be opened or was
	// bound to a different market or participant. It never wins.
	PredictionInvalid Prediction = "invalid"
)

// PredictionOf converts a plaintext boolean to a Prediction.
func PredictionOf(above bool) Prediction {
	if above {
		return PredictionAbove
	}
	return PredictionBelow
}

// Valid reports whether p is a known value.
func (p Prediction) Valid() bool {
	switch p {
	case PredictionHidden, PredictionAbove, PredictionBelow, PredictionInvalid:
		return true
	}
	return false
}

// Matches reports whether p agrees with the settled outcome.
func (p Prediction) Matches(outcomeAbove bool) bool {
	return (p == PredictionAbove && outcomeAbove) || (p == PredictionBelow && !outcomeAbove)
}

// Bet is one participant's confidential stake on a market.
type Bet struct {
	MarketID            uint64
	Participant         Identity
	Stake               Amount
	EncryptedPrediction Ciphertext
	Revealed            Prediction
	Withdrawn           bool
	Payout              *Amount
	PlacedAt            time.Time
}

// UserBet is the public view of a bet: it never exposes the prediction.
type UserBet struct {
	Stake  Amount
	HasBet bool
}

// EscrowKind distinguishes funds entering and leaving escrow.
type EscrowKind string

const (
	EscrowDeposit EscrowKind = "deposit"
	EscrowRelease EscrowKind = "release"
)

// EscrowEntry is an append-only movement of funds for a market.
type EscrowEntry struct {
	MarketID    uint64
	Participant Identity
	Kind        EscrowKind
	Amount      Amount
	CreatedAt   time.Time
}
