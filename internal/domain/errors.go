package domain

import "errors"

// Error categories. Every specific error below unwraps to exactly one of
// these, so callers can branch on either level with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrState        = errors.New("state error")
	ErrNotFound     = errors.New("not found")
	ErrExternal     = errors.New("external dependency error")
)

// kindError is a specific error tied to a category.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func newError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Validation errors.
var (
	ErrInvalidDuration   = newError(ErrValidation, "duration must be positive")
	ErrEmptyAsset        = newError(ErrValidation, "asset must not be empty")
	ErrInvalidStake      = newError(ErrValidation, "stake must be positive")
	ErrInvalidCiphertext = newError(ErrValidation, "malformed encrypted prediction")
	ErrInvalidReveal     = newError(ErrValidation, "revealed predictions do not match recorded bets")
	ErrInvalidPrice      = newError(ErrValidation, "invalid price")
)

// Authorization errors.
var (
	ErrNotOwner = newError(ErrUnauthorized, "caller is not the market creator")
)

// State errors.
var (
	ErrAlreadyBet       = newError(ErrState, "already placed a bet")
	ErrMarketEnded      = newError(ErrState, "market has ended")
	ErrNotEnded         = newError(ErrState, "market has not ended yet")
	ErrAlreadySettled   = newError(ErrState, "market already settled")
	ErrNotSettled       = newError(ErrState, "market not settled")
	ErrNotWinner        = newError(ErrState, "not a winner")
	ErrAlreadyWithdrawn = newError(ErrState, "already withdrawn")
	ErrNoBet            = newError(ErrState, "no bet placed")
	ErrNotLocked        = newError(ErrState, "settlement has not been requested")
	ErrBadTransition    = newError(ErrState, "invalid market state transition")
)

// Not-found errors.
var (
	ErrMarketNotFound = newError(ErrNotFound, "market not found")
)

// External dependency errors.
var (
	ErrOracleUnavailable = newError(ErrExternal, "price oracle unavailable")
	ErrDecryptionFailed  = newError(ErrExternal, "decryption failed")
)

// Infrastructure errors shared by the cache and store adapters.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")
)

// Kind returns the category sentinel err belongs to, or nil when err is not
// part of the taxonomy.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrUnauthorized, ErrState, ErrNotFound, ErrExternal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Reason returns the message of the specific taxonomy error inside err,
// without the wrapping context added on the way up. It falls back to
// err.Error().
func Reason(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
