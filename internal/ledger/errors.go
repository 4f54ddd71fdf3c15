package ledger

import "errors"

// Sentinel errors for the failure modes of ledger operations. Callers map
// them to transport codes with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyExists     = errors.New("already exists")
	ErrProfileRequired   = errors.New("profile required")
)
