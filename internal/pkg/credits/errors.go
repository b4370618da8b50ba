package credits

import "errors"

// Sentinel errors surfaced by the credit service. Controllers map these onto
// HTTP statuses; everything else is treated as an internal error.
var (
	// ErrNotFound means no credit account exists and lazy initialization is disabled.
	ErrNotFound = errors.New("credit account not found")

	// ErrValidation means the input was malformed (negative balance, bad actor id).
	ErrValidation = errors.New("invalid credit input")
)
