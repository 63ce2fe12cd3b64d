package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrLoanNotAccelerable     = fmt.Errorf("%w: loan is not accelerable", ErrInvalidStateTransition)
	ErrNotAuthorized          = errors.New("not authorized")
	ErrInvalidRequest         = errors.New("invalid request")
)

// InvariantViolation signals ledger corruption. It is raised with panic and
// never returned as an ordinary error.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: %s: %s", v.Invariant, v.Detail)
}
