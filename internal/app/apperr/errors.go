// Package apperr defines the error taxonomy shared by all ledger services.
//
// Locally-detected conditions are sentinel or typed errors returned without
// wrapping. Failures of external collaborators (value-transfer ledger, price
// oracle, minting service) are wrapped into an InternalError that preserves
// the upstream message as text; no retry metadata is attached, so callers must
// infer retry-safety from the operation that produced the error.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrDeveloperNotFound reports a caller identity with no registered account.
	ErrDeveloperNotFound = errors.New("developer account not found")

	// ErrAppNotFound reports an app that does not exist or is not visible to
	// the caller.
	ErrAppNotFound = errors.New("app not found")

	// ErrAlreadyExists reports a second registration for the same identity.
	ErrAlreadyExists = errors.New("developer account already exists")

	// ErrQuotaExceeded reports that the developer reached the per-account app
	// limit.
	ErrQuotaExceeded = errors.New("maximum apps per developer reached")
)

// InsufficientBalanceError reports an escrow balance below the deploy minimum.
// Amounts are in ledger token subunits.
type InsufficientBalanceError struct {
	Was    int64
	Needed int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient escrow balance for deploy: was %d, needed %d", e.Was, e.Needed)
}

// InternalError wraps a failure of an external collaborator or of the process
// itself. The upstream error is preserved for inspection and text rendering.
type InternalError struct {
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal: %s: %v", e.Message, e.Err)
	}
	return "internal: " + e.Message
}

func (e *InternalError) Unwrap() error { return e.Err }

// Internal builds an InternalError around an upstream failure.
func Internal(message string, err error) error {
	return &InternalError{Message: message, Err: err}
}

// Internalf builds an InternalError from a formatted message.
func Internalf(format string, args ...interface{}) error {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

// IsInternal reports whether err is (or wraps) an InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
