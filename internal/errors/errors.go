package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the identity engine. Callers classify with Is.
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrWeakPassword       = errors.New("password does not meet strength requirements")
	ErrEmailTaken         = errors.New("email already registered")

	// Token errors. ErrTokenExpired wraps ErrTokenInvalid so that external
	// callers that only check ErrTokenInvalid see a uniform failure.
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = fmt.Errorf("%w: expired", ErrTokenInvalid)
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")

	// Key management errors
	ErrKeyManagement     = errors.New("key management failure")
	ErrIllegalTransition = errors.New("illegal key status transition")

	// Storage errors
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// General errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
