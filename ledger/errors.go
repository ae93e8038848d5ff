/*
errors.go - Centralized error types for the stored-value engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Missing instruments
  2. Validation errors - Business rule violations
  3. Concurrency errors - Lock timeouts, duplicate idempotency keys
  4. Integrity errors - Raised only by Verify, never by mutating calls

USAGE:
  Callers classify with errors.Is:

    if errors.Is(err, ledger.ErrConcurrencyConflict) {
        // retryable
    }

SEE ALSO:
  - core.go: Produces most of these errors
  - reconcile.go: Produces IntegrityError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced instrument doesn't exist.
	ErrNotFound = errors.New("instrument not found")

	// ErrInstrumentNotActive is returned when a mutation targets an
	// instrument that is not in the active state.
	ErrInstrumentNotActive = errors.New("instrument not active")

	// ErrInsufficientBalance is returned when a write would drive the
	// balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCurrencyMismatch is returned when the caller-supplied currency
	// differs from the instrument currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrRestrictionViolated is returned when an instrument's usage
	// restrictions disqualify it from a redemption.
	ErrRestrictionViolated = errors.New("restriction violated")

	// ErrConcurrencyConflict is returned when the per-instrument lock
	// cannot be acquired within the timeout. Retryable.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation is returned for malformed input: amount/type sign
	// mismatches and invalid status transitions.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity is returned only by Verify when the stored balance does
	// not match the replayed transaction log. Never auto-corrected.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the
	// same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	InstrumentID InstrumentID
	Available    Amount
	Requested    Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.InstrumentID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CurrencyMismatchError provides details about a currency conflict.
type CurrencyMismatchError struct {
	InstrumentID InstrumentID
	Want         Currency
	Got          Currency
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch on %s: instrument is %s, got %s",
		e.InstrumentID, e.Want, e.Got)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// InvalidTransitionError reports an illegal status transition.
type InvalidTransitionError struct {
	InstrumentID InstrumentID
	From         Status
	To           Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition on %s: %s -> %s", e.InstrumentID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrValidation }

// IntegrityError reports a stored balance that disagrees with the log.
type IntegrityError struct {
	InstrumentID InstrumentID
	Expected     Amount
	Actual       Amount
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: expected %s, stored %s",
		e.InstrumentID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrRestrictionViolated) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing instrument.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
