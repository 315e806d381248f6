/*
errors.go - Error vocabulary of the booking engine

PURPOSE:
  Every failure an operation can report maps to exactly one Kind. Callers
  (HTTP handlers, CLI tools) switch on KindOf(err) and never on message
  text. Sentinels work with errors.Is; structured errors carry the numbers
  a client needs to explain the failure.

ERROR CATEGORIES:
  1. Not found      - rider, booking, shuttle
  2. Business rules - insufficient funds, invalid state, route mismatch,
                      cancellation window closed, invalid amount
  3. Conflicts      - idempotency key reuse, optimistic-lock exhaustion
  4. Infrastructure - storage unavailable (always wraps the cause)

SEE ALSO:
  - api/handlers.go: Kind → HTTP status mapping
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// KINDS - Stable, client-facing error identifiers
// =============================================================================

type Kind string

const (
	KindRiderNotFound            Kind = "RiderNotFound"
	KindBookingNotFound          Kind = "BookingNotFound"
	KindShuttleNotFound          Kind = "ShuttleNotFound"
	KindInsufficientFunds        Kind = "InsufficientFunds"
	KindInvalidState             Kind = "InvalidState"
	KindRouteMismatch            Kind = "RouteMismatch"
	KindCancellationWindowClosed Kind = "CancellationWindowClosed"
	KindStorageUnavailable       Kind = "StorageUnavailable"
	KindInvalidAmount            Kind = "InvalidAmount"
	KindInvalidRequest           Kind = "InvalidRequest"
	KindConflict                 Kind = "Conflict"
	KindInternal                 Kind = "Internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRiderNotFound   = errors.New("rider not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrShuttleNotFound = errors.New("shuttle not found")

	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInvalidState             = errors.New("invalid booking state")
	ErrRouteMismatch            = errors.New("route mismatch")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidRequest           = errors.New("invalid request")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists for a different operation.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrRiderExists is returned when registering an ID that is taken.
	ErrRiderExists = errors.New("rider already exists")

	// ErrConcurrentModification is returned when an optimistic write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrStorageUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports how far short a wallet is.
type InsufficientFundsError struct {
	RiderID   RiderID
	Available Points
	Requested Points
}

func (e *InsufficientFundsError) Shortfall() Points { return e.Requested.Sub(e.Available) }

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: rider %s has %s, needs %s (short %s)",
		e.RiderID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// RouteMismatchError is returned when a stop pair is not a valid forward
// segment of the shuttle route.
type RouteMismatchError struct {
	From   StopID
	To     StopID
	Reason string
}

func (e *RouteMismatchError) Error() string {
	return fmt.Sprintf("route mismatch %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *RouteMismatchError) Unwrap() error { return ErrRouteMismatch }

// InvalidStateError is returned when a booking is not in a status that
// permits the requested transition.
type InvalidStateError struct {
	BookingID BookingID
	Status    BookingStatus
	Target    BookingStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("booking %s is %s, cannot move to %s", e.BookingID, e.Status, e.Target)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// WindowClosedError carries the cutoff that was missed.
type WindowClosedError struct {
	DepartureAt time.Time
	Deadline    time.Time
}

func (e *WindowClosedError) Error() string {
	return fmt.Sprintf("cancellation window closed at %s (departure %s)",
		e.Deadline.UTC().Format(time.RFC3339), e.DepartureAt.UTC().Format(time.RFC3339))
}

func (e *WindowClosedError) Unwrap() error { return ErrCancellationWindowClosed }

// StorageError wraps a backend failure. It matches both ErrStorageUnavailable
// and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// StorageFailure wraps err as a StorageError unless it is nil or already one
// of the engine's own errors.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRiderNotFound):
		return KindRiderNotFound
	case errors.Is(err, ErrBookingNotFound):
		return KindBookingNotFound
	case errors.Is(err, ErrShuttleNotFound):
		return KindShuttleNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrRouteMismatch):
		return KindRouteMismatch
	case errors.Is(err, ErrCancellationWindowClosed):
		return KindCancellationWindowClosed
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrDuplicateIdempotencyKey),
		errors.Is(err, ErrRiderExists),
		errors.Is(err, ErrConcurrentModification):
		return KindConflict
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindStorageUnavailable
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindInvalidState, KindRouteMismatch,
		KindCancellationWindowClosed, KindInvalidAmount, KindInvalidRequest, KindConflict:
		return true
	}
	return IsNotFound(err)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRiderNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrShuttleNotFound)
}
