/*
store.go - Persistence contracts for the booking engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never sees SQL; every backend (memory, SQLite, PostgreSQL) implements the
  same contracts and the same error semantics.

KEY INTERFACES:
  RiderStore:       wallet owners, guarded balance writes
  BookingStore:     booking records, guarded status writes
  ShuttleStore:     route data (read by the engine, written by seeding)
  TransactionStore: append-only ledger lines
  TxStore:          all of the above plus WithTx

GUARDED WRITES:
  UpdateRiderBalance and UpdateBookingStatus are compare-and-swap. They
  return (false, nil) when the stored row no longer matches the expected
  version, and never overwrite a concurrent change.

ERROR CONTRACT:
  - Missing rows return the matching Err*NotFound sentinel
  - Idempotency key reuse returns ErrDuplicateIdempotencyKey
  - Anything else is wrapped with StorageFailure

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go: single-node deployments
  - store/postgres/postgres.go: production
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Per-entity contracts
// =============================================================================

// BalanceUpdate sets a rider's balance if the stored version equals Version.
// On success the stored version becomes Version+1.
type BalanceUpdate struct {
	RiderID RiderID
	Version int64
	Balance Points
	At      time.Time
}

type RiderStore interface {
	GetRider(ctx context.Context, id RiderID) (Rider, error)
	CreateRider(ctx context.Context, r Rider) error
	UpdateRiderBalance(ctx context.Context, u BalanceUpdate) (bool, error)

	// ListRiders returns every rider ordered by ID.
	ListRiders(ctx context.Context) ([]Rider, error)
}

type BookingStore interface {
	GetBooking(ctx context.Context, id BookingID) (Booking, error)
	CreateBooking(ctx context.Context, b Booking) error
	UpdateBookingStatus(ctx context.Context, t BookingTransition) (bool, error)

	// ListBookingsByRider returns the rider's bookings, newest first.
	ListBookingsByRider(ctx context.Context, riderID RiderID) ([]Booking, error)

	// CountCancellationsSince counts the rider's cancelled bookings whose
	// cancellation time is at or after since.
	CountCancellationsSince(ctx context.Context, riderID RiderID, since time.Time) (int, error)
}

type ShuttleStore interface {
	GetShuttle(ctx context.Context, id ShuttleID) (Shuttle, error)
	SaveShuttle(ctx context.Context, s Shuttle) error
}

// TransactionStore is APPEND-ONLY. No Update, No Delete.
type TransactionStore interface {
	// AppendTransaction fails with ErrDuplicateIdempotencyKey if a non-empty
	// key has been used before.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns the rider's ledger in insertion order.
	ListTransactions(ctx context.Context, riderID RiderID) ([]Transaction, error)

	// FindTransactionByIdempotencyKey returns (nil, nil) when the key is unused.
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

type Store interface {
	RiderStore
	BookingStore
	ShuttleStore
	TransactionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
