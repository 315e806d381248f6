/*
Package engine provides the booking lifecycle and wallet ledger for the
campus shuttle platform.

PURPOSE:
  Everything with real invariants lives here: pricing a trip, moving points
  in and out of a rider's wallet, confirming and cancelling bookings, and
  deciding cancellation penalties. Catalog CRUD, auth and payment redirects
  are handled elsewhere and only reach this package through the store
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: fixed-point wallet amount (decimal, never float)
  - Rider: wallet owner; WalletBalance is a cached sum of the ledger
  - Transaction: immutable ledger entry (credit or debit)
  - Booking: a reserved seat with its lifecycle status
  - Shuttle: read-only route data (ordered stops, departure time)

DESIGN PRINCIPLES:
  1. Append-only: transactions are never updated or deleted
  2. Precision: decimal.Decimal for every amount
  3. Type safety: distinct ID types for riders, bookings, shuttles, stops
  4. Traceability: transactions carry the booking they belong to

SEE ALSO:
  - ledger.go: the only code allowed to change WalletBalance
  - service.go: Confirm / Cancel / Recharge orchestration
  - store.go: persistence contracts
*/
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS - Wallet currency
// =============================================================================

// Points is a non-float wallet amount. Derived values (penalties) are
// rounded to two decimal places.
type Points struct {
	Value decimal.Decimal
}

// PointsScale is the number of decimal places a wallet amount may carry.
// Derived amounts are rounded to it.
const PointsScale = 2

// MaxPoints is the largest amount a wallet or a single entry can hold
// (NUMERIC(14,2) in the Postgres schema).
var MaxPoints = MustParsePoints("999999999999.99")

// NewPoints returns a whole number of points.
func NewPoints(v int64) Points { return Points{Value: decimal.NewFromInt(v)} }

// NewPointsFromDecimal wraps d without rounding.
func NewPointsFromDecimal(d decimal.Decimal) Points { return Points{Value: d} }

// Representable reports whether p has at most PointsScale decimal places
// and lies within ±MaxPoints. Stores keep such values exactly.
func (p Points) Representable() bool {
	if !p.Value.Equal(p.Value.Truncate(PointsScale)) {
		return false
	}
	return !p.Value.Abs().GreaterThan(MaxPoints.Value)
}

// ParsePoints parses a decimal string such as "12.50".
func ParsePoints(s string) (Points, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Points{}, err
	}
	return Points{Value: d}, nil
}

// MustParsePoints is ParsePoints for constants and tests.
func MustParsePoints(s string) Points {
	p, err := ParsePoints(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Points) Add(o Points) Points { return Points{Value: p.Value.Add(o.Value)} }
func (p Points) Sub(o Points) Points { return Points{Value: p.Value.Sub(o.Value)} }
func (p Points) Neg() Points { return Points{Value: p.Value.Neg()} }
func (p Points) MulInt(n int64) Points { return Points{Value: p.Value.Mul(decimal.NewFromInt(n))} }

// Percent returns pct percent of p, rounded to PointsScale places.
func (p Points) Percent(pct decimal.Decimal) Points {
	return Points{Value: p.Value.Mul(pct).Div(decimal.NewFromInt(100)).Round(PointsScale)}
}

func (p Points) IsZero() bool { return p.Value.IsZero() }
func (p Points) IsPositive() bool { return p.Value.IsPositive() }
func (p Points) IsNegative() bool { return p.Value.IsNegative() }
func (p Points) Equal(o Points) bool { return p.Value.Equal(o.Value) }
func (p Points) LessThan(o Points) bool { return p.Value.LessThan(o.Value) }
func (p Points) GreaterThan(o Points) bool { return p.Value.GreaterThan(o.Value) }
func (p Points) String() string { return p.Value.String() }

func (p Points) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Value.String())
}

func (p *Points) UnmarshalJSON(b []byte) error {
	return p.Value.UnmarshalJSON(b)
}

// SumPoints adds up the given amounts.
func SumPoints(ps ...Points) Points {
	total := Points{Value: decimal.Zero}
	for _, p := range ps {
		total = total.Add(p)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// RiderID identifies a wallet owner. Client supplied or a UUID.
type RiderID string

// BookingID identifies one seat reservation.
type BookingID string

// ShuttleID identifies a scheduled shuttle run.
type ShuttleID string

// StopID names a stop on a shuttle's route.
type StopID string

// TransactionID identifies one ledger entry.
type TransactionID string

// NewRiderID, NewBookingID and NewTransactionID return random UUIDs.
func NewRiderID() RiderID             { return RiderID(uuid.NewString()) }
func NewBookingID() BookingID         { return BookingID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// =============================================================================
// RIDER - Wallet owner
// =============================================================================

// Rider owns a wallet. WalletBalance is a cached projection of the ledger;
// Version is bumped on every balance write and guards concurrent updates.
type Rider struct {
	ID            RiderID
	Name          string
	WalletBalance Points
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TxKind string

const (
	TxCredit TxKind = "credit"
	TxDebit  TxKind = "debit"
)

// Transaction is one ledger line. Amount is signed: positive for credits,
// negative for debits.
type Transaction struct {
	ID             TransactionID
	RiderID        RiderID
	BookingID      BookingID // empty for wallet-only entries (grant, recharge)
	Amount         Points
	Kind           TxKind
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Standard ledger descriptions.
const (
	DescInitialGrant        = "initial grant"
	DescWalletRecharge      = "wallet recharge"
	DescBookingFare         = "shuttle booking"
	DescCancellationRefund  = "cancellation refund"
	DescCancellationPenalty = "cancellation penalty"
)

// =============================================================================
// SHUTTLE - Read-only route data
// =============================================================================

// Shuttle is a one-way ordered route with a single departure.
type Shuttle struct {
	ID          ShuttleID
	Name        string
	Stops       []StopID
	DepartureAt time.Time
	Active      bool
}
