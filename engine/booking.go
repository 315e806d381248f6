/*
booking.go - Booking record and its lifecycle

LIFECYCLE:
  pending ──► confirmed ──► completed
     │            │
     └────────────┴──► cancelled

  Transitions not listed in AllowedTransitions are rejected. Completed and
  cancelled are terminal. Confirmation in this package creates bookings
  directly in StatusConfirmed; pending exists for callers that hold a seat
  before payment.

CONCURRENCY:
  Every status write is a compare-and-swap on (status, version). Two
  cancellations racing on the same booking cannot both succeed.
*/
package engine

import "time"

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

// AllowedTransitions lists, for each status, the statuses it may move to.
var AllowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

func CanTransition(from, to BookingStatus) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Booking is a reserved seat on a shuttle between two stops.
// Fare is fixed at confirmation; Penalty is set only on cancellation.
type Booking struct {
	ID        BookingID
	RiderID   RiderID
	ShuttleID ShuttleID
	FromStop  StopID
	ToStop    StopID
	Fare      Points
	Penalty   Points
	Status    BookingStatus
	Version   int64
	DebitTxID TransactionID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookingTransition is a guarded status write. It applies only if the
// stored booking still has status From and version Version.
type BookingTransition struct {
	ID      BookingID
	From    BookingStatus
	To      BookingStatus
	Version int64
	Penalty Points
	At      time.Time
}
