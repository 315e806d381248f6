package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CancellationCounter is the slice of BookingStore the policy reads.
type CancellationCounter interface {
	CountCancellationsSince(ctx context.Context, riderID RiderID, since time.Time) (int, error)
}

// CancellationPolicy decides whether a cancellation is allowed and what it
// costs. A rider whose cancellations in the trailing Window exceed
// Threshold pays RatePercent of the fare.
type CancellationPolicy struct {
	Window      time.Duration
	Threshold   int
	RatePercent decimal.Decimal
	MinNotice   time.Duration
}

func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{
		Window:      30 * 24 * time.Hour,
		Threshold:   3,
		RatePercent: decimal.NewFromInt(20),
		MinNotice:   2 * time.Hour,
	}
}

// CheckNotice rejects cancellations at or after departure - MinNotice.
func (p CancellationPolicy) CheckNotice(departure, now time.Time) error {
	deadline := departure.Add(-p.MinNotice)
	if !now.Before(deadline) {
		return &WindowClosedError{DepartureAt: departure, Deadline: deadline}
	}
	return nil
}

// Penalty must be called before the booking being cancelled is marked
// cancelled, so it never counts toward its own threshold.
func (p CancellationPolicy) Penalty(ctx context.Context, history CancellationCounter, riderID RiderID, fare Points, now time.Time) (Points, error) {
	count, err := history.CountCancellationsSince(ctx, riderID, now.Add(-p.Window))
	if err != nil {
		return Points{}, err
	}
	if count <= p.Threshold {
		return NewPoints(0), nil
	}
	return fare.Percent(p.RatePercent), nil
}
