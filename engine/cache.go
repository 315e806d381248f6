package engine

import "context"

const bookingsKeyPrefix = "bookings:"

// BookingsCacheKey is the cache key of a rider's booking list.
func BookingsCacheKey(riderID RiderID) string {
	return bookingsKeyPrefix + string(riderID)
}

// BookingCache holds per-rider booking lists. The service treats it as
// best effort: errors are logged and the store stays authoritative.
type BookingCache interface {
	// Bookings returns (nil, false, nil) on a miss.
	Bookings(ctx context.Context, riderID RiderID) ([]Booking, bool, error)
	StoreBookings(ctx context.Context, riderID RiderID, bookings []Booking) error
	Invalidate(ctx context.Context, riderID RiderID) error
}

// NopCache always misses.
type NopCache struct{}

func (NopCache) Bookings(context.Context, RiderID) ([]Booking, bool, error) { return nil, false, nil }
func (NopCache) StoreBookings(context.Context, RiderID, []Booking) error     { return nil }
func (NopCache) Invalidate(context.Context, RiderID) error                   { return nil }
