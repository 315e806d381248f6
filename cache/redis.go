/*
redis.go - Redis-backed booking list cache

PURPOSE:
  Implements engine.BookingCache on top of go-redis. Each rider's booking
  list is stored as one JSON document under engine.BookingsCacheKey with a
  TTL, so a missed invalidation heals itself.

FORMAT:
  bookings:<riderID> -> {"bookings":[{...}, ...]}
  Points are encoded as decimal strings ("12.5"), timestamps as RFC 3339.

SEE ALSO:
  - engine/cache.go: Interface and read-through glue in Service.ListBookings
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusride/shuttle-engine/engine"
)

// DefaultTTL bounds how long a list can outlive a lost invalidation.
const DefaultTTL = 10 * time.Minute

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps a client. A non-positive ttl selects DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

var _ engine.BookingCache = (*Redis)(nil)

type bookingList struct {
	Bookings []cachedBooking `json:"bookings"`
}

type cachedBooking struct {
	ID        string        `json:"id"`
	RiderID   string        `json:"rider_id"`
	ShuttleID string        `json:"shuttle_id"`
	FromStop  string        `json:"from_stop"`
	ToStop    string        `json:"to_stop"`
	Fare      engine.Points `json:"fare"`
	Penalty   engine.Points `json:"penalty"`
	Status    string        `json:"status"`
	Version   int64         `json:"version"`
	DebitTxID string        `json:"debit_tx_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (r *Redis) Bookings(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, bool, error) {
	raw, err := r.client.Get(ctx, engine.BookingsCacheKey(riderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var list bookingList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("decode cached bookings for %s: %w", riderID, err)
	}
	out := make([]engine.Booking, len(list.Bookings))
	for i, b := range list.Bookings {
		out[i] = b.toBooking()
	}
	return out, true, nil
}

func (r *Redis) StoreBookings(ctx context.Context, riderID engine.RiderID, bookings []engine.Booking) error {
	list := bookingList{Bookings: make([]cachedBooking, len(bookings))}
	for i, b := range bookings {
		list.Bookings[i] = fromBooking(b)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, engine.BookingsCacheKey(riderID), raw, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, riderID engine.RiderID) error {
	return r.client.Del(ctx, engine.BookingsCacheKey(riderID)).Err()
}

func fromBooking(b engine.Booking) cachedBooking {
	return cachedBooking{
		ID:        string(b.ID),
		RiderID:   string(b.RiderID),
		ShuttleID: string(b.ShuttleID),
		FromStop:  string(b.FromStop),
		ToStop:    string(b.ToStop),
		Fare:      b.Fare,
		Penalty:   b.Penalty,
		Status:    string(b.Status),
		Version:   b.Version,
		DebitTxID: string(b.DebitTxID),
		CreatedAt: b.CreatedAt.UTC(),
		UpdatedAt: b.UpdatedAt.UTC(),
	}
}

func (c cachedBooking) toBooking() engine.Booking {
	return engine.Booking{
		ID:        engine.BookingID(c.ID),
		RiderID:   engine.RiderID(c.RiderID),
		ShuttleID: engine.ShuttleID(c.ShuttleID),
		FromStop:  engine.StopID(c.FromStop),
		ToStop:    engine.StopID(c.ToStop),
		Fare:      c.Fare,
		Penalty:   c.Penalty,
		Status:    engine.BookingStatus(c.Status),
		Version:   c.Version,
		DebitTxID: engine.TransactionID(c.DebitTxID),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
