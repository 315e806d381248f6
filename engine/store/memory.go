// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campusride/shuttle-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	riders       map[engine.RiderID]engine.Rider
	shuttles     map[engine.ShuttleID]engine.Shuttle
	bookings     map[engine.BookingID]engine.Booking
	transactions map[engine.RiderID][]engine.Transaction
	idempotency  map[string]engine.Transaction
}

func newState() state {
	return state{
		riders:       make(map[engine.RiderID]engine.Rider),
		shuttles:     make(map[engine.ShuttleID]engine.Shuttle),
		bookings:     make(map[engine.BookingID]engine.Booking),
		transactions: make(map[engine.RiderID][]engine.Transaction),
		idempotency:  make(map[string]engine.Transaction),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

var _ engine.TxStore = (*Memory)(nil)

func (m *Memory) GetRider(ctx context.Context, id engine.RiderID) (engine.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRider(ctx, id)
}

func (m *Memory) CreateRider(ctx context.Context, r engine.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateRider(ctx, r)
}

func (m *Memory) ListRiders(ctx context.Context) ([]engine.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListRiders(ctx)
}

func (m *Memory) UpdateRiderBalance(ctx context.Context, u engine.BalanceUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateRiderBalance(ctx, u)
}

func (m *Memory) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetBooking(ctx, id)
}

func (m *Memory) CreateBooking(ctx context.Context, b engine.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateBooking(ctx, b)
}

func (m *Memory) UpdateBookingStatus(ctx context.Context, t engine.BookingTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateBookingStatus(ctx, t)
}

func (m *Memory) ListBookingsByRider(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBookingsByRider(ctx, riderID)
}

func (m *Memory) CountCancellationsSince(ctx context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.CountCancellationsSince(ctx, riderID, since)
}

func (m *Memory) GetShuttle(ctx context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetShuttle(ctx, id)
}

func (m *Memory) SaveShuttle(ctx context.Context, s engine.Shuttle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveShuttle(ctx, s)
}

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendTransaction(ctx, tx)
}

func (m *Memory) ListTransactions(ctx context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListTransactions(ctx, riderID)
}

func (m *Memory) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindTransactionByIdempotencyKey(ctx, key)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic. The store lock is held for the whole of fn, so transactions
// are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return engine.StorageFailure("begin", err)
	}

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
	}()
	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.riders {
		c.riders[k] = v
	}
	for k, v := range s.shuttles {
		c.shuttles[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]engine.Transaction(nil), v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// =============================================================================
// UNLOCKED OPERATIONS - callers hold the lock
// =============================================================================

func (s *state) GetRider(_ context.Context, id engine.RiderID) (engine.Rider, error) {
	r, ok := s.riders[id]
	if !ok {
		return engine.Rider{}, engine.ErrRiderNotFound
	}
	return r, nil
}

func (s *state) CreateRider(_ context.Context, r engine.Rider) error {
	if _, ok := s.riders[r.ID]; ok {
		return engine.ErrRiderExists
	}
	s.riders[r.ID] = r
	return nil
}

func (s *state) ListRiders(_ context.Context) ([]engine.Rider, error) {
	result := make([]engine.Rider, 0, len(s.riders))
	for _, r := range s.riders {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *state) UpdateRiderBalance(_ context.Context, u engine.BalanceUpdate) (bool, error) {
	r, ok := s.riders[u.RiderID]
	if !ok {
		return false, engine.ErrRiderNotFound
	}
	if r.Version != u.Version {
		return false, nil
	}
	r.WalletBalance = u.Balance
	r.Version++
	r.UpdatedAt = u.At
	s.riders[u.RiderID] = r
	return true, nil
}

func (s *state) GetBooking(_ context.Context, id engine.BookingID) (engine.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return engine.Booking{}, engine.ErrBookingNotFound
	}
	return b, nil
}

func (s *state) CreateBooking(_ context.Context, b engine.Booking) error {
	if _, ok := s.riders[b.RiderID]; !ok {
		return engine.ErrRiderNotFound
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *state) UpdateBookingStatus(_ context.Context, t engine.BookingTransition) (bool, error) {
	b, ok := s.bookings[t.ID]
	if !ok {
		return false, engine.ErrBookingNotFound
	}
	if b.Status != t.From || b.Version != t.Version {
		return false, nil
	}
	b.Status = t.To
	b.Penalty = t.Penalty
	b.Version++
	b.UpdatedAt = t.At
	s.bookings[t.ID] = b
	return true, nil
}

func (s *state) ListBookingsByRider(_ context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	result := []engine.Booking{}
	for _, b := range s.bookings {
		if b.RiderID == riderID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *state) CountCancellationsSince(_ context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	n := 0
	for _, b := range s.bookings {
		if b.RiderID == riderID && b.Status == engine.StatusCancelled && !b.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *state) GetShuttle(_ context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	sh, ok := s.shuttles[id]
	if !ok {
		return engine.Shuttle{}, engine.ErrShuttleNotFound
	}
	return sh, nil
}

func (s *state) SaveShuttle(_ context.Context, sh engine.Shuttle) error {
	sh.Stops = append([]engine.StopID(nil), sh.Stops...)
	s.shuttles[sh.ID] = sh
	return nil
}

func (s *state) AppendTransaction(_ context.Context, tx engine.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, dup := s.idempotency[tx.IdempotencyKey]; dup {
			return engine.ErrDuplicateIdempotencyKey
		}
		s.idempotency[tx.IdempotencyKey] = tx
	}
	s.transactions[tx.RiderID] = append(s.transactions[tx.RiderID], tx)
	return nil
}

func (s *state) ListTransactions(_ context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	result := make([]engine.Transaction, len(s.transactions[riderID]))
	copy(result, s.transactions[riderID])
	return result, nil
}

func (s *state) FindTransactionByIdempotencyKey(_ context.Context, key string) (*engine.Transaction, error) {
	tx, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}
