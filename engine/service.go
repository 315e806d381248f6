/*
service.go - Booking lifecycle orchestration

PURPOSE:
  Service is the boundary transports call. Each write operation is one
  store transaction: validation, pricing, ledger postings and the booking
  write either all commit or all roll back.

CONFIRM FLOW:
  ┌────────────┐   ┌───────────┐   ┌──────────────┐   ┌────────────────┐
  │ load       │──▶│ quote     │──▶│ ledger debit │──▶│ insert booking │
  │ shuttle    │   │ fare      │   │ (CAS)        │   │ (confirmed)    │
  └────────────┘   └───────────┘   └──────────────┘   └────────────────┘

CANCEL FLOW:
  ┌────────────┐   ┌───────────┐   ┌──────────────┐   ┌────────────────┐
  │ load       │──▶│ notice +  │──▶│ status CAS   │──▶│ refund credit, │
  │ booking    │   │ penalty   │   │ → cancelled  │   │ penalty debit  │
  └────────────┘   └───────────┘   └──────────────┘   └────────────────┘

  The penalty is counted before the status write. The refund credits the
  full fare and the penalty is its own debit, so the wallet moves by
  fare - penalty and the ledger still sums to the balance.

AFTER COMMIT:
  The rider's cached booking list is invalidated. Cache failures are
  logged and never fail the operation.

TIMEOUTS:
  Each operation runs under StorageTimeout. A deadline surfaces as
  KindStorageUnavailable.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultStorageTimeout bounds one unit of work against the store.
const DefaultStorageTimeout = 5 * time.Second

// confirmKeyPrefix namespaces confirm idempotency keys in the ledger.
const confirmKeyPrefix = "confirm:"

// =============================================================================
// COMMANDS & RESULTS
// =============================================================================

type ConfirmCommand struct {
	RiderID   RiderID
	ShuttleID ShuttleID
	FromStop  StopID
	ToStop    StopID

	// QuotedFare is what the client was shown. The fare is always recomputed;
	// a differing quote is only logged.
	QuotedFare *Points

	// IdempotencyKey makes retries return the original booking.
	IdempotencyKey string
}

type ConfirmResult struct {
	BookingID        BookingID
	Fare             Points
	NewWalletBalance Points
	Replayed         bool
}

type CancelCommand struct {
	BookingID BookingID
	RiderID   RiderID
}

type CancelResult struct {
	BookingID        BookingID
	RefundAmount     Points
	Penalty          Points
	NewWalletBalance Points
}

type RechargeCommand struct {
	RiderID     RiderID
	Amount      Points
	Description string
}

type RechargeResult struct {
	Transaction      Transaction
	NewWalletBalance Points
}

type RegisterCommand struct {
	ID           RiderID // optional; generated when empty
	Name         string
	InitialGrant Points
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store   TxStore
	ledger  *Ledger
	fares   FareCalculator
	policy  CancellationPolicy
	cache   BookingCache
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Service)

func WithFareCalculator(c FareCalculator) Option { return func(s *Service) { s.fares = c } }
func WithPolicy(p CancellationPolicy) Option     { return func(s *Service) { s.policy = p } }
func WithStorageTimeout(d time.Duration) Option  { return func(s *Service) { s.timeout = d } }

func WithCache(c BookingCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for the service and its ledger.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		fares:   DefaultFareCalculator(),
		policy:  DefaultCancellationPolicy(),
		cache:   NopCache{},
		log:     zap.NewNop(),
		now:     time.Now,
		timeout: DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = &Ledger{Store: store, Now: s.now}
	return s
}

func (s *Service) Ledger() *Ledger { return s.ledger }

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmBooking charges the fare and creates a confirmed booking.
func (s *Service) ConfirmBooking(ctx context.Context, cmd ConfirmCommand) (ConfirmResult, error) {
	if cmd.RiderID == "" || cmd.ShuttleID == "" || cmd.FromStop == "" || cmd.ToStop == "" {
		return ConfirmResult{}, fmt.Errorf("%w: rider, shuttle, from and to are required", ErrInvalidRequest)
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var res ConfirmResult
	err := s.inTx(ctx, func(st Store) error {
		// 1. Replay a previous confirm with the same key
		if cmd.IdempotencyKey != "" {
			prior, err := s.replayConfirm(ctx, st, cmd)
			if err != nil || prior != nil {
				if prior != nil {
					res = *prior
				}
				return err
			}
		}

		// 2. Price the trip from route data
		shuttle, err := st.GetShuttle(ctx, cmd.ShuttleID)
		if err != nil {
			return err
		}
		if !shuttle.Active {
			return fmt.Errorf("%w: %s is not in service", ErrShuttleNotFound, shuttle.ID)
		}
		fare, err := s.fares.Quote(shuttle.Stops, cmd.FromStop, cmd.ToStop)
		if err != nil {
			return err
		}
		if cmd.QuotedFare != nil && !cmd.QuotedFare.Equal(fare) {
			s.log.Warn("quoted fare differs from route fare",
				zap.String("rider_id", string(cmd.RiderID)),
				zap.String("shuttle_id", string(cmd.ShuttleID)),
				zap.Stringer("quoted", *cmd.QuotedFare),
				zap.Stringer("fare", fare))
		}

		// 3. Debit the wallet
		bookingID := NewBookingID()
		key := ""
		if cmd.IdempotencyKey != "" {
			key = confirmKeyPrefix + cmd.IdempotencyKey
		}
		posting, err := s.ledger.PostWithin(ctx, st, Entry{
			RiderID:        cmd.RiderID,
			Amount:         fare,
			Description:    DescBookingFare,
			BookingID:      bookingID,
			IdempotencyKey: key,
		}, TxDebit)
		if err != nil {
			return err
		}

		// 4. Record the booking
		now := posting.Transaction.CreatedAt
		if err := st.CreateBooking(ctx, Booking{
			ID:        bookingID,
			RiderID:   cmd.RiderID,
			ShuttleID: shuttle.ID,
			FromStop:  cmd.FromStop,
			ToStop:    cmd.ToStop,
			Fare:      fare,
			Penalty:   NewPoints(0),
			Status:    StatusConfirmed,
			Version:   1,
			DebitTxID: posting.Transaction.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		res = ConfirmResult{BookingID: bookingID, Fare: fare, NewWalletBalance: posting.Balance}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) && cmd.IdempotencyKey != "" {
		// A concurrent confirm with the same key committed first.
		err = s.inTx(ctx, func(st Store) error {
			prior, err := s.replayConfirm(ctx, st, cmd)
			if err == nil && prior == nil {
				err = fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, cmd.IdempotencyKey)
			}
			if prior != nil {
				res = *prior
			}
			return err
		})
	}
	if err != nil {
		s.logFailure("confirm booking", err, zap.String("rider_id", string(cmd.RiderID)))
		return ConfirmResult{}, err
	}

	if !res.Replayed {
		s.invalidateBookings(ctx, cmd.RiderID)
		s.log.Info("booking confirmed",
			zap.String("booking_id", string(res.BookingID)),
			zap.String("rider_id", string(cmd.RiderID)),
			zap.Stringer("fare", res.Fare),
			zap.Stringer("balance", res.NewWalletBalance))
	}
	return res, nil
}

// replayConfirm returns the stored result for a reused key, or nil if the
// key is new.
func (s *Service) replayConfirm(ctx context.Context, st Store, cmd ConfirmCommand) (*ConfirmResult, error) {
	prior, err := st.FindTransactionByIdempotencyKey(ctx, confirmKeyPrefix+cmd.IdempotencyKey)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.RiderID != cmd.RiderID || prior.BookingID == "" {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, cmd.IdempotencyKey)
	}
	b, err := st.GetBooking(ctx, prior.BookingID)
	if err != nil {
		return nil, err
	}
	if b.ShuttleID != cmd.ShuttleID || b.FromStop != cmd.FromStop || b.ToStop != cmd.ToStop {
		return nil, fmt.Errorf("%w: %s was used for another trip", ErrDuplicateIdempotencyKey, cmd.IdempotencyKey)
	}
	r, err := st.GetRider(ctx, cmd.RiderID)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{BookingID: b.ID, Fare: b.Fare, NewWalletBalance: r.WalletBalance, Replayed: true}, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelBooking cancels a confirmed booking and refunds the fare minus any
// frequent-cancellation penalty.
func (s *Service) CancelBooking(ctx context.Context, cmd CancelCommand) (CancelResult, error) {
	if cmd.BookingID == "" || cmd.RiderID == "" {
		return CancelResult{}, fmt.Errorf("%w: booking and rider are required", ErrInvalidRequest)
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var res CancelResult
	err := s.inTx(ctx, func(st Store) error {
		// 1. Load and authorize
		b, err := st.GetBooking(ctx, cmd.BookingID)
		if err != nil {
			return err
		}
		if b.RiderID != cmd.RiderID {
			return fmt.Errorf("%w: %s", ErrBookingNotFound, cmd.BookingID)
		}
		if b.Status != StatusConfirmed || !CanTransition(b.Status, StatusCancelled) {
			return &InvalidStateError{BookingID: b.ID, Status: b.Status, Target: StatusCancelled}
		}

		// 2. Notice window
		shuttle, err := st.GetShuttle(ctx, b.ShuttleID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := s.policy.CheckNotice(shuttle.DepartureAt, now); err != nil {
			return err
		}

		// 3. Penalty, counted before this booking becomes cancelled
		penalty, err := s.policy.Penalty(ctx, st, b.RiderID, b.Fare, now)
		if err != nil {
			return err
		}

		// 4. Status CAS; losing means another cancel got there first
		ok, err := st.UpdateBookingStatus(ctx, BookingTransition{
			ID:      b.ID,
			From:    StatusConfirmed,
			To:      StatusCancelled,
			Version: b.Version,
			Penalty: penalty,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %w", &InvalidStateError{BookingID: b.ID, Status: StatusCancelled, Target: StatusCancelled}, ErrConcurrentModification)
		}

		// 5. Ledger: full refund, then the penalty as its own debit
		posting, err := s.ledger.PostWithin(ctx, st, Entry{
			RiderID:     b.RiderID,
			Amount:      b.Fare,
			Description: DescCancellationRefund,
			BookingID:   b.ID,
		}, TxCredit)
		if err != nil {
			return err
		}
		if penalty.IsPositive() {
			posting, err = s.ledger.PostWithin(ctx, st, Entry{
				RiderID:     b.RiderID,
				Amount:      penalty,
				Description: DescCancellationPenalty,
				BookingID:   b.ID,
			}, TxDebit)
			if err != nil {
				return err
			}
		}

		res = CancelResult{
			BookingID:        b.ID,
			RefundAmount:     b.Fare.Sub(penalty),
			Penalty:          penalty,
			NewWalletBalance: posting.Balance,
		}
		return nil
	})
	if err != nil {
		s.logFailure("cancel booking", err,
			zap.String("booking_id", string(cmd.BookingID)),
			zap.String("rider_id", string(cmd.RiderID)))
		return CancelResult{}, err
	}

	s.invalidateBookings(ctx, cmd.RiderID)
	s.log.Info("booking cancelled",
		zap.String("booking_id", string(res.BookingID)),
		zap.String("rider_id", string(cmd.RiderID)),
		zap.Stringer("refund", res.RefundAmount),
		zap.Stringer("penalty", res.Penalty))
	return res, nil
}

// =============================================================================
// WALLET
// =============================================================================

// RechargeWallet credits a top-up (the payment itself happens elsewhere).
func (s *Service) RechargeWallet(ctx context.Context, cmd RechargeCommand) (RechargeResult, error) {
	if cmd.RiderID == "" {
		return RechargeResult{}, fmt.Errorf("%w: rider is required", ErrInvalidRequest)
	}
	desc := strings.TrimSpace(cmd.Description)
	if desc == "" {
		desc = DescWalletRecharge
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	p, err := s.ledger.Apply(ctx, Entry{RiderID: cmd.RiderID, Amount: cmd.Amount, Description: desc}, TxCredit)
	if err != nil {
		s.logFailure("recharge wallet", err, zap.String("rider_id", string(cmd.RiderID)))
		return RechargeResult{}, err
	}
	s.log.Info("wallet recharged",
		zap.String("rider_id", string(cmd.RiderID)),
		zap.Stringer("amount", cmd.Amount),
		zap.Stringer("balance", p.Balance))
	return RechargeResult{Transaction: p.Transaction, NewWalletBalance: p.Balance}, nil
}

// RegisterRider creates a rider with an empty wallet and posts the initial
// grant as a credit, so the balance is derivable from the ledger from day one.
func (s *Service) RegisterRider(ctx context.Context, cmd RegisterCommand) (Rider, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Rider{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if cmd.InitialGrant.IsNegative() {
		return Rider{}, fmt.Errorf("%w: initial grant %s is negative", ErrInvalidAmount, cmd.InitialGrant)
	}
	if !cmd.InitialGrant.Representable() {
		return Rider{}, fmt.Errorf("%w: initial grant %s exceeds %d decimal places or the wallet limit", ErrInvalidAmount, cmd.InitialGrant, PointsScale)
	}
	id := cmd.ID
	if id == "" {
		id = NewRiderID()
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	now := s.now().UTC()
	rider := Rider{ID: id, Name: name, WalletBalance: NewPoints(0), CreatedAt: now, UpdatedAt: now}
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := st.CreateRider(ctx, rider); err != nil {
			return err
		}
		if !cmd.InitialGrant.IsPositive() {
			return nil
		}
		_, err := s.ledger.PostWithin(ctx, st, Entry{RiderID: id, Amount: cmd.InitialGrant, Description: DescInitialGrant}, TxCredit)
		return err
	})
	if err != nil {
		s.logFailure("register rider", err, zap.String("rider_id", string(id)))
		return Rider{}, err
	}
	return s.GetRider(ctx, id)
}

func (s *Service) GetRider(ctx context.Context, id RiderID) (Rider, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.GetRider(ctx, id)
}

func (s *Service) ListRiders(ctx context.Context) ([]Rider, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.ListRiders(ctx)
}

func (s *Service) WalletHistory(ctx context.Context, riderID RiderID) ([]Transaction, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.ledger.History(ctx, riderID)
}

func (s *Service) ReconcileWallet(ctx context.Context, riderID RiderID) (Reconciliation, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()
	rec, err := s.ledger.Reconcile(ctx, riderID)
	if err == nil && !rec.Balanced() {
		s.log.Error("wallet does not match ledger",
			zap.String("rider_id", string(riderID)),
			zap.Stringer("balance", rec.WalletBalance),
			zap.Stringer("ledger_sum", rec.LedgerSum))
	}
	return rec, err
}

// AuditWallets reconciles every rider and returns the wallets whose balance
// differs from their ledger sum. A failing rider does not stop the sweep.
func (s *Service) AuditWallets(ctx context.Context) ([]Reconciliation, error) {
	riders, err := s.ListRiders(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mismatched []Reconciliation
		errs       []error
	)
	for _, r := range riders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := s.ReconcileWallet(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", r.ID, err))
			continue
		}
		if !rec.Balanced() {
			mismatched = append(mismatched, rec)
		}
	}
	return mismatched, errors.Join(errs...)
}

// =============================================================================
// READS
// =============================================================================

// QuoteFare prices a trip without touching the wallet.
func (s *Service) QuoteFare(ctx context.Context, shuttleID ShuttleID, from, to StopID) (Points, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	shuttle, err := s.store.GetShuttle(ctx, shuttleID)
	if err != nil {
		return Points{}, err
	}
	if !shuttle.Active {
		return Points{}, fmt.Errorf("%w: %s is not in service", ErrShuttleNotFound, shuttle.ID)
	}
	return s.fares.Quote(shuttle.Stops, from, to)
}

// GetBooking returns the booking if it belongs to riderID. An empty riderID
// skips the ownership check.
func (s *Service) GetBooking(ctx context.Context, id BookingID, riderID RiderID) (Booking, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if riderID != "" && b.RiderID != riderID {
		return Booking{}, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return b, nil
}

// ListBookings reads through the booking cache.
func (s *Service) ListBookings(ctx context.Context, riderID RiderID) ([]Booking, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	cached, ok, err := s.cache.Bookings(ctx, riderID)
	if err != nil {
		s.log.Warn("booking cache read failed", zap.String("rider_id", string(riderID)), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	if _, err := s.store.GetRider(ctx, riderID); err != nil {
		return nil, err
	}
	bookings, err := s.store.ListBookingsByRider(ctx, riderID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.StoreBookings(ctx, riderID, bookings); err != nil {
		s.log.Warn("booking cache populate failed", zap.String("rider_id", string(riderID)), zap.Error(err))
	}
	return bookings, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// inTx runs fn in a store transaction, retrying lost balance races.
func (s *Service) inTx(ctx context.Context, fn func(Store) error) error {
	return retryConflicts(ctx, func() error {
		return s.store.WithTx(ctx, fn)
	})
}

func (s *Service) invalidateBookings(ctx context.Context, riderID RiderID) {
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), riderID); err != nil {
		s.log.Warn("booking cache invalidate failed",
			zap.String("key", BookingsCacheKey(riderID)),
			zap.Error(err))
	}
}

func (s *Service) logFailure(op string, err error, fields ...zap.Field) {
	kind := KindOf(err)
	fields = append(fields, zap.String("kind", string(kind)), zap.Error(err))
	switch {
	case kind == KindStorageUnavailable || kind == KindInternal:
		s.log.Error(op+" failed", fields...)
	case errors.Is(err, ErrConcurrentModification):
		s.log.Warn(op+" lost a race", fields...)
	default:
		s.log.Debug(op+" rejected", fields...)
	}
}
