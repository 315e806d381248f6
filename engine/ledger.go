/*
ledger.go - Wallet ledger: the only writer of WalletBalance

PURPOSE:
  Every change to a rider's wallet goes through Debit or Credit. Each call
  writes the new balance and appends one transaction inside a single store
  transaction, so a reader never sees one without the other.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions are never edited or removed
  2. SUM: WalletBalance == sum(Amount) over the rider's transactions
  3. NO OVERDRAFT: a debit never takes a balance below zero
  4. SIGN BY KIND: callers pass positive amounts; the operation picks the sign

CONCURRENCY:
  The balance write is a compare-and-swap on the rider version read in the
  same transaction. Losing the race yields ErrConcurrentModification, which
  the ledger retries a bounded number of times.

CORRECTIONS:
  Mistakes are fixed with an opposite entry, never by editing. A cancelled
  booking is a "cancellation refund" credit, plus a "cancellation penalty"
  debit when a penalty applies.

SEE ALSO:
  - service.go: composes ledger postings with booking writes in one tx
  - store.go: RiderStore.UpdateRiderBalance, TransactionStore
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// maxWriteAttempts bounds retries after ErrConcurrentModification.
const maxWriteAttempts = 3

// Entry describes one posting. Amount must be positive.
type Entry struct {
	RiderID        RiderID
	Amount         Points
	Description    string
	BookingID      BookingID
	IdempotencyKey string
}

// Posting is the outcome of a ledger write.
type Posting struct {
	Transaction Transaction
	Balance     Points
}

// Reconciliation compares the stored balance with the ledger sum.
type Reconciliation struct {
	RiderID       RiderID
	WalletBalance Points
	LedgerSum     Points
	Entries       int
}

func (r Reconciliation) Balanced() bool { return r.WalletBalance.Equal(r.LedgerSum) }

// Difference is WalletBalance - LedgerSum.
func (r Reconciliation) Difference() Points { return r.WalletBalance.Sub(r.LedgerSum) }

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store TxStore
	Now   func() time.Time
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// Debit removes amount from the rider's wallet.
func (l *Ledger) Debit(ctx context.Context, riderID RiderID, amount Points, description string) (Transaction, error) {
	return l.post(ctx, Entry{RiderID: riderID, Amount: amount, Description: description}, TxDebit)
}

// Credit adds amount to the rider's wallet.
func (l *Ledger) Credit(ctx context.Context, riderID RiderID, amount Points, description string) (Transaction, error) {
	return l.post(ctx, Entry{RiderID: riderID, Amount: amount, Description: description}, TxCredit)
}

// Apply posts e with the given kind in its own store transaction.
// Used for entries that carry an idempotency key or a booking reference.
func (l *Ledger) Apply(ctx context.Context, e Entry, kind TxKind) (Posting, error) {
	var out Posting
	err := retryConflicts(ctx, func() error {
		return l.Store.WithTx(ctx, func(s Store) error {
			p, err := l.PostWithin(ctx, s, e, kind)
			out = p
			return err
		})
	})
	return out, err
}

func (l *Ledger) post(ctx context.Context, e Entry, kind TxKind) (Transaction, error) {
	p, err := l.Apply(ctx, e, kind)
	return p.Transaction, err
}

// PostWithin writes one posting through s, which must be a transactional
// view obtained from WithTx. It does not retry.
func (l *Ledger) PostWithin(ctx context.Context, s Store, e Entry, kind TxKind) (Posting, error) {
	if !e.Amount.IsPositive() {
		return Posting{}, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, e.Amount)
	}
	if !e.Amount.Representable() {
		return Posting{}, fmt.Errorf("%w: %s exceeds %d decimal places or the wallet limit", ErrInvalidAmount, e.Amount, PointsScale)
	}

	rider, err := s.GetRider(ctx, e.RiderID)
	if err != nil {
		return Posting{}, err
	}

	delta := e.Amount
	switch kind {
	case TxCredit:
	case TxDebit:
		if rider.WalletBalance.LessThan(e.Amount) {
			return Posting{}, &InsufficientFundsError{
				RiderID:   rider.ID,
				Available: rider.WalletBalance,
				Requested: e.Amount,
			}
		}
		delta = e.Amount.Neg()
	default:
		return Posting{}, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidRequest, kind)
	}

	now := l.Now().UTC()
	next := rider.WalletBalance.Add(delta)
	if next.GreaterThan(MaxPoints) {
		return Posting{}, fmt.Errorf("%w: balance would exceed %s", ErrInvalidAmount, MaxPoints)
	}

	ok, err := s.UpdateRiderBalance(ctx, BalanceUpdate{
		RiderID: rider.ID,
		Version: rider.Version,
		Balance: next,
		At:      now,
	})
	if err != nil {
		return Posting{}, err
	}
	if !ok {
		return Posting{}, fmt.Errorf("%w: rider %s balance", ErrConcurrentModification, rider.ID)
	}

	tx := Transaction{
		ID:             NewTransactionID(),
		RiderID:        rider.ID,
		BookingID:      e.BookingID,
		Amount:         delta,
		Kind:           kind,
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return Posting{}, err
	}

	return Posting{Transaction: tx, Balance: next}, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Balance(ctx context.Context, riderID RiderID) (Points, error) {
	r, err := l.Store.GetRider(ctx, riderID)
	if err != nil {
		return Points{}, err
	}
	return r.WalletBalance, nil
}

func (l *Ledger) History(ctx context.Context, riderID RiderID) ([]Transaction, error) {
	if _, err := l.Store.GetRider(ctx, riderID); err != nil {
		return nil, err
	}
	return l.Store.ListTransactions(ctx, riderID)
}

// Reconcile reads the balance and the ledger in one transaction and sums it.
func (l *Ledger) Reconcile(ctx context.Context, riderID RiderID) (Reconciliation, error) {
	var rec Reconciliation
	err := l.Store.WithTx(ctx, func(s Store) error {
		r, err := s.GetRider(ctx, riderID)
		if err != nil {
			return err
		}
		txs, err := s.ListTransactions(ctx, riderID)
		if err != nil {
			return err
		}
		amounts := make([]Points, len(txs))
		for i, tx := range txs {
			amounts[i] = tx.Amount
		}
		rec = Reconciliation{
			RiderID:       riderID,
			WalletBalance: r.WalletBalance,
			LedgerSum:     SumPoints(amounts...),
			Entries:       len(txs),
		}
		return nil
	})
	return rec, err
}

// retryConflicts runs fn until it succeeds, fails with a non-retryable
// error, or maxWriteAttempts is reached.
func retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StorageFailure("retry", ctxErr)
		}
	}
	return err
}
