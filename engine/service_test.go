package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/campusride/shuttle-engine/engine"
	"github.com/campusride/shuttle-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store   *store.Memory
	svc     *engine.Service
	clock   *testClock
	shuttle engine.Shuttle
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	clk := &testClock{now: t0}

	shuttle := engine.Shuttle{
		ID:          "loop-1",
		Name:        "Campus Loop",
		Stops:       []engine.StopID{"A", "B", "C", "D", "E", "F"},
		DepartureAt: t0.Add(24 * time.Hour),
		Active:      true,
	}
	require.NoError(t, st.SaveShuttle(context.Background(), shuttle))

	opts = append([]engine.Option{
		engine.WithClock(clk.Now),
		engine.WithLogger(zaptest.NewLogger(t)),
	}, opts...)

	return &fixture{
		store:   st,
		svc:     engine.NewService(st, opts...),
		clock:   clk,
		shuttle: shuttle,
	}
}

func (f *fixture) rider(t *testing.T, id string, balance int64) engine.RiderID {
	t.Helper()
	r, err := f.svc.RegisterRider(context.Background(), engine.RegisterCommand{
		ID:           engine.RiderID(id),
		Name:         id,
		InitialGrant: engine.NewPoints(balance),
	})
	require.NoError(t, err)
	return r.ID
}

func (f *fixture) confirm(t *testing.T, riderID engine.RiderID, from, to engine.StopID) engine.ConfirmResult {
	t.Helper()
	res, err := f.svc.ConfirmBooking(context.Background(), engine.ConfirmCommand{
		RiderID:   riderID,
		ShuttleID: f.shuttle.ID,
		FromStop:  from,
		ToStop:    to,
	})
	require.NoError(t, err)
	return res
}

func assertPoints(t *testing.T, want string, got engine.Points, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, engine.MustParsePoints(want).Equal(got),
		append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// assertLedgerBalanced checks balance == sum(transactions).
func assertLedgerBalanced(t *testing.T, svc *engine.Service, riderID engine.RiderID) {
	t.Helper()
	rec, err := svc.ReconcileWallet(context.Background(), riderID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced(), "balance %s != ledger sum %s", rec.WalletBalance, rec.LedgerSum)
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_ScenarioA_DebitsFareAndConfirms(t *testing.T) {
	// GIVEN: Rider with 100 points
	// WHEN: Booking a 3-segment trip (fare 30)
	// THEN: Balance 70, one -30 debit, booking confirmed

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-a", 100)

	res := f.confirm(t, rider, "A", "D")

	assertPoints(t, "30", res.Fare)
	assertPoints(t, "70", res.NewWalletBalance)

	b, err := f.svc.GetBooking(ctx, res.BookingID, rider)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusConfirmed, b.Status)
	assertPoints(t, "30", b.Fare)
	assertPoints(t, "0", b.Penalty)

	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	require.Len(t, txs, 2, "initial grant + fare")
	debit := txs[1]
	assert.Equal(t, engine.TxDebit, debit.Kind)
	assertPoints(t, "-30", debit.Amount)
	assert.Equal(t, res.BookingID, debit.BookingID)
	assert.Equal(t, debit.ID, b.DebitTxID)

	assertLedgerBalanced(t, f.svc, rider)
}

func TestConfirm_ScenarioC_InsufficientFunds_NoSideEffects(t *testing.T) {
	// GIVEN: Rider with 20 points
	// WHEN: Booking a fare-30 trip
	// THEN: InsufficientFunds, balance 20, no booking, no new transaction

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-c", 20)

	_, err := f.svc.ConfirmBooking(ctx, engine.ConfirmCommand{
		RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "D",
	})

	require.Error(t, err)
	assert.Equal(t, engine.KindInsufficientFunds, engine.KindOf(err))
	var insufficient *engine.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assertPoints(t, "10", insufficient.Shortfall())

	r, err := f.svc.GetRider(ctx, rider)
	require.NoError(t, err)
	assertPoints(t, "20", r.WalletBalance)

	bookings, err := f.svc.ListBookings(ctx, rider)
	require.NoError(t, err)
	assert.Empty(t, bookings)

	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the initial grant")
}

func TestConfirm_RouteMismatch(t *testing.T) {
	f := newFixture(t)
	rider := f.rider(t, "rider-r", 100)

	cases := []struct {
		name     string
		from, to engine.StopID
	}{
		{"backwards", "D", "A"},
		{"same stop", "B", "B"},
		{"unknown origin", "Z", "C"},
		{"unknown destination", "A", "Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ConfirmBooking(context.Background(), engine.ConfirmCommand{
				RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: tc.from, ToStop: tc.to,
			})
			assert.Equal(t, engine.KindRouteMismatch, engine.KindOf(err))
		})
	}

	r, err := f.svc.GetRider(context.Background(), rider)
	require.NoError(t, err)
	assertPoints(t, "100", r.WalletBalance, "wallet must not be charged")
}

func TestConfirm_UnknownOrInactiveShuttle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-s", 100)

	require.NoError(t, f.store.SaveShuttle(ctx, engine.Shuttle{
		ID: "retired", Stops: []engine.StopID{"A", "B"}, DepartureAt: t0.Add(time.Hour), Active: false,
	}))

	_, err := f.svc.ConfirmBooking(ctx, engine.ConfirmCommand{RiderID: rider, ShuttleID: "nope", FromStop: "A", ToStop: "B"})
	assert.Equal(t, engine.KindShuttleNotFound, engine.KindOf(err))

	_, err = f.svc.ConfirmBooking(ctx, engine.ConfirmCommand{RiderID: rider, ShuttleID: "retired", FromStop: "A", ToStop: "B"})
	assert.Equal(t, engine.KindShuttleNotFound, engine.KindOf(err))
}

func TestConfirm_UnknownRider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmBooking(context.Background(), engine.ConfirmCommand{
		RiderID: "ghost", ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "B",
	})
	assert.Equal(t, engine.KindRiderNotFound, engine.KindOf(err))
}

func TestConfirm_QuotedFareIsOnlyAHint(t *testing.T) {
	// GIVEN: Client claims the trip costs 1 point
	// THEN: The route fare (30) is charged anyway

	f := newFixture(t)
	rider := f.rider(t, "rider-q", 100)
	cheap := engine.NewPoints(1)

	res, err := f.svc.ConfirmBooking(context.Background(), engine.ConfirmCommand{
		RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "D", QuotedFare: &cheap,
	})
	require.NoError(t, err)
	assertPoints(t, "30", res.Fare)
	assertPoints(t, "70", res.NewWalletBalance)
}

func TestConfirm_IdempotencyKeyReplaysOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-i", 100)

	cmd := engine.ConfirmCommand{
		RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "C", IdempotencyKey: "req-42",
	}
	first, err := f.svc.ConfirmBooking(ctx, cmd)
	require.NoError(t, err)
	second, err := f.svc.ConfirmBooking(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, first.BookingID, second.BookingID)
	assert.True(t, second.Replayed)
	assertPoints(t, "80", second.NewWalletBalance, "charged once")

	// Same key for a different trip is a conflict.
	cmd.ToStop = "D"
	_, err = f.svc.ConfirmBooking(ctx, cmd)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

// failingBookings makes every CreateBooking inside a transaction fail.
type failingBookings struct{ engine.TxStore }

type failingBookingView struct{ engine.Store }

func (failingBookingView) CreateBooking(context.Context, engine.Booking) error {
	return engine.StorageFailure("create booking", errors.New("disk full"))
}

func (f failingBookings) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s engine.Store) error { return fn(failingBookingView{s}) })
}

func TestConfirm_BookingWriteFailure_RollsBackDebit(t *testing.T) {
	// GIVEN: Storage that fails when inserting the booking
	// WHEN: Confirming a trip
	// THEN: StorageUnavailable and the debit never happened

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-f", 100)

	svc := engine.NewService(failingBookings{f.store}, engine.WithClock(f.clock.Now))
	_, err := svc.ConfirmBooking(ctx, engine.ConfirmCommand{
		RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "D",
	})

	require.Error(t, err)
	assert.Equal(t, engine.KindStorageUnavailable, engine.KindOf(err))

	r, err := f.svc.GetRider(ctx, rider)
	require.NoError(t, err)
	assertPoints(t, "100", r.WalletBalance)
	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_ScenarioB_FullRefund(t *testing.T) {
	// GIVEN: Scenario A booking, no prior cancellations
	// WHEN: Cancelled 3 hours before departure
	// THEN: Refund 30, penalty 0, balance 100, booking cancelled

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-b", 100)
	booked := f.confirm(t, rider, "A", "D")

	f.clock.Set(f.shuttle.DepartureAt.Add(-3 * time.Hour))
	res, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)

	assertPoints(t, "30", res.RefundAmount)
	assertPoints(t, "0", res.Penalty)
	assertPoints(t, "100", res.NewWalletBalance)

	b, err := f.svc.GetBooking(ctx, booked.BookingID, rider)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, b.Status)

	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, engine.DescCancellationRefund, txs[2].Description)
	assertPoints(t, "30", txs[2].Amount)
	assertLedgerBalanced(t, f.svc, rider)
}

// cancelN confirms and cancels n bookings of the given span.
func (f *fixture) cancelN(t *testing.T, rider engine.RiderID, n int, from, to engine.StopID) {
	t.Helper()
	for i := 0; i < n; i++ {
		res := f.confirm(t, rider, from, to)
		_, err := f.svc.CancelBooking(context.Background(), engine.CancelCommand{BookingID: res.BookingID, RiderID: rider})
		require.NoError(t, err)
	}
}

func TestCancel_ScenarioD_FrequentCanceller_PaysPenalty(t *testing.T) {
	// GIVEN: Rider with 4 cancellations in the last 30 days
	// WHEN: Cancelling a fare-50 booking
	// THEN: Penalty 10, refund 40, balance grows by 40

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-d", 200)
	f.cancelN(t, rider, 4, "A", "B")

	booked := f.confirm(t, rider, "A", "F")
	assertPoints(t, "50", booked.Fare)

	res, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)

	assertPoints(t, "10", res.Penalty)
	assertPoints(t, "40", res.RefundAmount)
	assertPoints(t, "40", res.NewWalletBalance.Sub(booked.NewWalletBalance))

	b, err := f.svc.GetBooking(ctx, booked.BookingID, rider)
	require.NoError(t, err)
	assertPoints(t, "10", b.Penalty)

	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, engine.DescCancellationPenalty, last.Description)
	assert.Equal(t, engine.TxDebit, last.Kind)
	assertPoints(t, "-10", last.Amount)
	assertLedgerBalanced(t, f.svc, rider)
}

func TestCancel_PenaltyThreshold_ThreePriorIsFree(t *testing.T) {
	// GIVEN: Exactly 3 prior cancellations
	// WHEN: Cancelling the 4th booking
	// THEN: No penalty

	f := newFixture(t)
	rider := f.rider(t, "rider-3", 200)
	f.cancelN(t, rider, 3, "A", "B")

	booked := f.confirm(t, rider, "A", "F")
	res, err := f.svc.CancelBooking(context.Background(), engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)
	assertPoints(t, "0", res.Penalty)
	assertPoints(t, "50", res.RefundAmount)
}

func TestCancel_PenaltyWindowSlides(t *testing.T) {
	// GIVEN: 4 cancellations 31 days ago
	// WHEN: Cancelling today
	// THEN: They no longer count

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-w", 200)
	f.cancelN(t, rider, 4, "A", "B")

	later := t0.Add(31 * 24 * time.Hour)
	require.NoError(t, f.store.SaveShuttle(ctx, engine.Shuttle{
		ID: "loop-2", Stops: f.shuttle.Stops, DepartureAt: later.Add(24 * time.Hour), Active: true,
	}))
	f.clock.Set(later)

	booked, err := f.svc.ConfirmBooking(ctx, engine.ConfirmCommand{RiderID: rider, ShuttleID: "loop-2", FromStop: "A", ToStop: "F"})
	require.NoError(t, err)
	res, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)
	assertPoints(t, "0", res.Penalty)
}

func TestCancel_PenaltyWindowEdge(t *testing.T) {
	// GIVEN: 4 cancellations made at t0
	// WHEN: Cancelling again exactly 30 days later, or one second after that
	// THEN: At exactly 30 days they still count; one second later they do not

	tests := []struct {
		name    string
		elapsed time.Duration
		penalty string
	}{
		{"exactly 30 days", 30 * 24 * time.Hour, "10"},
		{"30 days and 1s", 30*24*time.Hour + time.Second, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rider := f.rider(t, "rider-edge", 200)
			f.cancelN(t, rider, 4, "A", "B")

			later := t0.Add(tt.elapsed)
			require.NoError(t, f.store.SaveShuttle(ctx, engine.Shuttle{
				ID: "loop-2", Stops: f.shuttle.Stops, DepartureAt: later.Add(24 * time.Hour), Active: true,
			}))
			f.clock.Set(later)

			booked, err := f.svc.ConfirmBooking(ctx, engine.ConfirmCommand{RiderID: rider, ShuttleID: "loop-2", FromStop: "A", ToStop: "F"})
			require.NoError(t, err)
			res, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
			require.NoError(t, err)
			assertPoints(t, tt.penalty, res.Penalty)
			assertLedgerBalanced(t, f.svc, rider)
		})
	}
}

func TestRecharge_RejectsUnrepresentableAmounts(t *testing.T) {
	// GIVEN: A rider with 20 points
	// WHEN: Recharging fractions of a cent or more than a wallet can hold
	// THEN: InvalidAmount, nothing is written

	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-cents", 20)

	for _, amount := range []string{"0.005", "1.239", "1000000000000"} {
		_, err := f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: rider, Amount: engine.MustParsePoints(amount)})
		assert.Equal(t, engine.KindInvalidAmount, engine.KindOf(err), amount)
	}

	r, err := f.svc.GetRider(ctx, rider)
	require.NoError(t, err)
	assertPoints(t, "20", r.WalletBalance)
	txs, err := f.svc.WalletHistory(ctx, rider)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the initial grant")

	res, err := f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: rider, Amount: engine.MustParsePoints("0.01")})
	require.NoError(t, err)
	assertPoints(t, "20.01", res.NewWalletBalance)
}

func TestRecharge_BalanceLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.RegisterRider(ctx, engine.RegisterCommand{ID: "rider-rich", Name: "Rich", InitialGrant: engine.MaxPoints})
	require.NoError(t, err)

	_, err = f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: r.ID, Amount: engine.MustParsePoints("0.01")})
	assert.Equal(t, engine.KindInvalidAmount, engine.KindOf(err))
	assertLedgerBalanced(t, f.svc, r.ID)
}

func TestRegisterRider_RejectsSubCentGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterRider(ctx, engine.RegisterCommand{ID: "rider-frac", Name: "Frac", InitialGrant: engine.MustParsePoints("0.005")})
	assert.Equal(t, engine.KindInvalidAmount, engine.KindOf(err))

	_, err = f.svc.GetRider(ctx, "rider-frac")
	assert.ErrorIs(t, err, engine.ErrRiderNotFound)
}

func TestCancel_NoticeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-n", 100)
	booked := f.confirm(t, rider, "A", "C")
	departure := f.shuttle.DepartureAt

	// Exactly two hours before departure: rejected
	f.clock.Set(departure.Add(-2 * time.Hour))
	_, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	assert.Equal(t, engine.KindCancellationWindowClosed, engine.KindOf(err))
	var closed *engine.WindowClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, departure.Add(-2*time.Hour), closed.Deadline)

	b, err := f.svc.GetBooking(ctx, booked.BookingID, rider)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusConfirmed, b.Status, "rejection must not mutate")

	// One second earlier: accepted
	f.clock.Set(departure.Add(-2*time.Hour - time.Second))
	_, err = f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	assert.NoError(t, err)
}

func TestCancel_Twice_InvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-2x", 100)
	booked := f.confirm(t, rider, "A", "D")

	_, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)
	_, err = f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})

	assert.Equal(t, engine.KindInvalidState, engine.KindOf(err))
	r, err := f.svc.GetRider(ctx, rider)
	require.NoError(t, err)
	assertPoints(t, "100", r.WalletBalance, "refunded once")
}

func TestCancel_NotFoundOrNotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.rider(t, "owner", 100)
	other := f.rider(t, "other", 100)
	booked := f.confirm(t, owner, "A", "B")

	_, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: "missing", RiderID: owner})
	assert.Equal(t, engine.KindBookingNotFound, engine.KindOf(err))

	_, err = f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: other})
	assert.Equal(t, engine.KindBookingNotFound, engine.KindOf(err))
}

func TestCancel_Concurrent_ExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-race", 100)
	booked := f.confirm(t, rider, "A", "D")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case engine.KindOf(err) == engine.KindInvalidState:
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, invalid)

	r, err := f.svc.GetRider(ctx, rider)
	require.NoError(t, err)
	assertPoints(t, "100", r.WalletBalance)
	assertLedgerBalanced(t, f.svc, rider)
}

// =============================================================================
// WALLET
// =============================================================================

func TestRecharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rider := f.rider(t, "rider-top", 5)

	res, err := f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: rider, Amount: engine.MustParsePoints("12.50")})
	require.NoError(t, err)
	assertPoints(t, "17.5", res.NewWalletBalance)
	assert.Equal(t, engine.DescWalletRecharge, res.Transaction.Description)

	_, err = f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: rider, Amount: engine.NewPoints(-5)})
	assert.Equal(t, engine.KindInvalidAmount, engine.KindOf(err))

	_, err = f.svc.RechargeWallet(ctx, engine.RechargeCommand{RiderID: "ghost", Amount: engine.NewPoints(5)})
	assert.Equal(t, engine.KindRiderNotFound, engine.KindOf(err))

	assertLedgerBalanced(t, f.svc, rider)
}

func TestRegisterRider_DuplicateID(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "dup", 10)
	_, err := f.svc.RegisterRider(context.Background(), engine.RegisterCommand{ID: "dup", Name: "again"})
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestAuditWallets_ReportsDrift(t *testing.T) {
	// GIVEN: Two riders, one whose balance was written behind the ledger's back
	// WHEN: Auditing all wallets
	// THEN: Only the drifted wallet is reported, with its difference

	f := newFixture(t)
	ctx := context.Background()
	f.rider(t, "clean", 50)
	drifted := f.rider(t, "drifted", 50)

	r, err := f.store.GetRider(ctx, drifted)
	require.NoError(t, err)
	ok, err := f.store.UpdateRiderBalance(ctx, engine.BalanceUpdate{
		RiderID: drifted, Version: r.Version, Balance: engine.NewPoints(65), At: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)

	riders, err := f.svc.ListRiders(ctx)
	require.NoError(t, err)
	assert.Len(t, riders, 2)

	mismatched, err := f.svc.AuditWallets(ctx)
	require.NoError(t, err)
	require.Len(t, mismatched, 1)
	assert.Equal(t, drifted, mismatched[0].RiderID)
	assertPoints(t, "15", mismatched[0].Difference())
}

// =============================================================================
// READS & CACHE
// =============================================================================

func TestGetBooking_RepeatedReadsAreIdentical(t *testing.T) {
	f := newFixture(t)
	rider := f.rider(t, "rider-read", 100)
	booked := f.confirm(t, rider, "B", "E")

	first, err := f.svc.GetBooking(context.Background(), booked.BookingID, rider)
	require.NoError(t, err)
	second, err := f.svc.GetBooking(context.Background(), booked.BookingID, rider)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type recordingCache struct {
	mu          sync.Mutex
	lists       map[engine.RiderID][]engine.Booking
	invalidated []engine.RiderID
	failWrites  bool
}

func newRecordingCache() *recordingCache {
	return &recordingCache{lists: map[engine.RiderID][]engine.Booking{}}
}

func (c *recordingCache) Bookings(_ context.Context, id engine.RiderID) ([]engine.Booking, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lists[id]
	return l, ok, nil
}

func (c *recordingCache) StoreBookings(_ context.Context, id engine.RiderID, l []engine.Booking) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("cache down")
	}
	c.lists[id] = l
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, id engine.RiderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	delete(c.lists, id)
	if c.failWrites {
		return errors.New("cache down")
	}
	return nil
}

func TestListBookings_ReadThroughAndInvalidation(t *testing.T) {
	cache := newRecordingCache()
	f := newFixture(t, engine.WithCache(cache))
	ctx := context.Background()
	rider := f.rider(t, "rider-cache", 100)

	booked := f.confirm(t, rider, "A", "B")
	assert.Equal(t, []engine.RiderID{rider}, cache.invalidated)

	list, err := f.svc.ListBookings(ctx, rider)
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, cached, _ := cache.Bookings(ctx, rider)
	assert.True(t, cached, "miss populates the cache")

	_, err = f.svc.CancelBooking(ctx, engine.CancelCommand{BookingID: booked.BookingID, RiderID: rider})
	require.NoError(t, err)
	_, cached, _ = cache.Bookings(ctx, rider)
	assert.False(t, cached, "cancel invalidates")
	assert.Equal(t, "bookings:rider-cache", engine.BookingsCacheKey(rider))
}

func TestCacheFailures_AreNotFatal(t *testing.T) {
	cache := newRecordingCache()
	cache.failWrites = true
	f := newFixture(t, engine.WithCache(cache))
	rider := f.rider(t, "rider-nocache", 100)

	booked := f.confirm(t, rider, "A", "B")
	list, err := f.svc.ListBookings(context.Background(), rider)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, booked.BookingID, list[0].ID)
}

// =============================================================================
// TIMEOUTS
// =============================================================================

type stalledStore struct{ engine.TxStore }

func (stalledStore) WithTx(ctx context.Context, _ func(engine.Store) error) error {
	<-ctx.Done()
	return engine.StorageFailure("begin", ctx.Err())
}

func TestStorageTimeout_SurfacesAsStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	rider := f.rider(t, "rider-slow", 100)

	svc := engine.NewService(stalledStore{f.store}, engine.WithStorageTimeout(20*time.Millisecond))
	_, err := svc.ConfirmBooking(context.Background(), engine.ConfirmCommand{
		RiderID: rider, ShuttleID: f.shuttle.ID, FromStop: "A", ToStop: "B",
	})
	assert.Equal(t, engine.KindStorageUnavailable, engine.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
