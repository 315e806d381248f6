package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusride/shuttle-engine/engine"
)

// =============================================================================
// FARE
// =============================================================================

func TestFareCalculator_Quote(t *testing.T) {
	stops := []engine.StopID{"library", "gym", "dorms", "station"}
	calc := engine.DefaultFareCalculator()

	fare, err := calc.Quote(stops, "library", "station")
	require.NoError(t, err)
	assertPoints(t, "30", fare)

	fare, err = calc.Quote(stops, "gym", "dorms")
	require.NoError(t, err)
	assertPoints(t, "10", fare)

	custom := engine.NewFareCalculator(engine.MustParsePoints("2.5"))
	fare, err = custom.Quote(stops, "library", "dorms")
	require.NoError(t, err)
	assertPoints(t, "5", fare)
}

func TestFareCalculator_RouteMismatch(t *testing.T) {
	stops := []engine.StopID{"library", "gym", "dorms"}
	calc := engine.DefaultFareCalculator()

	_, err := calc.Quote(stops, "dorms", "library")
	var mismatch *engine.RouteMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, engine.StopID("dorms"), mismatch.From)

	_, err = calc.Quote(stops, "gym", "gym")
	assert.ErrorIs(t, err, engine.ErrRouteMismatch)

	_, err = calc.Quote(nil, "gym", "dorms")
	assert.ErrorIs(t, err, engine.ErrRouteMismatch)
}

// =============================================================================
// POLICY
// =============================================================================

type fixedCount int

func (c fixedCount) CountCancellationsSince(context.Context, engine.RiderID, time.Time) (int, error) {
	return int(c), nil
}

type countingSince struct{ since time.Time }

func (c *countingSince) CountCancellationsSince(_ context.Context, _ engine.RiderID, since time.Time) (int, error) {
	c.since = since
	return 0, nil
}

func TestCancellationPolicy_Penalty(t *testing.T) {
	policy := engine.DefaultCancellationPolicy()
	now := t0

	cases := []struct {
		prior int
		fare  string
		want  string
	}{
		{0, "50", "0"},
		{3, "50", "0"},
		{4, "50", "10"},
		{9, "30", "6"},
		{5, "12.34", "2.47"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d prior on %s", tc.prior, tc.fare), func(t *testing.T) {
			got, err := policy.Penalty(context.Background(), fixedCount(tc.prior), "r", engine.MustParsePoints(tc.fare), now)
			require.NoError(t, err)
			assertPoints(t, tc.want, got)
		})
	}

	spy := &countingSince{}
	_, err := policy.Penalty(context.Background(), spy, "r", engine.NewPoints(10), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*24*time.Hour), spy.since)
}

func TestCancellationPolicy_CheckNotice(t *testing.T) {
	policy := engine.DefaultCancellationPolicy()
	departure := t0.Add(10 * time.Hour)

	assert.NoError(t, policy.CheckNotice(departure, departure.Add(-3*time.Hour)))
	assert.NoError(t, policy.CheckNotice(departure, departure.Add(-2*time.Hour-time.Second)))
	assert.ErrorIs(t, policy.CheckNotice(departure, departure.Add(-2*time.Hour)), engine.ErrCancellationWindowClosed)
	assert.ErrorIs(t, policy.CheckNotice(departure, departure.Add(time.Hour)), engine.ErrCancellationWindowClosed)
}

// =============================================================================
// TRANSITIONS & ERRORS
// =============================================================================

func TestCanTransition(t *testing.T) {
	assert.True(t, engine.CanTransition(engine.StatusPending, engine.StatusConfirmed))
	assert.True(t, engine.CanTransition(engine.StatusConfirmed, engine.StatusCancelled))
	assert.True(t, engine.CanTransition(engine.StatusConfirmed, engine.StatusCompleted))

	assert.False(t, engine.CanTransition(engine.StatusCancelled, engine.StatusCancelled))
	assert.False(t, engine.CanTransition(engine.StatusCancelled, engine.StatusConfirmed))
	assert.False(t, engine.CanTransition(engine.StatusCompleted, engine.StatusCancelled))
	assert.False(t, engine.BookingStatus("lost").Valid())
}

func TestKindOf(t *testing.T) {
	cases := map[engine.Kind]error{
		engine.KindRiderNotFound:            fmt.Errorf("load: %w", engine.ErrRiderNotFound),
		engine.KindInsufficientFunds:        &engine.InsufficientFundsError{},
		engine.KindRouteMismatch:            &engine.RouteMismatchError{},
		engine.KindInvalidState:             &engine.InvalidStateError{},
		engine.KindCancellationWindowClosed: &engine.WindowClosedError{},
		engine.KindStorageUnavailable:       engine.StorageFailure("query", errors.New("connection refused")),
		engine.KindConflict:                 engine.ErrDuplicateIdempotencyKey,
		engine.KindInternal:                 errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, engine.KindOf(err), "%v", err)
	}

	assert.True(t, engine.IsRetryable(engine.ErrConcurrentModification))
	assert.True(t, engine.IsClientError(&engine.InsufficientFundsError{}))
	assert.False(t, engine.IsClientError(engine.StorageFailure("q", errors.New("x"))))
	assert.True(t, engine.IsNotFound(engine.ErrShuttleNotFound))
}

func TestStorageFailure_KeepsDomainErrors(t *testing.T) {
	assert.Nil(t, engine.StorageFailure("q", nil))
	assert.Equal(t, engine.ErrBookingNotFound, engine.StorageFailure("q", engine.ErrBookingNotFound))

	cause := errors.New("disk I/O error")
	err := engine.StorageFailure("insert booking", cause)
	assert.ErrorIs(t, err, engine.ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestPoints_JSON(t *testing.T) {
	p := engine.MustParsePoints("12.50")
	b, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"12.5"`, string(b))

	var back engine.Points
	require.NoError(t, back.UnmarshalJSON([]byte(`"7.25"`)))
	assert.True(t, back.Equal(engine.NewPointsFromDecimal(decimal.RequireFromString("7.25"))))
}

func TestPoints_Representable(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0", true},
		{"12.5", true},
		{"12.50", true},
		{"-3.25", true},
		{"0.005", false},
		{"1.239", false},
		{"999999999999.99", true},
		{"1000000000000", false},
		{"-1000000000000", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.MustParsePoints(tt.in).Representable(), tt.in)
	}
	assert.True(t, engine.Points{}.Representable(), "zero value")
}
