/*
Package postgres provides a PostgreSQL implementation of engine.TxStore
on a pgx connection pool.

PURPOSE:
  Production persistence. Same tables and contracts as store/sqlite, but
  concurrency comes from the database instead of a process mutex.

CONCURRENCY:
  - WithTx runs fn in a READ COMMITTED transaction
  - Inside a transaction, riders and bookings are read with FOR UPDATE, so
    two debits (or two cancels) of the same row queue behind each other
  - Balance and status writes are still compare-and-swap on version, which
    keeps non-transactional callers honest

AMOUNTS:
  NUMERIC(14,2) columns, read back as text and parsed into decimal so no
  float ever touches a balance.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/campusride/shuttle-engine/engine"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS riders (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	wallet_balance NUMERIC(14,2) NOT NULL CHECK (wallet_balance >= 0),
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS shuttles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	stops TEXT[] NOT NULL,
	departure_at TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS bookings (
	id TEXT PRIMARY KEY,
	rider_id TEXT NOT NULL REFERENCES riders(id),
	shuttle_id TEXT NOT NULL REFERENCES shuttles(id),
	from_stop TEXT NOT NULL,
	to_stop TEXT NOT NULL,
	fare NUMERIC(14,2) NOT NULL,
	penalty NUMERIC(14,2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	debit_tx_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookings_rider_created ON bookings(rider_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bookings_rider_cancelled ON bookings(rider_id, updated_at) WHERE status = 'cancelled';

CREATE TABLE IF NOT EXISTS wallet_transactions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	rider_id TEXT NOT NULL REFERENCES riders(id),
	booking_id TEXT,
	amount NUMERIC(14,2) NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallet_transactions_rider ON wallet_transactions(rider_id, seq);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ engine.TxStore = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Truncate empties every table. Intended for tests and demo resets.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE wallet_transactions, bookings, shuttles, riders RESTART IDENTITY`)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return engine.StorageFailure("ping", s.pool.Ping(ctx))
}

func (s *Store) q() queries { return queries{db: s.pool} }

func (s *Store) GetRider(ctx context.Context, id engine.RiderID) (engine.Rider, error) {
	return s.q().GetRider(ctx, id)
}
func (s *Store) CreateRider(ctx context.Context, r engine.Rider) error {
	return s.q().CreateRider(ctx, r)
}
func (s *Store) ListRiders(ctx context.Context) ([]engine.Rider, error) {
	return s.q().ListRiders(ctx)
}
func (s *Store) UpdateRiderBalance(ctx context.Context, u engine.BalanceUpdate) (bool, error) {
	return s.q().UpdateRiderBalance(ctx, u)
}
func (s *Store) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	return s.q().GetBooking(ctx, id)
}
func (s *Store) CreateBooking(ctx context.Context, b engine.Booking) error {
	return s.q().CreateBooking(ctx, b)
}
func (s *Store) UpdateBookingStatus(ctx context.Context, t engine.BookingTransition) (bool, error) {
	return s.q().UpdateBookingStatus(ctx, t)
}
func (s *Store) ListBookingsByRider(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	return s.q().ListBookingsByRider(ctx, riderID)
}
func (s *Store) CountCancellationsSince(ctx context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	return s.q().CountCancellationsSince(ctx, riderID, since)
}
func (s *Store) GetShuttle(ctx context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	return s.q().GetShuttle(ctx, id)
}
func (s *Store) SaveShuttle(ctx context.Context, sh engine.Shuttle) error {
	return s.q().SaveShuttle(ctx, sh)
}
func (s *Store) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	return s.q().AppendTransaction(ctx, tx)
}
func (s *Store) ListTransactions(ctx context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	return s.q().ListTransactions(ctx, riderID)
}
func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*engine.Transaction, error) {
	return s.q().FindTransactionByIdempotencyKey(ctx, key)
}

// WithTx executes fn within a database transaction. A panic in fn rolls
// the transaction back and is re-raised.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return engine.StorageFailure("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(queries{db: tx, lock: true}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return engine.StorageFailure("commit", tx.Commit(ctx))
}

// =============================================================================
// QUERIES
// =============================================================================

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
	// lock adds FOR UPDATE to single-row reads inside a transaction.
	lock bool
}

func (q queries) forUpdate() string {
	if q.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (q queries) GetRider(ctx context.Context, id engine.RiderID) (engine.Rider, error) {
	var (
		r         engine.Rider
		rid, name string
		balance   string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, wallet_balance::text, version, created_at, updated_at
		FROM riders WHERE id = $1`+q.forUpdate(), string(id),
	).Scan(&rid, &name, &balance, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Rider{}, fmt.Errorf("%w: %s", engine.ErrRiderNotFound, id)
	}
	if err != nil {
		return engine.Rider{}, engine.StorageFailure("get rider", err)
	}
	r.ID, r.Name = engine.RiderID(rid), name
	if r.WalletBalance, err = parsePoints(balance); err != nil {
		return engine.Rider{}, err
	}
	return r, nil
}

func (q queries) ListRiders(ctx context.Context) ([]engine.Rider, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, wallet_balance::text, version, created_at, updated_at
		FROM riders ORDER BY id`)
	if err != nil {
		return nil, engine.StorageFailure("list riders", err)
	}
	riders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Rider, error) {
		var (
			r         engine.Rider
			rid, name string
			balance   string
		)
		if err := row.Scan(&rid, &name, &balance, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return engine.Rider{}, err
		}
		r.ID, r.Name = engine.RiderID(rid), name
		var perr error
		r.WalletBalance, perr = parsePoints(balance)
		return r, perr
	})
	if err != nil {
		return nil, engine.StorageFailure("list riders", err)
	}
	return riders, nil
}

func (q queries) CreateRider(ctx context.Context, r engine.Rider) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO riders (id, name, wallet_balance, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		string(r.ID), r.Name, r.WalletBalance.String(), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", engine.ErrRiderExists, r.ID)
	}
	return engine.StorageFailure("create rider", err)
}

func (q queries) UpdateRiderBalance(ctx context.Context, u engine.BalanceUpdate) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE riders
		SET wallet_balance = $1::numeric, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		u.Balance.String(), u.At, string(u.RiderID), u.Version,
	)
	if err != nil {
		return false, engine.StorageFailure("update rider balance", err)
	}
	return tag.RowsAffected() == 1, nil
}

const bookingColumns = `id, rider_id, shuttle_id, from_stop, to_stop, fare::text, penalty::text,
	status, version, COALESCE(debit_tx_id, ''), created_at, updated_at`

func (q queries) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	rows, err := q.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+q.forUpdate(), string(id))
	if err != nil {
		return engine.Booking{}, engine.StorageFailure("get booking", err)
	}
	bookings, err := collectBookings(rows)
	if err != nil {
		return engine.Booking{}, err
	}
	if len(bookings) == 0 {
		return engine.Booking{}, fmt.Errorf("%w: %s", engine.ErrBookingNotFound, id)
	}
	return bookings[0], nil
}

func (q queries) CreateBooking(ctx context.Context, b engine.Booking) error {
	var debitTxID *string
	if b.DebitTxID != "" {
		v := string(b.DebitTxID)
		debitTxID = &v
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO bookings (
			id, rider_id, shuttle_id, from_stop, to_stop, fare, penalty,
			status, version, debit_tx_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)`,
		string(b.ID), string(b.RiderID), string(b.ShuttleID), string(b.FromStop), string(b.ToStop),
		b.Fare.String(), b.Penalty.String(), string(b.Status), b.Version, debitTxID,
		b.CreatedAt, b.UpdatedAt,
	)
	return engine.StorageFailure("create booking", err)
}

func (q queries) UpdateBookingStatus(ctx context.Context, t engine.BookingTransition) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE bookings
		SET status = $1, penalty = $2::numeric, version = version + 1, updated_at = $3
		WHERE id = $4 AND status = $5 AND version = $6`,
		string(t.To), t.Penalty.String(), t.At, string(t.ID), string(t.From), t.Version,
	)
	if err != nil {
		return false, engine.StorageFailure("update booking status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ListBookingsByRider(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE rider_id = $1
		ORDER BY created_at DESC, id DESC`, string(riderID))
	if err != nil {
		return nil, engine.StorageFailure("list bookings", err)
	}
	return collectBookings(rows)
}

func (q queries) CountCancellationsSince(ctx context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE rider_id = $1 AND status = $2 AND updated_at >= $3`,
		string(riderID), string(engine.StatusCancelled), since,
	).Scan(&n)
	return n, engine.StorageFailure("count cancellations", err)
}

func collectBookings(rows pgx.Rows) ([]engine.Booking, error) {
	bookings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Booking, error) {
		var (
			b                                        engine.Booking
			id, riderID, shuttleID, from, to, status string
			fare, penalty, debitTxID                 string
		)
		if err := row.Scan(&id, &riderID, &shuttleID, &from, &to, &fare, &penalty,
			&status, &b.Version, &debitTxID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return b, err
		}
		b.ID, b.RiderID, b.ShuttleID = engine.BookingID(id), engine.RiderID(riderID), engine.ShuttleID(shuttleID)
		b.FromStop, b.ToStop = engine.StopID(from), engine.StopID(to)
		b.Status, b.DebitTxID = engine.BookingStatus(status), engine.TransactionID(debitTxID)
		var err error
		if b.Fare, err = parsePoints(fare); err != nil {
			return b, err
		}
		b.Penalty, err = parsePoints(penalty)
		return b, err
	})
	if err != nil {
		return nil, engine.StorageFailure("scan bookings", err)
	}
	return bookings, nil
}

func (q queries) GetShuttle(ctx context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	var (
		sh    engine.Shuttle
		sid   string
		stops []string
	)
	err := q.db.QueryRow(ctx,
		`SELECT id, name, stops, departure_at, active FROM shuttles WHERE id = $1`, string(id),
	).Scan(&sid, &sh.Name, &stops, &sh.DepartureAt, &sh.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Shuttle{}, fmt.Errorf("%w: %s", engine.ErrShuttleNotFound, id)
	}
	if err != nil {
		return engine.Shuttle{}, engine.StorageFailure("get shuttle", err)
	}
	sh.ID = engine.ShuttleID(sid)
	sh.Stops = make([]engine.StopID, len(stops))
	for i, s := range stops {
		sh.Stops[i] = engine.StopID(s)
	}
	return sh, nil
}

func (q queries) SaveShuttle(ctx context.Context, sh engine.Shuttle) error {
	stops := make([]string, len(sh.Stops))
	for i, s := range sh.Stops {
		stops[i] = string(s)
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO shuttles (id, name, stops, departure_at, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			stops = EXCLUDED.stops,
			departure_at = EXCLUDED.departure_at,
			active = EXCLUDED.active`,
		string(sh.ID), sh.Name, stops, sh.DepartureAt, sh.Active,
	)
	return engine.StorageFailure("save shuttle", err)
}

const transactionColumns = `id, rider_id, COALESCE(booking_id, ''), amount::text, kind, description,
	COALESCE(idempotency_key, ''), created_at`

func (q queries) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO wallet_transactions (
			id, rider_id, booking_id, amount, kind, description, idempotency_key, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4::numeric, $5, $6, NULLIF($7, ''), $8)`,
		string(tx.ID), string(tx.RiderID), string(tx.BookingID), tx.Amount.String(),
		string(tx.Kind), tx.Description, tx.IdempotencyKey, tx.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
	}
	return engine.StorageFailure("append transaction", err)
}

func (q queries) ListTransactions(ctx context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM wallet_transactions
		WHERE rider_id = $1 ORDER BY seq`, string(riderID))
	if err != nil {
		return nil, engine.StorageFailure("list transactions", err)
	}
	return collectTransactions(rows)
}

func (q queries) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*engine.Transaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, engine.StorageFailure("find transaction", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func collectTransactions(rows pgx.Rows) ([]engine.Transaction, error) {
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Transaction, error) {
		var (
			tx                             engine.Transaction
			id, riderID, bookingID, amount string
			kind, key                      string
		)
		if err := row.Scan(&id, &riderID, &bookingID, &amount, &kind, &tx.Description, &key, &tx.CreatedAt); err != nil {
			return tx, err
		}
		tx.ID, tx.RiderID, tx.BookingID = engine.TransactionID(id), engine.RiderID(riderID), engine.BookingID(bookingID)
		tx.Kind, tx.IdempotencyKey = engine.TxKind(kind), key
		var err error
		tx.Amount, err = parsePoints(amount)
		return tx, err
	})
	if err != nil {
		return nil, engine.StorageFailure("scan transactions", err)
	}
	return txs, nil
}

func parsePoints(s string) (engine.Points, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return engine.Points{}, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	return engine.NewPointsFromDecimal(d), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
