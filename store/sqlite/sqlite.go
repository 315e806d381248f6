/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Single-node persistence for riders, shuttles, bookings and the wallet
  ledger. The PostgreSQL store in store/postgres follows the same
  table layout with dialect differences only.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements anywhere
  - Corrections are new ledger rows (refunds, penalties)

KEY TABLES:
  riders:       wallet owners; wallet_balance + version (CAS guard)
  shuttles:     route data; stops stored as a JSON array
  bookings:     seat reservations; status + version (CAS guard)
  transactions: immutable ledger, ordered by seq

GUARDED WRITES:
  UPDATE ... WHERE id = ? AND version = ?
  RowsAffected == 0 means another writer got there first.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  WithTx callback sees a consistent database and writers never interleave.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/shuttle.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := engine.NewService(store)

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/campusride/shuttle-engine/engine"
)

// timeLayout keeps a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
	CREATE TABLE IF NOT EXISTS riders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		wallet_balance TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shuttles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stops_json TEXT NOT NULL,
		departure_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		rider_id TEXT NOT NULL REFERENCES riders(id),
		shuttle_id TEXT NOT NULL REFERENCES shuttles(id),
		from_stop TEXT NOT NULL,
		to_stop TEXT NOT NULL,
		fare TEXT NOT NULL,
		penalty TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		debit_tx_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_rider_created
		ON bookings(rider_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_rider_status_updated
		ON bookings(rider_id, status, updated_at);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		rider_id TEXT NOT NULL REFERENCES riders(id),
		booking_id TEXT,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_rider
		ON transactions(rider_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_booking
		ON transactions(booking_id) WHERE booking_id IS NOT NULL;
`

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open handle without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return engine.StorageFailure("ping", s.db.PingContext(ctx))
}

// =============================================================================
// LOCKED ENTRY POINTS (engine.Store)
// =============================================================================

func (s *Store) read() (queries, func()) {
	s.mu.RLock()
	return queries{s.db}, s.mu.RUnlock
}

func (s *Store) write() (queries, func()) {
	s.mu.Lock()
	return queries{s.db}, s.mu.Unlock
}

func (s *Store) GetRider(ctx context.Context, id engine.RiderID) (engine.Rider, error) {
	q, done := s.read()
	defer done()
	return q.GetRider(ctx, id)
}

func (s *Store) CreateRider(ctx context.Context, r engine.Rider) error {
	q, done := s.write()
	defer done()
	return q.CreateRider(ctx, r)
}

func (s *Store) ListRiders(ctx context.Context) ([]engine.Rider, error) {
	q, done := s.read()
	defer done()
	return q.ListRiders(ctx)
}

func (s *Store) UpdateRiderBalance(ctx context.Context, u engine.BalanceUpdate) (bool, error) {
	q, done := s.write()
	defer done()
	return q.UpdateRiderBalance(ctx, u)
}

func (s *Store) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	q, done := s.read()
	defer done()
	return q.GetBooking(ctx, id)
}

func (s *Store) CreateBooking(ctx context.Context, b engine.Booking) error {
	q, done := s.write()
	defer done()
	return q.CreateBooking(ctx, b)
}

func (s *Store) UpdateBookingStatus(ctx context.Context, t engine.BookingTransition) (bool, error) {
	q, done := s.write()
	defer done()
	return q.UpdateBookingStatus(ctx, t)
}

func (s *Store) ListBookingsByRider(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	q, done := s.read()
	defer done()
	return q.ListBookingsByRider(ctx, riderID)
}

func (s *Store) CountCancellationsSince(ctx context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	q, done := s.read()
	defer done()
	return q.CountCancellationsSince(ctx, riderID, since)
}

func (s *Store) GetShuttle(ctx context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	q, done := s.read()
	defer done()
	return q.GetShuttle(ctx, id)
}

func (s *Store) SaveShuttle(ctx context.Context, sh engine.Shuttle) error {
	q, done := s.write()
	defer done()
	return q.SaveShuttle(ctx, sh)
}

// AppendTransaction adds a transaction to the ledger.
func (s *Store) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	q, done := s.write()
	defer done()
	return q.AppendTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	q, done := s.read()
	defer done()
	return q.ListTransactions(ctx, riderID)
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*engine.Transaction, error) {
	q, done := s.read()
	defer done()
	return q.FindTransactionByIdempotencyKey(ctx, key)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.StorageFailure("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{sqlTx}); err != nil {
		return err
	}

	return engine.StorageFailure("commit", sqlTx.Commit())
}

// =============================================================================
// QUERIES - shared by the store and its transactions; callers hold the lock
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const riderColumns = `id, name, wallet_balance, version, created_at, updated_at`

func (q queries) GetRider(ctx context.Context, id engine.RiderID) (engine.Rider, error) {
	var (
		r                    engine.Rider
		balance              string
		createdAt, updatedAt string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT `+riderColumns+` FROM riders WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &balance, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Rider{}, fmt.Errorf("%w: %s", engine.ErrRiderNotFound, id)
	}
	if err != nil {
		return engine.Rider{}, engine.StorageFailure("get rider", err)
	}
	if r.WalletBalance, err = parsePoints(balance); err != nil {
		return engine.Rider{}, err
	}
	r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return r, nil
}

func (q queries) ListRiders(ctx context.Context) ([]engine.Rider, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+riderColumns+` FROM riders ORDER BY id`)
	if err != nil {
		return nil, engine.StorageFailure("list riders", err)
	}
	defer rows.Close()

	riders := []engine.Rider{}
	for rows.Next() {
		var (
			r                    engine.Rider
			balance              string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &balance, &r.Version, &createdAt, &updatedAt); err != nil {
			return nil, engine.StorageFailure("scan rider", err)
		}
		if r.WalletBalance, err = parsePoints(balance); err != nil {
			return nil, err
		}
		r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		riders = append(riders, r)
	}
	return riders, engine.StorageFailure("list riders", rows.Err())
}

func (q queries) CreateRider(ctx context.Context, r engine.Rider) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO riders (`+riderColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.WalletBalance.String(), r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", engine.ErrRiderExists, r.ID)
	}
	return engine.StorageFailure("create rider", err)
}

func (q queries) UpdateRiderBalance(ctx context.Context, u engine.BalanceUpdate) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE riders SET wallet_balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		u.Balance.String(), formatTime(u.At), u.RiderID, u.Version,
	)
	return applied(res, err, "update rider balance")
}

const bookingColumns = `id, rider_id, shuttle_id, from_stop, to_stop, fare, penalty, status, version, debit_tx_id, created_at, updated_at`

func (q queries) GetBooking(ctx context.Context, id engine.BookingID) (engine.Booking, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return engine.Booking{}, engine.StorageFailure("get booking", err)
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return engine.Booking{}, err
	}
	if len(bookings) == 0 {
		return engine.Booking{}, fmt.Errorf("%w: %s", engine.ErrBookingNotFound, id)
	}
	return bookings[0], nil
}

func (q queries) CreateBooking(ctx context.Context, b engine.Booking) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.RiderID, b.ShuttleID, b.FromStop, b.ToStop,
		b.Fare.String(), b.Penalty.String(), b.Status, b.Version,
		nullString(string(b.DebitTxID)), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	return engine.StorageFailure("create booking", err)
}

func (q queries) UpdateBookingStatus(ctx context.Context, t engine.BookingTransition) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE bookings SET status = ?, penalty = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		t.To, t.Penalty.String(), formatTime(t.At), t.ID, t.From, t.Version,
	)
	return applied(res, err, "update booking status")
}

func (q queries) ListBookingsByRider(ctx context.Context, riderID engine.RiderID) ([]engine.Booking, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE rider_id = ?
		ORDER BY created_at DESC, id DESC`, riderID)
	if err != nil {
		return nil, engine.StorageFailure("list bookings", err)
	}
	return scanBookings(rows)
}

func (q queries) CountCancellationsSince(ctx context.Context, riderID engine.RiderID, since time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE rider_id = ? AND status = ? AND updated_at >= ?`,
		riderID, engine.StatusCancelled, formatTime(since),
	).Scan(&n)
	return n, engine.StorageFailure("count cancellations", err)
}

func scanBookings(rows *sql.Rows) ([]engine.Booking, error) {
	defer rows.Close()

	bookings := []engine.Booking{}
	for rows.Next() {
		var (
			b                    engine.Booking
			fare, penalty        string
			debitTxID            sql.NullString
			createdAt, updatedAt string
			err                  error
		)
		if err := rows.Scan(
			&b.ID, &b.RiderID, &b.ShuttleID, &b.FromStop, &b.ToStop,
			&fare, &penalty, &b.Status, &b.Version, &debitTxID, &createdAt, &updatedAt,
		); err != nil {
			return nil, engine.StorageFailure("scan booking", err)
		}
		if b.Fare, err = parsePoints(fare); err != nil {
			return nil, err
		}
		if b.Penalty, err = parsePoints(penalty); err != nil {
			return nil, err
		}
		b.DebitTxID = engine.TransactionID(debitTxID.String)
		b.CreatedAt, b.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		bookings = append(bookings, b)
	}
	return bookings, engine.StorageFailure("list bookings", rows.Err())
}

func (q queries) GetShuttle(ctx context.Context, id engine.ShuttleID) (engine.Shuttle, error) {
	var (
		sh          engine.Shuttle
		stopsJSON   string
		departureAt string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, name, stops_json, departure_at, active FROM shuttles WHERE id = ?`, id,
	).Scan(&sh.ID, &sh.Name, &stopsJSON, &departureAt, &sh.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Shuttle{}, fmt.Errorf("%w: %s", engine.ErrShuttleNotFound, id)
	}
	if err != nil {
		return engine.Shuttle{}, engine.StorageFailure("get shuttle", err)
	}
	if err := json.Unmarshal([]byte(stopsJSON), &sh.Stops); err != nil {
		return engine.Shuttle{}, fmt.Errorf("shuttle %s has malformed stops: %w", id, err)
	}
	sh.DepartureAt = parseTime(departureAt)
	return sh, nil
}

func (q queries) SaveShuttle(ctx context.Context, sh engine.Shuttle) error {
	stops, err := json.Marshal(sh.Stops)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO shuttles (id, name, stops_json, departure_at, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			stops_json = excluded.stops_json,
			departure_at = excluded.departure_at,
			active = excluded.active`,
		sh.ID, sh.Name, string(stops), formatTime(sh.DepartureAt), sh.Active,
	)
	return engine.StorageFailure("save shuttle", err)
}

const transactionColumns = `id, rider_id, booking_id, amount, kind, description, idempotency_key, created_at`

func (q queries) AppendTransaction(ctx context.Context, tx engine.Transaction) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.RiderID, nullString(string(tx.BookingID)), tx.Amount.String(), tx.Kind,
		tx.Description, nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
	}
	return engine.StorageFailure("append transaction", err)
}

func (q queries) ListTransactions(ctx context.Context, riderID engine.RiderID) ([]engine.Transaction, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE rider_id = ?
		ORDER BY seq ASC`, riderID)
	if err != nil {
		return nil, engine.StorageFailure("list transactions", err)
	}
	return scanTransactions(rows)
}

func (q queries) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*engine.Transaction, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, engine.StorageFailure("find transaction", err)
	}
	txs, err := scanTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func scanTransactions(rows *sql.Rows) ([]engine.Transaction, error) {
	defer rows.Close()

	transactions := []engine.Transaction{}
	for rows.Next() {
		var (
			tx             engine.Transaction
			bookingID      sql.NullString
			amount         string
			idempotencyKey sql.NullString
			createdAt      string
			err            error
		)
		if err := rows.Scan(
			&tx.ID, &tx.RiderID, &bookingID, &amount, &tx.Kind,
			&tx.Description, &idempotencyKey, &createdAt,
		); err != nil {
			return nil, engine.StorageFailure("scan transaction", err)
		}
		if tx.Amount, err = parsePoints(amount); err != nil {
			return nil, err
		}
		tx.BookingID = engine.BookingID(bookingID.String)
		tx.IdempotencyKey = idempotencyKey.String
		tx.CreatedAt = parseTime(createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, engine.StorageFailure("list transactions", rows.Err())
}

// Helper functions

func applied(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, engine.StorageFailure(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engine.StorageFailure(op, err)
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parsePoints(value string) (engine.Points, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return engine.Points{}, fmt.Errorf("malformed amount %q: %w", value, err)
	}
	return engine.NewPointsFromDecimal(d), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
