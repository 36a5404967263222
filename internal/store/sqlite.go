package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"brokergate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS order_events (
	local_id        TEXT    NOT NULL,
	version         INTEGER NOT NULL,
	broker_id       TEXT    NOT NULL DEFAULT '',
	symbol          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	previous_status TEXT    NOT NULL DEFAULT '',
	new_status      TEXT    NOT NULL,
	reason          TEXT    NOT NULL DEFAULT '',
	at              INTEGER NOT NULL,
	order_json      TEXT    NOT NULL,
	PRIMARY KEY (local_id, version)
);
CREATE TABLE IF NOT EXISTS fills (
	execution_id   TEXT    PRIMARY KEY,
	order_local_id TEXT    NOT NULL,
	broker_id      TEXT    NOT NULL DEFAULT '',
	symbol         TEXT    NOT NULL,
	side           TEXT    NOT NULL,
	shares         INTEGER NOT NULL,
	price          TEXT    NOT NULL,
	commission     TEXT    NOT NULL,
	at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_at ON fills (at);
CREATE TABLE IF NOT EXISTS risk_rejections (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	local_id TEXT    NOT NULL,
	symbol   TEXT    NOT NULL,
	side     TEXT    NOT NULL,
	qty      INTEGER NOT NULL,
	reasons  TEXT    NOT NULL,
	at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	previous TEXT    NOT NULL,
	current  TEXT    NOT NULL,
	attempt  INTEGER NOT NULL,
	error    TEXT    NOT NULL DEFAULT '',
	fatal    INTEGER NOT NULL,
	at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS breaker_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	tripped  INTEGER NOT NULL,
	reason   TEXT    NOT NULL DEFAULT '',
	detail   TEXT    NOT NULL DEFAULT '',
	operator TEXT    NOT NULL DEFAULT '',
	at       INTEGER NOT NULL
);
`

// SQLiteStore implements Journal backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// journal tables and returns a ready-to-use SQLiteStore. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// One connection keeps writes serialized and an in-memory database shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// SaveLifecycle records one order transition. Replays are ignored.
func (s *SQLiteStore) SaveLifecycle(ctx context.Context, ev domain.LifecycleEvent) error {
	order, err := json.Marshal(ev.Order)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", ev.LocalID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_events
			(local_id, version, broker_id, symbol, side, previous_status, new_status, reason, at, order_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.LocalID, ev.Version, ev.BrokerID, ev.Symbol, string(ev.Side),
		string(ev.Previous), string(ev.New), ev.Reason, ev.At.UnixNano(), string(order))
	if err != nil {
		return fmt.Errorf("saving lifecycle %s v%d: %w", ev.LocalID, ev.Version, err)
	}
	return nil
}

// SaveFill records an execution keyed by execution ID.
func (s *SQLiteStore) SaveFill(ctx context.Context, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills
			(execution_id, order_local_id, broker_id, symbol, side, shares, price, commission, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET price = excluded.price, commission = excluded.commission`,
		f.ExecutionID, f.OrderLocalID, f.BrokerID, f.Symbol, string(f.Side), f.Shares,
		f.Price.String(), f.Commission.String(), f.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("saving fill %s: %w", f.ExecutionID, err)
	}
	return nil
}

// SaveRiskRejection records a risk rejection with its full reason list.
func (s *SQLiteStore) SaveRiskRejection(ctx context.Context, ev domain.RiskRejectionEvent) error {
	reasons, err := json.Marshal(ev.Reasons)
	if err != nil {
		return fmt.Errorf("encoding reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_rejections (local_id, symbol, side, qty, reasons, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.LocalID, ev.Symbol, string(ev.Side), ev.Qty, string(reasons), ev.At.UnixNano())
	if err != nil {
		return fmt.Errorf("saving risk rejection %s: %w", ev.LocalID, err)
	}
	return nil
}

// SaveSessionEvent records a session state change.
func (s *SQLiteStore) SaveSessionEvent(ctx context.Context, ev domain.SessionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (previous, current, attempt, error, fatal, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Previous), string(ev.Current), ev.Attempt, ev.Err, ev.Fatal, ev.At.UnixNano())
	if err != nil {
		return fmt.Errorf("saving session event: %w", err)
	}
	return nil
}

// SaveBreakerEvent records a breaker trip or reset.
func (s *SQLiteStore) SaveBreakerEvent(ctx context.Context, ev domain.BreakerEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_events (tripped, reason, detail, operator, at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Tripped, string(ev.Reason), ev.Detail, ev.Operator, ev.At.UnixNano())
	if err != nil {
		return fmt.Errorf("saving breaker event: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// OrderHistory returns the transitions of localID ordered by version.
func (s *SQLiteStore) OrderHistory(ctx context.Context, localID string) ([]domain.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, version, broker_id, symbol, side, previous_status, new_status, reason, at, order_json
		FROM order_events WHERE local_id = ? ORDER BY version`, localID)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", localID, err)
	}
	defer rows.Close()

	var out []domain.LifecycleEvent
	for rows.Next() {
		var (
			ev               domain.LifecycleEvent
			side, prev, next string
			at               int64
			order            string
		)
		if err := rows.Scan(&ev.LocalID, &ev.Version, &ev.BrokerID, &ev.Symbol, &side, &prev, &next, &ev.Reason, &at, &order); err != nil {
			return nil, fmt.Errorf("scanning order event: %w", err)
		}
		ev.Side = domain.OrderSide(side)
		ev.Previous = domain.OrderStatus(prev)
		ev.New = domain.OrderStatus(next)
		ev.At = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(order), &ev.Order); err != nil {
			return nil, fmt.Errorf("decoding order %s v%d: %w", ev.LocalID, ev.Version, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Fills returns the executions timestamped in [start, end), oldest first.
func (s *SQLiteStore) Fills(ctx context.Context, start, end time.Time) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, order_local_id, broker_id, symbol, side, shares, price, commission, at
		FROM fills WHERE at >= ? AND at < ? ORDER BY at, execution_id`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var (
			f                 domain.Fill
			side, price, comm string
			at                int64
		)
		if err := rows.Scan(&f.ExecutionID, &f.OrderLocalID, &f.BrokerID, &f.Symbol, &side, &f.Shares, &price, &comm, &at); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s price %q: %w", f.ExecutionID, price, err)
		}
		if f.Commission, err = decimal.NewFromString(comm); err != nil {
			return nil, fmt.Errorf("fill %s commission %q: %w", f.ExecutionID, comm, err)
		}
		f.Timestamp = time.Unix(0, at).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// RiskRejections returns the most recent risk rejections, newest first, up
// to limit.
func (s *SQLiteStore) RiskRejections(ctx context.Context, limit int) ([]domain.RiskRejectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, symbol, side, qty, reasons, at
		FROM risk_rejections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying risk rejections: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskRejectionEvent
	for rows.Next() {
		var (
			ev            domain.RiskRejectionEvent
			side, reasons string
			at            int64
		)
		if err := rows.Scan(&ev.LocalID, &ev.Symbol, &side, &ev.Qty, &reasons, &at); err != nil {
			return nil, fmt.Errorf("scanning risk rejection: %w", err)
		}
		ev.Side = domain.OrderSide(side)
		ev.At = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(reasons), &ev.Reasons); err != nil {
			return nil, fmt.Errorf("decoding reasons: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionEvents returns the recorded session events, oldest first.
func (s *SQLiteStore) SessionEvents(ctx context.Context) ([]domain.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT previous, current, attempt, error, fatal, at FROM session_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionEvent
	for rows.Next() {
		var (
			ev        domain.SessionEvent
			prev, cur string
			at        int64
		)
		if err := rows.Scan(&prev, &cur, &ev.Attempt, &ev.Err, &ev.Fatal, &at); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		ev.Previous = domain.SessionState(prev)
		ev.Current = domain.SessionState(cur)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
