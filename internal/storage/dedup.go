package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: database not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS alert_counts (
        tracked_symbol    TEXT        NOT NULL,
        symbol_type       TEXT        NOT NULL,
        alert_policy      TEXT        NOT NULL,
        observation_count BIGINT      NOT NULL DEFAULT 1,
        last_update       TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (tracked_symbol, symbol_type, alert_policy)
    );
    CREATE TABLE IF NOT EXISTS occurrence_counts (
        instrument        TEXT        NOT NULL,
        alert_type        TEXT        NOT NULL,
        count_type        TEXT        NOT NULL,
        observation_count BIGINT      NOT NULL DEFAULT 1,
        window_start      TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (instrument, alert_type, count_type)
    );`

	incrementOrInsertSQL = `INSERT INTO alert_counts (
        tracked_symbol, symbol_type, alert_policy, observation_count, last_update
    ) VALUES ($1,$2,$3,1,$4)
    ON CONFLICT (tracked_symbol, symbol_type, alert_policy) DO UPDATE
    SET observation_count = alert_counts.observation_count + 1,
        last_update       = EXCLUDED.last_update
    RETURNING observation_count;`

	snapshotSQL = `SELECT tracked_symbol, observation_count
    FROM alert_counts
    WHERE ($1 = '' OR symbol_type = $1)
      AND ($2 = '' OR alert_policy = $2);`

	pruneBeforeSQL = `DELETE FROM alert_counts
    WHERE last_update < $1
      AND ($2 = '' OR alert_policy = $2);`

	bumpOccurrenceSQL = `INSERT INTO occurrence_counts (
        instrument, alert_type, count_type, observation_count, window_start
    ) VALUES ($1,$2,$3,1,$4)
    ON CONFLICT (instrument, alert_type, count_type) DO UPDATE
    SET observation_count = CASE
            WHEN occurrence_counts.window_start = EXCLUDED.window_start
            THEN occurrence_counts.observation_count + 1
            ELSE 1
        END,
        window_start = EXCLUDED.window_start
    RETURNING observation_count;`

	listRecentRecordsSQL = `SELECT tracked_symbol, symbol_type, alert_policy, observation_count, last_update
    FROM alert_counts
    ORDER BY last_update DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DB is the subset of pgxpool.Pool the dedup store needs. pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DedupStore defines the durable run-to-run observation state.
type DedupStore interface {
	IncrementOrInsert(ctx context.Context, symbol, symbolType, policy string, at time.Time) (int64, error)
	Snapshot(ctx context.Context, symbolType, policy string) (map[string]int64, error)
	PruneBefore(ctx context.Context, watermark time.Time, policy string) (int64, error)
	BumpOccurrence(ctx context.Context, instrument, alertType string, countType CountType, at time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists dedup records and occurrence counters in PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// NewStoreWithDB wires an arbitrary DB; advisory locks are unavailable.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// EnsureSchema creates the dedup and occurrence tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, execErr := db.Exec(ctx, createSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// IncrementOrInsert atomically bumps the observation count for
// (symbol, symbolType, policy), inserting with count 1 on first sight, and
// returns the new count.
func (s *Store) IncrementOrInsert(ctx context.Context, symbol, symbolType, policy string, at time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var count int64
	row := db.QueryRow(ctx, incrementOrInsertSQL, symbol, symbolType, policy, at.UTC())
	if scanErr := row.Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("increment or insert %s/%s: %w", symbol, policy, scanErr)
	}
	return count, nil
}

// Snapshot returns symbol -> observation count, optionally filtered by
// symbol type and/or policy (empty string means no filter).
func (s *Store) Snapshot(ctx context.Context, symbolType, policy string) (map[string]int64, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, snapshotSQL, symbolType, policy)
	if queryErr != nil {
		return nil, fmt.Errorf("snapshot dedup counts: %w", queryErr)
	}
	defer rows.Close()

	snapshot := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var count int64
		if scanErr := rows.Scan(&symbol, &count); scanErr != nil {
			return nil, scanErr
		}
		snapshot[symbol] = count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshot, nil
}

// PruneBefore deletes rows not re-confirmed since the watermark, scoped to
// one policy when policy is non-empty. Returns the number of rows removed.
func (s *Store) PruneBefore(ctx context.Context, watermark time.Time, policy string) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	tag, execErr := db.Exec(ctx, pruneBeforeSQL, watermark.UTC(), policy)
	if execErr != nil {
		return 0, fmt.Errorf("prune before %s: %w", watermark, execErr)
	}
	return tag.RowsAffected(), nil
}

// BumpOccurrence increments the daily or monthly occurrence counter for an
// instrument/alert pair, resetting to 1 when the stored window has rolled
// over, and returns the new count.
func (s *Store) BumpOccurrence(ctx context.Context, instrument, alertType string, countType CountType, at time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var count int64
	row := db.QueryRow(ctx, bumpOccurrenceSQL, instrument, alertType, string(countType), countType.WindowStart(at))
	if scanErr := row.Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("bump occurrence %s/%s: %w", instrument, alertType, scanErr)
	}
	return count, nil
}

// ListRecentRecords lists dedup rows by most recent update, for the show
// command.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]DedupRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listRecentRecordsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]DedupRecord, 0, limit)
	for rows.Next() {
		var rec DedupRecord
		if scanErr := rows.Scan(
			&rec.TrackedSymbol,
			&rec.SymbolType,
			&rec.AlertPolicy,
			&rec.ObservationCount,
			&rec.LastUpdate,
		); scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func. Unavailable when the store was built without a pool.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ DedupStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
