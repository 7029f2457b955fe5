package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"osmcache/internal/metrics"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// scanPageSize bounds how many rows ScanPrefix holds in memory at once
const scanPageSize = 256

// DB is the persistent store: JSON rows in per-entity tables plus a legacy blob namespace
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Row is a snapshot of one stored row
type Row struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the row value into out
func (r Row) Decode(out any) error {
	return json.Unmarshal(r.Value, out)
}

// Open opens the SQLite database at path and brings its schema up to date
func Open(path string) (*DB, error) {
	// Open the database with appropriate pragmas
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(1) // SQLite works best with a single writer
	conn.SetMaxIdleConns(1)
	// Connection-scoped pragmas such as max_page_count must survive for the process lifetime
	conn.SetConnMaxLifetime(0)

	// Test the connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classify(err))
	}

	db := &DB{conn: conn, logger: slog.Default(), now: time.Now}
	if err := db.Init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Init applies pending schema migrations
func (db *DB) Init() error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMigrate))
	defer timer.ObserveDuration()

	if err := migrateUp(db.conn); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMigrate).Inc()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SetLogger replaces the logger used for quarantine reports
func (db *DB) SetLogger(logger *slog.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

// SetClock replaces the time source used for updated_at stamps
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// SetMaxPages caps the database size; writes beyond it fail with ErrQuotaExceeded.
// Zero leaves the size unlimited.
func (db *DB) SetMaxPages(ctx context.Context, pages int) error {
	if pages <= 0 {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("failed to set max page count: %w", classify(err))
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying *sql.DB connection for direct use
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Health checks if the database connection is healthy
func (db *DB) Health() error {
	if err := db.conn.Ping(); err != nil {
		return classify(err)
	}
	return nil
}

// Tables lists every typed table
func (db *DB) Tables() []string {
	return TableNames()
}

func (db *DB) fail(op string, err error) error {
	metrics.DBOperationErrorsTotal.WithLabelValues(op).Inc()
	return classify(err)
}

// Put overwrites the full row stored under key
func (db *DB) Put(ctx context.Context, table, key string, value any) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpPut))
	defer timer.ObserveDuration()

	if err := checkTable(table); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", table, key, err)
	}

	if _, err := db.conn.ExecContext(ctx, upsertSQL(table), key, string(b), db.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, key, db.fail(metrics.DBOpPut, err))
	}
	return nil
}

// Get decodes the row under key into out. A row that cannot be decoded is
// quarantined, deleted and reported as ErrCorruptRecord.
func (db *DB) Get(ctx context.Context, table, key string, out any) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGet))
	defer timer.ObserveDuration()

	if err := checkTable(table); err != nil {
		return false, err
	}

	var raw string
	err := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s/%s: %w", table, key, db.fail(metrics.DBOpGet, err))
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, db.corrupt(ctx, table, key, []byte(raw), err)
	}
	return true, nil
}

// ScanPrefix returns rows whose key starts with prefix in ascending key order.
// Rows are fetched lazily in pages; the sequence can be ranged over repeatedly.
func (db *DB) ScanPrefix(ctx context.Context, table, prefix string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if err := checkTable(table); err != nil {
			yield(Row{}, err)
			return
		}

		after := ""
		first := true
		for {
			page, err := db.scanPage(ctx, table, prefix, after, first)
			if err != nil {
				yield(Row{}, err)
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			after = page[len(page)-1].Key
			first = false
		}
	}
}

// scanPage reads one page and releases the connection before returning so
// callers may write while iterating.
func (db *DB) scanPage(ctx context.Context, table, prefix, after string, first bool) ([]Row, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpScan))
	defer timer.ObserveDuration()

	query := fmt.Sprintf("SELECT key, value FROM %s WHERE ", table)
	var args []any
	if first {
		query += "key >= ?"
		args = append(args, prefix)
	} else {
		query += "key > ?"
		args = append(args, after)
	}
	if end, ok := prefixEnd(prefix); ok {
		query += " AND key < ?"
		args = append(args, end)
	}
	query += fmt.Sprintf(" ORDER BY key LIMIT %d", scanPageSize)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, db.fail(metrics.DBOpScan, err))
	}
	defer rows.Close()

	var page []Row
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, db.fail(metrics.DBOpScan, err))
		}
		page = append(page, Row{Key: key, Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, db.fail(metrics.DBOpScan, err))
	}
	return page, nil
}

// prefixEnd returns the smallest string greater than every string with the given prefix
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// Delete removes the row under key; deleting an absent key is not an error
func (db *DB) Delete(ctx context.Context, table, key string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDelete))
	defer timer.ObserveDuration()

	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, db.fail(metrics.DBOpDelete, err))
	}
	return nil
}

// DeleteTable removes every row of a table
func (db *DB) DeleteTable(ctx context.Context, table string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteTable))
	defer timer.ObserveDuration()

	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, db.fail(metrics.DBOpDeleteTable, err))
	}
	return nil
}

// IndexLookup returns the keys of rows whose indexed attribute equals value, in key order
func (db *DB) IndexLookup(ctx context.Context, table, index, value string) ([]string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpIndexLookup))
	defer timer.ObserveDuration()

	if err := checkIndex(table, index); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("SELECT key FROM %s WHERE %s = ? ORDER BY key", table, index), value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s.%s: %w", table, index, db.fail(metrics.DBOpIndexLookup, err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", db.fail(metrics.DBOpIndexLookup, err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", db.fail(metrics.DBOpIndexLookup, err))
	}
	return keys, nil
}

// Count returns the number of rows in a table
func (db *DB) Count(ctx context.Context, table string) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCount))
	defer timer.ObserveDuration()

	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, db.fail(metrics.DBOpCount, err))
	}
	return n, nil
}

// Update runs fn in a single transaction. fn must only use tx; calling DB
// methods from inside fn would wait on the connection tx already holds.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransaction))
	defer timer.ObserveDuration()

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", db.fail(metrics.DBOpTransaction, err))
	}

	tx := &Tx{ctx: ctx, tx: sqlTx, now: db.now().UnixMilli()}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrStoreUnavailable) {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransaction).Inc()
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", db.fail(metrics.DBOpTransaction, err))
	}
	return nil
}

// corrupt quarantines an undecodable row, removes it and returns ErrCorruptRecord
func (db *DB) corrupt(ctx context.Context, table, key string, raw []byte, cause error) error {
	db.logger.Error("Corrupt record quarantined", "table", table, "key", key, "error", cause)
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Quarantine(table, key, raw, cause.Error()); err != nil {
			return err
		}
		return tx.Delete(table, key)
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v (quarantine failed: %v)", ErrCorruptRecord, table, key, cause, err)
	}
	return fmt.Errorf("%w: %s/%s: %v", ErrCorruptRecord, table, key, cause)
}

// violation quarantines a decodable row that breaks a stored-row invariant
func (db *DB) violation(ctx context.Context, table, key string, raw []byte, cause error) {
	metrics.InvariantViolationsTotal.WithLabelValues(table).Inc()
	db.logger.Error("Invariant violation, row quarantined",
		"table", table, "key", key, "error", fmt.Errorf("%w: %v", ErrInvariantViolation, cause))
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Quarantine(table, key, raw, cause.Error()); err != nil {
			return err
		}
		return tx.Delete(table, key)
	})
	if err != nil {
		db.logger.Error("Failed to quarantine row", "table", table, "key", key, "error", err)
	}
}

func upsertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, table)
}
