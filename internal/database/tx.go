package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// Tx is a batch of writes committed atomically by DB.Update
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now int64
}

// Put overwrites the full row stored under key
func (t *Tx) Put(table, key string, value any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", table, key, err)
	}
	if _, err := t.tx.ExecContext(t.ctx, upsertSQL(table), key, string(b), t.now); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, key, txFail(metrics.DBOpPut, err))
	}
	return nil
}

// Get decodes the row under key into out
func (t *Tx) Get(table, key string, out any) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	var raw string
	err := t.tx.QueryRowContext(t.ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s/%s: %w", table, key, txFail(metrics.DBOpGet, err))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", table, key, ErrCorruptRecord)
	}
	return true, nil
}

// Delete removes the row under key
func (t *Tx) Delete(table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, txFail(metrics.DBOpDelete, err))
	}
	return nil
}

// DeleteAll removes every row of a table
func (t *Tx) DeleteAll(table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, txFail(metrics.DBOpDeleteTable, err))
	}
	return nil
}

// DeleteWhere removes every row whose indexed attribute equals value
func (t *Tx) DeleteWhere(table, index, value string) (int64, error) {
	if err := checkIndex(table, index); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, index), value)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s where %s: %w", table, index, txFail(metrics.DBOpDelete, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Keys returns every key of a table in ascending order
func (t *Tx) Keys(table string) ([]string, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return t.keys(table, fmt.Sprintf("SELECT key FROM %s ORDER BY key", table))
}

// KeysWhere returns the keys of rows whose indexed attribute equals value
func (t *Tx) KeysWhere(table, index, value string) ([]string, error) {
	if err := checkIndex(table, index); err != nil {
		return nil, err
	}
	return t.keys(table, fmt.Sprintf("SELECT key FROM %s WHERE %s = ? ORDER BY key", table, index), value)
}

func (t *Tx) keys(table, query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", table, txFail(metrics.DBOpScan, err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan %s key: %w", table, txFail(metrics.DBOpScan, err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s keys: %w", table, txFail(metrics.DBOpScan, err))
	}
	return keys, nil
}

// KeyExists reports whether a row is stored under key
func (t *Tx) KeyExists(table, key string) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	var one int
	err := t.tx.QueryRowContext(t.ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE key = ?", table), key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", table, key, txFail(metrics.DBOpGet, err))
	}
	return true, nil
}

// HasIndexed reports whether any row has the indexed attribute equal to value
func (t *Tx) HasIndexed(table, index, value string) (bool, error) {
	if err := checkIndex(table, index); err != nil {
		return false, err
	}
	var one int
	err := t.tx.QueryRowContext(t.ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", table, index), value).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s.%s: %w", table, index, txFail(metrics.DBOpIndexLookup, err))
	}
	return true, nil
}

// LegacyPut stores a raw blob in the legacy namespace
func (t *Tx) LegacyPut(key string, value []byte) error {
	if !strings.HasPrefix(key, LegacyPrefix) {
		return fmt.Errorf("legacy key %q must start with %q", key, LegacyPrefix)
	}
	if _, err := t.tx.ExecContext(t.ctx, legacyUpsertSQL, key, value, t.now); err != nil {
		return fmt.Errorf("failed to put legacy blob %s: %w", key, txFail(metrics.DBOpLegacyPut, err))
	}
	return nil
}

// LegacyDelete removes a legacy blob
func (t *Tx) LegacyDelete(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM legacy_blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete legacy blob %s: %w", key, txFail(metrics.DBOpLegacyDelete, err))
	}
	return nil
}

// SetPhaseState records the progress of a migration phase
func (t *Tx) SetPhaseState(phase string, state model.PhaseState, errMsg string) error {
	return t.Put(TableMigration, phase, model.MigrationPhase{
		Phase:          phase,
		State:          state,
		UpdatedEpochMs: t.now,
		Error:          errMsg,
	})
}

// SetLastSync records a successful refresh of dataset at epochMs
func (t *Tx) SetLastSync(dataset string, epochMs int64) error {
	return t.Put(TableLastSync, dataset, model.LastSync{Dataset: dataset, EpochMs: epochMs})
}

// Quarantine moves a copy of an offending row into the quarantine table
func (t *Tx) Quarantine(table, key string, raw []byte, reason string) error {
	return t.Put(TableQuarantine, table+"|"+key, QuarantinedRow{
		SourceTable:          table,
		SourceKey:            key,
		Raw:                  string(raw),
		Reason:               reason,
		QuarantinedAtEpochMs: t.now,
	})
}

func txFail(op string, err error) error {
	metrics.DBOperationErrorsTotal.WithLabelValues(op).Inc()
	return classify(err)
}
