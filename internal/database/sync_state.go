package database

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// QuarantinedRow is a copy of a row removed because it was corrupt or invalid
type QuarantinedRow struct {
	SourceTable          string `json:"sourceTable"`
	SourceKey            string `json:"sourceKey"`
	Raw                  string `json:"raw"`
	Reason               string `json:"reason"`
	QuarantinedAtEpochMs int64  `json:"quarantinedAtEpochMs"`
}

// SetLastSync records a successful refresh of dataset
func (db *DB) SetLastSync(ctx context.Context, dataset string, epochMs int64) error {
	return db.Put(ctx, TableLastSync, dataset, model.LastSync{Dataset: dataset, EpochMs: epochMs})
}

// LastSync returns when dataset was last refreshed successfully
func (db *DB) LastSync(ctx context.Context, dataset string) (int64, bool, error) {
	var ls model.LastSync
	ok, err := db.Get(ctx, TableLastSync, dataset, &ls)
	if err != nil || !ok {
		return 0, false, err
	}
	return ls.EpochMs, true, nil
}

// ListLastSync returns every recorded refresh ordered by dataset key
func (db *DB) ListLastSync(ctx context.Context) ([]model.LastSync, error) {
	return scanAll[model.LastSync](ctx, db, TableLastSync, "", nil)
}

// PhaseState returns the recorded state of a migration phase
func (db *DB) PhaseState(ctx context.Context, phase string) (model.MigrationPhase, error) {
	p := model.MigrationPhase{Phase: phase, State: model.PhaseNotStarted}
	if _, err := db.Get(ctx, TableMigration, phase, &p); err != nil {
		return model.MigrationPhase{Phase: phase, State: model.PhaseNotStarted}, err
	}
	return p, nil
}

// SetPhaseState records the state of a migration phase outside any batch
func (db *DB) SetPhaseState(ctx context.Context, phase string, state model.PhaseState, errMsg string) error {
	return db.Update(ctx, func(tx *Tx) error {
		return tx.SetPhaseState(phase, state, errMsg)
	})
}

// ListQuarantine returns quarantined rows, optionally restricted to one source table
func (db *DB) ListQuarantine(ctx context.Context, sourceTable string) ([]QuarantinedRow, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpQuarantine))
	defer timer.ObserveDuration()

	if sourceTable == "" {
		return scanAll[QuarantinedRow](ctx, db, TableQuarantine, "", nil)
	}
	return getByIndex[QuarantinedRow](ctx, db, TableQuarantine, IndexSourceTable, sourceTable, nil)
}
