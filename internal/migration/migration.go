// Package migration moves blob-encoded collections written by earlier schema
// versions into the typed tables. Phases run once each, in order, and are
// safe to re-run after a crash.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"osmcache/internal/database"
	"osmcache/internal/events"
	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// Phase names, in execution order
const (
	PhaseTerms        = "terms"
	PhaseMembers      = "members"
	PhaseFlexiRecords = "flexi_records"
)

// ErrMigrationPhaseFailed is matched by every PhaseError
var ErrMigrationPhaseFailed = errors.New("migration phase failed")

// PhaseError reports the phase that stopped the pipeline
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("migration phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func (e *PhaseError) Is(target error) bool {
	return target == ErrMigrationPhaseFailed
}

// PhaseResult describes one phase of a run
type PhaseResult struct {
	Phase       string           `json:"phase"`
	State       model.PhaseState `json:"state"`
	Rows        int              `json:"rows"`
	Quarantined int              `json:"quarantined"`
	// Skipped is true when the phase had already completed in an earlier run
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of a pipeline run
type Report struct {
	Phases []PhaseResult `json:"phases"`
}

type counts struct {
	rows        int
	quarantined int
}

type phase struct {
	name string
	// sources returns the legacy keys the phase consumes
	sources func(ctx context.Context) ([]database.LegacyBlob, error)
	apply   func(tx *database.Tx, blobs []database.LegacyBlob, c *counts) error
}

// Migrator runs the legacy migration phases against one store
type Migrator struct {
	db     *database.DB
	events events.Emitter
	today  func() model.Date
	nowMs  func() int64
	logger *slog.Logger
	phases []phase
}

// New creates a migrator. today and nowMs come from the environment clock.
func New(db *database.DB, emitter events.Emitter, today func() model.Date, nowMs func() int64) *Migrator {
	if emitter == nil {
		emitter = events.Discard{}
	}
	m := &Migrator{
		db:     db,
		events: emitter,
		today:  today,
		nowMs:  nowMs,
		logger: slog.Default(),
	}
	m.phases = []phase{
		{name: PhaseTerms, sources: m.blobs(database.LegacyTermsKey), apply: m.applyTerms},
		{name: PhaseMembers, sources: m.blobs(database.LegacyMembersPrefix), apply: m.applyMembers},
		{name: PhaseFlexiRecords, sources: m.blobs(database.LegacyFlexiPrefix), apply: m.applyFlexi},
	}
	return m
}

// Run executes every phase that has not completed. It stops at the first
// failing phase and returns a *PhaseError; earlier phases stay completed.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	var report Report
	for _, p := range m.phases {
		res, err := m.runPhase(ctx, p)
		report.Phases = append(report.Phases, res)
		if err != nil {
			metrics.MigrationPhasesTotal.WithLabelValues(p.name, metrics.ResultFailure).Inc()
			m.logger.Error("Migration phase failed", "phase", p.name, "error", err)
			return report, &PhaseError{Phase: p.name, Err: err}
		}
		result := metrics.ResultSuccess
		if res.Skipped {
			result = metrics.ResultSkipped
		}
		metrics.MigrationPhasesTotal.WithLabelValues(p.name, result).Inc()
	}
	return report, nil
}

func (m *Migrator) runPhase(ctx context.Context, p phase) (PhaseResult, error) {
	res := PhaseResult{Phase: p.name}

	state, err := m.db.PhaseState(ctx, p.name)
	if err != nil && !database.IsCorruptRecord(err) {
		res.State = model.PhaseNotStarted
		res.Error = err.Error()
		return res, fmt.Errorf("failed to read phase state: %w", err)
	}

	blobs, err := p.sources(ctx)
	if err != nil {
		res.State = state.State
		res.Error = err.Error()
		return res, err
	}

	if state.State == model.PhaseCompleted {
		// A crash between completion and cleanup leaves blobs behind
		res.State = model.PhaseCompleted
		res.Skipped = true
		return res, m.removeSources(ctx, p.name, blobs)
	}

	if err := m.db.SetPhaseState(ctx, p.name, model.PhaseInProgress, ""); err != nil {
		res.State = state.State
		res.Error = err.Error()
		return res, err
	}

	var c counts
	err = m.db.Update(ctx, func(tx *database.Tx) error {
		c = counts{}
		if err := p.apply(tx, blobs, &c); err != nil {
			return err
		}
		return tx.SetPhaseState(p.name, model.PhaseCompleted, "")
	})
	res.Rows, res.Quarantined = c.rows, c.quarantined
	if err != nil {
		res.State = model.PhaseFailed
		res.Error = err.Error()
		if serr := m.db.SetPhaseState(ctx, p.name, model.PhaseFailed, err.Error()); serr != nil {
			m.logger.Error("Failed to record phase failure", "phase", p.name, "error", serr)
		}
		return res, err
	}
	res.State = model.PhaseCompleted

	m.logger.Info("Migration phase completed", "phase", p.name, "sources", len(blobs), "rows", c.rows, "quarantined", c.quarantined)
	m.events.Emit(events.KindMigrationPhaseCompleted, "", map[string]any{
		"phase":       p.name,
		"sources":     len(blobs),
		"rows":        c.rows,
		"quarantined": c.quarantined,
	})

	return res, m.removeSources(ctx, p.name, blobs)
}

// removeSources deletes the legacy blobs of a completed phase
func (m *Migrator) removeSources(ctx context.Context, name string, blobs []database.LegacyBlob) error {
	for _, b := range blobs {
		if err := m.db.LegacyDelete(ctx, b.Key); err != nil {
			return fmt.Errorf("phase %s completed but cleanup failed: %w", name, err)
		}
	}
	return nil
}

func (m *Migrator) blobs(prefix string) func(ctx context.Context) ([]database.LegacyBlob, error) {
	return func(ctx context.Context) ([]database.LegacyBlob, error) {
		var out []database.LegacyBlob
		for b, err := range m.db.LegacyScan(ctx, prefix) {
			if err != nil {
				return nil, err
			}
			if prefix == database.LegacyTermsKey && b.Key != database.LegacyTermsKey {
				continue
			}
			out = append(out, b)
		}
		return out, nil
	}
}

func (m *Migrator) applyTerms(tx *database.Tx, blobs []database.LegacyBlob, c *counts) error {
	today := m.today()
	nowMs := m.nowMs()
	for _, b := range blobs {
		valid, invalid, err := database.DecodeLegacyTerms(b.Value)
		if err != nil {
			if err := tx.Quarantine(database.TableTerms, b.Key, b.Value, err.Error()); err != nil {
				return err
			}
			c.quarantined++
			continue
		}
		for _, t := range invalid {
			raw, _ := json.Marshal(t)
			if err := tx.Quarantine(database.TableTerms, model.TermKey(t.SectionID, t.TermID), raw, "invalid term dates"); err != nil {
				return err
			}
			c.quarantined++
		}
		for sectionID, terms := range valid {
			for _, t := range terms {
				if err := tx.Put(database.TableTerms, model.TermKey(sectionID, t.TermID), t); err != nil {
					return err
				}
				c.rows++
			}
			current, ok := model.CurrentTermFor(sectionID, terms, today, nowMs)
			if !ok {
				continue
			}
			if err := tx.Put(database.TableCurrentTerms, sectionID, current); err != nil {
				return err
			}
			c.rows++
		}
	}
	return nil
}

func (m *Migrator) applyMembers(tx *database.Tx, blobs []database.LegacyBlob, c *counts) error {
	for _, b := range blobs {
		sectionID, ok := database.LegacyMembersSection(b.Key)
		if !ok {
			if err := tx.Quarantine(database.TableMembers, b.Key, b.Value, "legacy members key has no section id"); err != nil {
				return err
			}
			c.quarantined++
			continue
		}
		members, err := database.DecodeLegacyMembers(sectionID, b.Value)
		if err != nil {
			if err := tx.Quarantine(database.TableMembers, b.Key, b.Value, err.Error()); err != nil {
				return err
			}
			c.quarantined++
			continue
		}
		for _, mem := range members {
			if err := tx.Put(database.TableMembers, model.MemberKey(mem.MemberID, sectionID), mem); err != nil {
				return err
			}
			c.rows++
		}
	}
	return nil
}

func (m *Migrator) applyFlexi(tx *database.Tx, blobs []database.LegacyBlob, c *counts) error {
	for _, b := range blobs {
		rec, err := database.DecodeLegacyFlexi(b.Key, b.Value)
		if err != nil {
			if err := tx.Quarantine(database.TableSectionMovers, b.Key, b.Value, err.Error()); err != nil {
				return err
			}
			c.quarantined++
			continue
		}
		if err := tx.Put(database.TableSectionMovers, model.FlexiRecordKey(rec.FlexiRecordID, rec.SectionID), rec); err != nil {
			return err
		}
		c.rows++
	}
	return nil
}

// Status returns the recorded state of every phase
func (m *Migrator) Status(ctx context.Context) ([]model.MigrationPhase, error) {
	out := make([]model.MigrationPhase, 0, len(m.phases))
	for _, p := range m.phases {
		state, err := m.db.PhaseState(ctx, p.name)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}
