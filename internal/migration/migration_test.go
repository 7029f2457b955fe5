package migration

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"osmcache/internal/database"
	"osmcache/internal/model"
)

const (
	legacyTerms = `{
		"S1": [
			{"termId": "T2", "name": "Spring 2025", "startDate": "2025-01-06", "endDate": "2025-04-01"},
			{"termId": "T1", "name": "Autumn 2024", "startDate": "2024-09-01", "endDate": "2024-12-20"}
		],
		"S2": [
			{"termid": 9, "name": "Broken", "startdate": "not a date", "enddate": "2025-01-01"},
			{"termid": 8, "name": "Summer 2024", "startdate": "2024-04-01", "enddate": "2024-07-20"}
		]
	}`
	legacyMembersS1 = `[
		{"memberId": "1", "firstName": "Alice", "lastName": "A", "dateOfBirth": "2016-05-01"},
		{"memberId": "2", "firstName": "Ben", "lastName": "B"},
		{"memberId": "1", "firstName": "Alice", "lastName": "Updated"}
	]`
	legacyMembersS2 = `[{"scoutid": 1, "firstName": "Alice", "lastName": "A"}]`
	legacyFlexi     = `{"name": "Section Movers", "items": [{"memberId": "1", "targetSection": "S2", "flexiRecordTerm": "Spring 2025"}]}`
)

var today = model.MustParseDate("2024-11-15")

const nowMs = int64(1731672000000)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestMigrator(db *database.DB) *Migrator {
	return New(db, nil, func() model.Date { return today }, func() int64 { return nowMs })
}

func seedLegacy(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	blobs := map[string]string{
		database.LegacyTermsKey:                 legacyTerms,
		database.LegacyMembersPrefix + "S1":     legacyMembersS1,
		database.LegacyMembersPrefix + "S2":     legacyMembersS2,
		database.LegacyFlexiPrefix + "F1_S1_T1": legacyFlexi,
	}
	for k, v := range blobs {
		if err := db.LegacyPut(ctx, k, []byte(v)); err != nil {
			t.Fatalf("Failed to put %s: %v", k, err)
		}
	}
}

type snapshot struct {
	terms   []model.Term
	current []model.CurrentTerm
	members []model.Member
	flexi   []model.FlexiRecord
}

func takeSnapshot(t *testing.T, db *database.DB) snapshot {
	t.Helper()
	ctx := context.Background()
	var s snapshot
	var err error
	if s.terms, err = db.ListTerms(ctx); err != nil {
		t.Fatalf("Failed to list terms: %v", err)
	}
	if s.current, err = db.ListCurrentTerms(ctx); err != nil {
		t.Fatalf("Failed to list current terms: %v", err)
	}
	if s.members, err = db.ListMembers(ctx); err != nil {
		t.Fatalf("Failed to list members: %v", err)
	}
	if s.flexi, err = db.ListFlexiRecords(ctx); err != nil {
		t.Fatalf("Failed to list flexi records: %v", err)
	}
	return s
}

func TestRunMigratesEveryPhase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedLegacy(t, db)

	report, err := newTestMigrator(db).Run(ctx)
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	if len(report.Phases) != 3 {
		t.Fatalf("Expected 3 phase results, got %d", len(report.Phases))
	}
	for _, p := range report.Phases {
		if p.State != model.PhaseCompleted || p.Skipped {
			t.Errorf("Expected phase %s completed, got %+v", p.Phase, p)
		}
	}
	if report.Phases[0].Quarantined != 1 {
		t.Errorf("Expected 1 quarantined term, got %d", report.Phases[0].Quarantined)
	}

	current, ok, err := db.CurrentTerm(ctx, "S1")
	if err != nil || !ok {
		t.Fatalf("Expected current term for S1: %v", err)
	}
	if current.CurrentTermID != "T1" || current.LastUpdatedEpochMs != nowMs {
		t.Errorf("Expected T1 as current term, got %+v", current)
	}
	current, _, _ = db.CurrentTerm(ctx, "S2")
	if current.CurrentTermID != "8" {
		t.Errorf("Expected most recent past term 8 for S2, got %+v", current)
	}

	terms, _ := db.TermsForSection(ctx, "S1")
	if len(terms) != 2 {
		t.Errorf("Expected 2 terms for S1, got %+v", terms)
	}

	s1, _ := db.MembersForSection(ctx, "S1")
	if len(s1) != 2 {
		t.Fatalf("Expected duplicates collapsed to 2 members, got %+v", s1)
	}
	if m, ok, _ := db.GetMember(ctx, "1", "S1"); !ok || m.LastName != "Updated" {
		t.Errorf("Expected last occurrence to win, got %+v", m)
	}
	if _, ok, _ := db.GetMember(ctx, "1", "S2"); !ok {
		t.Error("Expected member 1 to stay in S2 as a separate row")
	}

	flexi, _ := db.ListFlexiRecords(ctx)
	if len(flexi) != 1 || flexi[0].FlexiRecordID != "F1" || flexi[0].SectionID != "S1" || len(flexi[0].Items) != 1 {
		t.Errorf("Unexpected flexi records: %+v", flexi)
	}

	if left, _ := db.HasLegacyData(ctx); left {
		t.Error("Expected every legacy blob to be removed")
	}
	quarantined, _ := db.ListQuarantine(ctx, database.TableTerms)
	if len(quarantined) != 1 || !strings.Contains(quarantined[0].Raw, "Broken") {
		t.Errorf("Expected broken term in quarantine, got %+v", quarantined)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedLegacy(t, db)

	if _, err := newTestMigrator(db).Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	first := takeSnapshot(t, db)

	// A crash after the writes but before completion was recorded
	seedLegacy(t, db)
	for _, p := range []string{PhaseTerms, PhaseMembers, PhaseFlexiRecords} {
		if err := db.SetPhaseState(ctx, p, model.PhaseInProgress, ""); err != nil {
			t.Fatalf("Failed to reset phase %s: %v", p, err)
		}
	}

	if _, err := newTestMigrator(db).Run(ctx); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	second := takeSnapshot(t, db)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical tables after re-run\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestFailedPhaseIsIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedLegacy(t, db)

	m := newTestMigrator(db)
	m.phases[2].apply = func(tx *database.Tx, blobs []database.LegacyBlob, c *counts) error {
		return errors.New("disk on fire")
	}

	report, err := m.Run(ctx)
	if !errors.Is(err, ErrMigrationPhaseFailed) {
		t.Fatalf("Expected ErrMigrationPhaseFailed, got %v", err)
	}
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseFlexiRecords {
		t.Errorf("Expected failure in %s, got %v", PhaseFlexiRecords, err)
	}
	if report.Phases[2].State != model.PhaseFailed {
		t.Errorf("Expected failed phase in report, got %+v", report.Phases[2])
	}

	// Members stay readable from migrated rows
	if members, _ := db.MembersForSection(ctx, "S1"); len(members) != 2 {
		t.Errorf("Expected migrated members, got %+v", members)
	}
	state, _ := db.PhaseState(ctx, PhaseFlexiRecords)
	if state.State != model.PhaseFailed || state.Error == "" {
		t.Errorf("Expected failed state with error, got %+v", state)
	}
	// The legacy blob is still served through the fallback reader
	if flexi, _ := db.ListFlexiRecords(ctx); len(flexi) != 1 {
		t.Errorf("Expected legacy flexi record via fallback, got %+v", flexi)
	}

	report, err = newTestMigrator(db).Run(ctx)
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if !report.Phases[0].Skipped || !report.Phases[1].Skipped || report.Phases[2].Skipped {
		t.Errorf("Expected only the failed phase to run again, got %+v", report.Phases)
	}
	if left, _ := db.HasLegacyData(ctx); left {
		t.Error("Expected legacy blobs removed after resume")
	}
}

func TestCompletedPhaseOnlyCleansUp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.SetPhaseState(ctx, PhaseTerms, model.PhaseCompleted, ""); err != nil {
		t.Fatalf("Failed to set phase state: %v", err)
	}
	if err := db.LegacyPut(ctx, database.LegacyTermsKey, []byte(legacyTerms)); err != nil {
		t.Fatalf("Failed to put legacy terms: %v", err)
	}

	report, err := newTestMigrator(db).Run(ctx)
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	if !report.Phases[0].Skipped {
		t.Errorf("Expected terms phase skipped, got %+v", report.Phases[0])
	}
	if _, ok, _ := db.LegacyGet(ctx, database.LegacyTermsKey); ok {
		t.Error("Expected leftover blob to be removed")
	}
	if n, _ := db.Count(ctx, database.TableTerms); n != 0 {
		t.Errorf("Expected no terms written by a completed phase, got %d", n)
	}
}

func TestRunWithoutLegacyData(t *testing.T) {
	db := openTestDB(t)
	m := newTestMigrator(db)

	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	for _, p := range report.Phases {
		if p.Rows != 0 || p.State != model.PhaseCompleted {
			t.Errorf("Expected empty completed phase, got %+v", p)
		}
	}

	states, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if len(states) != 3 || states[0].Phase != PhaseTerms {
		t.Errorf("Unexpected phase states: %+v", states)
	}
}

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	export := `{"legacy:terms": {"S1": []}, "legacy:members:S1": [{"memberId": "1"}]}`
	n, err := ImportLegacy(ctx, db, strings.NewReader(export))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 blobs imported, got %d", n)
	}
	raw, ok, _ := db.LegacyGet(ctx, "legacy:members:S1")
	if !ok || !strings.Contains(string(raw), `"memberId"`) {
		t.Errorf("Expected raw members blob, got %s", raw)
	}

	if _, err := ImportLegacy(ctx, db, strings.NewReader(`{"members": []}`)); err == nil {
		t.Error("Expected error for key without legacy prefix")
	}
}

func TestImportAfterCompletedRunIsMigrated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := newTestMigrator(db)

	// A first start with no legacy data completes every phase
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	export := `{"legacy:members:S9": [{"memberId": "7", "firstName": "Gita", "lastName": "G"}]}`
	if _, err := ImportLegacy(ctx, db, strings.NewReader(export)); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	state, err := db.PhaseState(ctx, PhaseMembers)
	if err != nil {
		t.Fatalf("Failed to read phase state: %v", err)
	}
	if state.State != model.PhaseNotStarted {
		t.Errorf("Expected members phase reset to %s, got %s", model.PhaseNotStarted, state.State)
	}
	if state, _ := db.PhaseState(ctx, PhaseTerms); state.State != model.PhaseCompleted {
		t.Errorf("Expected terms phase to stay completed, got %s", state.State)
	}

	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if report.Phases[1].Skipped || report.Phases[1].Rows != 1 {
		t.Errorf("Expected members phase to migrate 1 row, got %+v", report.Phases[1])
	}

	if _, ok, _ := db.LegacyGet(ctx, "legacy:members:S9"); ok {
		t.Error("Expected imported blob to be removed after migration")
	}
	members, err := db.MembersForSection(ctx, "S9")
	if err != nil {
		t.Fatalf("Failed to read members: %v", err)
	}
	if len(members) != 1 || members[0].MemberID != "7" || members[0].FirstName != "Gita" {
		t.Errorf("Expected migrated member 7, got %+v", members)
	}
}
