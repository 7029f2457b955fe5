package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"osmcache/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseOperations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	t.Run("PutAndGet", func(t *testing.T) {
		section := model.Section{SectionID: "S1", SectionName: "Beavers", SectionType: "beavers"}
		if err := db.Put(ctx, TableSections, "S1", section); err != nil {
			t.Fatalf("Failed to put section: %v", err)
		}

		var got model.Section
		ok, err := db.Get(ctx, TableSections, "S1", &got)
		if err != nil {
			t.Fatalf("Failed to get section: %v", err)
		}
		if !ok {
			t.Fatal("Expected section to be found")
		}
		if got != section {
			t.Errorf("Expected %+v, got %+v", section, got)
		}

		section.SectionName = "Cubs"
		if err := db.Put(ctx, TableSections, "S1", section); err != nil {
			t.Fatalf("Failed to overwrite section: %v", err)
		}
		if _, err := db.Get(ctx, TableSections, "S1", &got); err != nil {
			t.Fatalf("Failed to get section: %v", err)
		}
		if got.SectionName != "Cubs" {
			t.Errorf("Expected overwritten name Cubs, got %s", got.SectionName)
		}
	})

	t.Run("GetAbsent", func(t *testing.T) {
		var got model.Section
		ok, err := db.Get(ctx, TableSections, "missing", &got)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ok {
			t.Error("Expected absent key to report not found")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := db.Put(ctx, TableSections, "S9", model.Section{SectionID: "S9"}); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
		if err := db.Delete(ctx, TableSections, "S9"); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if err := db.Delete(ctx, TableSections, "S9"); err != nil {
			t.Errorf("Expected deleting absent key to succeed, got %v", err)
		}
		var got model.Section
		if ok, _ := db.Get(ctx, TableSections, "S9", &got); ok {
			t.Error("Expected row to be deleted")
		}
	})

	t.Run("UnknownTable", func(t *testing.T) {
		err := db.Put(ctx, "sections; DROP TABLE auth", "k", 1)
		if !errors.Is(err, ErrUnknownTable) {
			t.Errorf("Expected ErrUnknownTable, got %v", err)
		}
		_, err = db.IndexLookup(ctx, TableSections, IndexSectionID, "S1")
		if !errors.Is(err, ErrUnknownIndex) {
			t.Errorf("Expected ErrUnknownIndex, got %v", err)
		}
	})
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// More rows than one page so the scan has to resume by key
	const n = 600
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("E1|%04d", i)
		rec := model.AttendanceRecord{EventID: "E1", MemberID: fmt.Sprintf("%04d", i), SectionID: "S1"}
		if err := db.Put(ctx, TableAttendance, key, rec); err != nil {
			t.Fatalf("Failed to put row %d: %v", i, err)
		}
	}
	if err := db.Put(ctx, TableAttendance, "E2|0001", model.AttendanceRecord{EventID: "E2", MemberID: "0001"}); err != nil {
		t.Fatalf("Failed to put row: %v", err)
	}

	count := 0
	prev := ""
	for row, err := range db.ScanPrefix(ctx, TableAttendance, "E1|") {
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if !strings.HasPrefix(row.Key, "E1|") {
			t.Fatalf("Scan returned key outside prefix: %s", row.Key)
		}
		if row.Key <= prev {
			t.Fatalf("Keys out of order: %s after %s", row.Key, prev)
		}
		prev = row.Key
		count++
	}
	if count != n {
		t.Errorf("Expected %d rows, got %d", n, count)
	}

	// Restartable: a second range over the same sequence sees the same rows
	seq := db.ScanPrefix(ctx, TableAttendance, "E2|")
	for range 2 {
		got := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			got++
		}
		if got != 1 {
			t.Errorf("Expected 1 row for E2, got %d", got)
		}
	}

	// Early break
	seen := 0
	for range db.ScanPrefix(ctx, TableAttendance, "") {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Errorf("Expected to stop after 3 rows, got %d", seen)
	}
}

func TestIndexLookupAndDeleteTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	members := []model.Member{
		{MemberID: "1", SectionID: "S1"},
		{MemberID: "2", SectionID: "S1"},
		{MemberID: "1", SectionID: "S2"},
	}
	for _, m := range members {
		if err := db.Put(ctx, TableMembers, model.MemberKey(m.MemberID, m.SectionID), m); err != nil {
			t.Fatalf("Failed to put member: %v", err)
		}
	}

	keys, err := db.IndexLookup(ctx, TableMembers, IndexSectionID, "S1")
	if err != nil {
		t.Fatalf("Index lookup failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "1|S1" || keys[1] != "2|S1" {
		t.Errorf("Expected [1|S1 2|S1], got %v", keys)
	}

	keys, err = db.IndexLookup(ctx, TableMembers, IndexMemberID, "1")
	if err != nil {
		t.Fatalf("Index lookup failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected member 1 in two sections, got %v", keys)
	}

	if err := db.DeleteTable(ctx, TableMembers); err != nil {
		t.Fatalf("Failed to delete table: %v", err)
	}
	n, err := db.Count(ctx, TableMembers)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty table, got %d rows", n)
	}
}

func TestCorruptRecordIsQuarantined(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.Conn().Exec(`INSERT INTO sections (key, value, updated_at) VALUES ('S1', '{not json', 0)`); err != nil {
		t.Fatalf("Failed to insert corrupt row: %v", err)
	}

	var got model.Section
	ok, err := db.Get(ctx, TableSections, "S1", &got)
	if !IsCorruptRecord(err) {
		t.Fatalf("Expected ErrCorruptRecord, got %v", err)
	}
	if ok {
		t.Error("Expected corrupt row not to be returned")
	}

	n, _ := db.Count(ctx, TableSections)
	if n != 0 {
		t.Errorf("Expected corrupt row to be deleted, %d rows remain", n)
	}

	quarantined, err := db.ListQuarantine(ctx, TableSections)
	if err != nil {
		t.Fatalf("Failed to list quarantine: %v", err)
	}
	if len(quarantined) != 1 || quarantined[0].SourceKey != "S1" || quarantined[0].Raw != "{not json" {
		t.Errorf("Expected quarantined copy of S1, got %+v", quarantined)
	}
}

func TestQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// Caps the file at its current size
	if err := db.SetMaxPages(ctx, 1); err != nil {
		t.Fatalf("Failed to set max pages: %v", err)
	}

	big := strings.Repeat("x", 16*1024)
	var err error
	for i := 0; i < 200 && err == nil; i++ {
		err = db.Put(ctx, TableSections, fmt.Sprintf("S%03d", i), model.Section{SectionID: "S", SectionName: big})
	}
	if !IsQuotaExceeded(err) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
}

func TestUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(TableSections, "S1", model.Section{SectionID: "S1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	n, _ := db.Count(ctx, TableSections)
	if n != 0 {
		t.Errorf("Expected rollback to leave no rows, got %d", n)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/test.db"

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Put(ctx, TableSections, "S1", model.Section{SectionID: "S1"}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	var got model.Section
	ok, err := db.Get(ctx, TableSections, "S1", &got)
	if err != nil || !ok {
		t.Fatalf("Expected section to survive reopen, ok=%v err=%v", ok, err)
	}
}

func TestLegacyBlobs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.LegacyPut(ctx, "members:S1", []byte("[]")); err == nil {
		t.Error("Expected error for key without legacy prefix")
	}

	for _, key := range []string{"legacy:members:S1", "legacy:members:S2", "legacy:terms"} {
		if err := db.LegacyPut(ctx, key, []byte("[]")); err != nil {
			t.Fatalf("Failed to put %s: %v", key, err)
		}
	}

	var keys []string
	for blob, err := range db.LegacyScan(ctx, LegacyMembersPrefix) {
		if err != nil {
			t.Fatalf("Legacy scan failed: %v", err)
		}
		keys = append(keys, blob.Key)
	}
	if len(keys) != 2 || keys[0] != "legacy:members:S1" || keys[1] != "legacy:members:S2" {
		t.Errorf("Unexpected legacy keys: %v", keys)
	}

	if err := db.LegacyDelete(ctx, "legacy:terms"); err != nil {
		t.Fatalf("Failed to delete legacy blob: %v", err)
	}
	if _, ok, _ := db.LegacyGet(ctx, "legacy:terms"); ok {
		t.Error("Expected legacy blob to be deleted")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc", "abd", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := prefixEnd(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("prefixEnd(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
