package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"osmcache/internal/model"
)

// scanAll decodes every row of table with the given key prefix. Undecodable
// rows are quarantined as corrupt; rows failing validate are quarantined as
// invariant violations. Both are left out of the result.
func scanAll[T any](ctx context.Context, db *DB, table, prefix string, validate func(T) error) ([]T, error) {
	var out []T
	for row, err := range db.ScanPrefix(ctx, table, prefix) {
		if err != nil {
			return nil, err
		}
		var v T
		if err := row.Decode(&v); err != nil {
			db.logger.Error("Skipping corrupt row", "error", db.corrupt(ctx, table, row.Key, row.Value, err))
			continue
		}
		if validate != nil {
			if err := validate(v); err != nil {
				db.violation(ctx, table, row.Key, row.Value, err)
				continue
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// getByIndex decodes the rows whose indexed attribute equals value
func getByIndex[T any](ctx context.Context, db *DB, table, index, value string, validate func(T) error) ([]T, error) {
	keys, err := db.IndexLookup(ctx, table, index, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		var v T
		ok, err := db.Get(ctx, table, key, &v)
		if IsCorruptRecord(err) {
			db.logger.Error("Skipping corrupt row", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if validate != nil {
			if verr := validate(v); verr != nil {
				raw, _ := json.Marshal(v)
				db.violation(ctx, table, key, raw, verr)
				continue
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func stampAll(tx *Tx, stamps []model.LastSync) error {
	for _, s := range stamps {
		if err := tx.SetLastSync(s.Dataset, s.EpochMs); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceSections replaces every cached section. Members, events and
// SectionMovers rows of sections no longer present are removed with them,
// along with the attendance of their events.
// Stamps are written in the same transaction.
func (db *DB) ReplaceSections(ctx context.Context, sections []model.Section, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		previous, err := tx.Keys(TableSections)
		if err != nil {
			return err
		}
		if err := tx.DeleteAll(TableSections); err != nil {
			return err
		}
		kept := make(map[string]bool, len(sections))
		for _, s := range sections {
			if err := tx.Put(TableSections, s.SectionID, s); err != nil {
				return err
			}
			kept[s.SectionID] = true
		}

		for _, id := range previous {
			if kept[id] {
				continue
			}
			removed, err := deleteSectionRows(tx, id)
			if err != nil {
				return err
			}
			db.logger.Info("Removed rows of vanished section", "section_id", id, "rows", removed)
		}
		return stampAll(tx, stamps)
	})
}

// ListSections returns cached sections ordered by sectionId
func (db *DB) ListSections(ctx context.Context) ([]model.Section, error) {
	return scanAll[model.Section](ctx, db, TableSections, "", nil)
}

func deleteSectionRows(tx *Tx, sectionID string) (int64, error) {
	events, err := tx.KeysWhere(TableEvents, IndexSectionID, sectionID)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, eventID := range events {
		n, err := tx.DeleteWhere(TableAttendance, IndexEventID, eventID)
		if err != nil {
			return 0, err
		}
		removed += n
	}
	for _, table := range []string{TableMembers, TableEvents, TableSectionMovers} {
		n, err := tx.DeleteWhere(table, IndexSectionID, sectionID)
		if err != nil {
			return 0, err
		}
		removed += n
	}
	return removed, nil
}

// ReplaceTerms replaces every cached term. Terms failing validation are
// quarantined instead of stored; their count is returned.
func (db *DB) ReplaceTerms(ctx context.Context, terms []model.Term, stamps ...model.LastSync) (int, error) {
	quarantined := 0
	err := db.Update(ctx, func(tx *Tx) error {
		quarantined = 0
		if err := tx.DeleteAll(TableTerms); err != nil {
			return err
		}
		for _, t := range terms {
			key := model.TermKey(t.SectionID, t.TermID)
			if verr := t.Validate(); verr != nil {
				raw, _ := json.Marshal(t)
				if err := tx.Quarantine(TableTerms, key, raw, verr.Error()); err != nil {
					return err
				}
				quarantined++
				continue
			}
			if err := tx.Put(TableTerms, key, t); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
	if err != nil {
		return 0, err
	}
	if quarantined > 0 {
		db.logger.Error("Invalid terms quarantined", "count", quarantined, "error", ErrInvariantViolation)
	}
	return quarantined, nil
}

// ListTerms returns every cached term. Sections with no migrated term rows
// fall back to the legacy terms blob.
func (db *DB) ListTerms(ctx context.Context) ([]model.Term, error) {
	terms, err := scanAll(ctx, db, TableTerms, "", model.Term.Validate)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool)
	for _, t := range terms {
		have[t.SectionID] = true
	}
	legacy, err := db.legacyTerms(ctx)
	if err != nil {
		return nil, err
	}
	for sectionID, sectionTerms := range legacy {
		if !have[sectionID] {
			terms = append(terms, sectionTerms...)
		}
	}

	sort.SliceStable(terms, func(i, j int) bool {
		if terms[i].SectionID != terms[j].SectionID {
			return terms[i].SectionID < terms[j].SectionID
		}
		return terms[i].TermID < terms[j].TermID
	})
	return terms, nil
}

// TermsForSection returns the terms of one section, falling back to the legacy blob
func (db *DB) TermsForSection(ctx context.Context, sectionID string) ([]model.Term, error) {
	terms, err := getByIndex(ctx, db, TableTerms, IndexSectionID, sectionID, model.Term.Validate)
	if err != nil {
		return nil, err
	}
	if len(terms) > 0 {
		return terms, nil
	}
	legacy, err := db.legacyTerms(ctx)
	if err != nil {
		return nil, err
	}
	return legacy[sectionID], nil
}

func (db *DB) legacyTerms(ctx context.Context) (map[string][]model.Term, error) {
	raw, ok, err := db.LegacyGet(ctx, LegacyTermsKey)
	if err != nil || !ok {
		return nil, err
	}
	valid, _, err := DecodeLegacyTerms(raw)
	if err != nil {
		// The migration pipeline quarantines the blob; reads just skip it
		db.logger.Warn("Unreadable legacy terms blob", "error", err)
		return nil, nil
	}
	return valid, nil
}

// ReplaceCurrentTerms replaces every derived current-term row
func (db *DB) ReplaceCurrentTerms(ctx context.Context, current []model.CurrentTerm, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		if err := tx.DeleteAll(TableCurrentTerms); err != nil {
			return err
		}
		for _, c := range current {
			if err := tx.Put(TableCurrentTerms, c.SectionID, c); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
}

// CurrentTerm returns the current term row of a section
func (db *DB) CurrentTerm(ctx context.Context, sectionID string) (model.CurrentTerm, bool, error) {
	var c model.CurrentTerm
	ok, err := db.Get(ctx, TableCurrentTerms, sectionID, &c)
	if err != nil {
		return model.CurrentTerm{}, false, err
	}
	return c, ok, nil
}

// ListCurrentTerms returns every current term row ordered by sectionId
func (db *DB) ListCurrentTerms(ctx context.Context) ([]model.CurrentTerm, error) {
	return scanAll[model.CurrentTerm](ctx, db, TableCurrentTerms, "", nil)
}

// ReplaceMembers replaces the members of one section; rows of other sections are untouched
func (db *DB) ReplaceMembers(ctx context.Context, sectionID string, members []model.Member, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.DeleteWhere(TableMembers, IndexSectionID, sectionID); err != nil {
			return err
		}
		for _, m := range members {
			m.SectionID = sectionID
			if err := tx.Put(TableMembers, model.MemberKey(m.MemberID, sectionID), m); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
}

// GetMember returns one member row
func (db *DB) GetMember(ctx context.Context, memberID, sectionID string) (model.Member, bool, error) {
	var m model.Member
	ok, err := db.Get(ctx, TableMembers, model.MemberKey(memberID, sectionID), &m)
	if err != nil {
		return model.Member{}, false, err
	}
	return m, ok, nil
}

// MembersForSection returns the members of one section, falling back to its legacy blob
func (db *DB) MembersForSection(ctx context.Context, sectionID string) ([]model.Member, error) {
	members, err := getByIndex[model.Member](ctx, db, TableMembers, IndexSectionID, sectionID, nil)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		return members, nil
	}

	raw, ok, err := db.LegacyGet(ctx, LegacyMembersPrefix+sectionID)
	if err != nil || !ok {
		return members, err
	}
	legacy, err := DecodeLegacyMembers(sectionID, raw)
	if err != nil {
		db.logger.Warn("Unreadable legacy members blob", "section_id", sectionID, "error", err)
		return members, nil
	}
	return legacy, nil
}

// ListMembers returns every cached member. Sections with no migrated member
// rows fall back to their legacy blob.
func (db *DB) ListMembers(ctx context.Context) ([]model.Member, error) {
	members, err := scanAll[model.Member](ctx, db, TableMembers, "", nil)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool)
	for _, m := range members {
		have[m.SectionID] = true
	}
	for blob, err := range db.LegacyScan(ctx, LegacyMembersPrefix) {
		if err != nil {
			return nil, err
		}
		sectionID, ok := LegacyMembersSection(blob.Key)
		if !ok || have[sectionID] {
			continue
		}
		legacy, err := DecodeLegacyMembers(sectionID, blob.Value)
		if err != nil {
			db.logger.Warn("Unreadable legacy members blob", "section_id", sectionID, "error", err)
			continue
		}
		members = append(members, legacy...)
	}
	return members, nil
}

// ReplaceEvents replaces the events of one section
func (db *DB) ReplaceEvents(ctx context.Context, sectionID string, events []model.Event, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.DeleteWhere(TableEvents, IndexSectionID, sectionID); err != nil {
			return err
		}
		for _, e := range events {
			e.SectionID = sectionID
			if err := tx.Put(TableEvents, e.EventID, e); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
}

// ListEvents returns every cached event ordered by eventId
func (db *DB) ListEvents(ctx context.Context) ([]model.Event, error) {
	return scanAll[model.Event](ctx, db, TableEvents, "", nil)
}

// EventsForSection returns the cached events of one section
func (db *DB) EventsForSection(ctx context.Context, sectionID string) ([]model.Event, error) {
	return getByIndex[model.Event](ctx, db, TableEvents, IndexSectionID, sectionID, nil)
}

// ReplaceAttendance replaces the attendance rows of one event
func (db *DB) ReplaceAttendance(ctx context.Context, eventID string, records []model.AttendanceRecord, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.DeleteWhere(TableAttendance, IndexEventID, eventID); err != nil {
			return err
		}
		for _, r := range records {
			r.EventID = eventID
			if err := tx.Put(TableAttendance, model.AttendanceKey(eventID, r.MemberID), r); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
}

// AttendanceForEvent returns the attendance rows of one event
func (db *DB) AttendanceForEvent(ctx context.Context, eventID string) ([]model.AttendanceRecord, error) {
	return scanAll[model.AttendanceRecord](ctx, db, TableAttendance, eventID+"|", nil)
}

// ReplaceSectionMovers replaces the SectionMovers record of one section.
// A nil record clears the section.
func (db *DB) ReplaceSectionMovers(ctx context.Context, sectionID string, rec *model.FlexiRecord, stamps ...model.LastSync) error {
	return db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.DeleteWhere(TableSectionMovers, IndexSectionID, sectionID); err != nil {
			return err
		}
		if rec != nil {
			r := *rec
			r.SectionID = sectionID
			if err := tx.Put(TableSectionMovers, model.FlexiRecordKey(r.FlexiRecordID, sectionID), r); err != nil {
				return err
			}
		}
		return stampAll(tx, stamps)
	})
}

// ListFlexiRecords returns every SectionMovers record. Legacy flexi blobs not
// yet migrated are included.
func (db *DB) ListFlexiRecords(ctx context.Context) ([]model.FlexiRecord, error) {
	records, err := scanAll[model.FlexiRecord](ctx, db, TableSectionMovers, "", nil)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool)
	for _, r := range records {
		have[model.FlexiRecordKey(r.FlexiRecordID, r.SectionID)] = true
	}
	for blob, err := range db.LegacyScan(ctx, LegacyFlexiPrefix) {
		if err != nil {
			return nil, err
		}
		rec, err := DecodeLegacyFlexi(blob.Key, blob.Value)
		if err != nil {
			db.logger.Warn("Unreadable legacy flexi blob", "key", blob.Key, "error", err)
			continue
		}
		key := model.FlexiRecordKey(rec.FlexiRecordID, rec.SectionID)
		if have[key] {
			continue
		}
		have[key] = true
		records = append(records, rec)
	}
	return records, nil
}

// HasCachedData reports whether anything usable offline is stored
func (db *DB) HasCachedData(ctx context.Context) (bool, error) {
	for _, table := range []string{TableSections, TableMembers, TableEvents} {
		n, err := db.Count(ctx, table)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	ok, err := db.HasLegacyData(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check cached data: %w", err)
	}
	return ok, nil
}
