package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// Legacy blob keys written by earlier schema versions
const (
	LegacyTermsKey      = "legacy:terms"
	LegacyMembersPrefix = "legacy:members:"
	LegacyFlexiPrefix   = "legacy:flexi_"
)

const legacyUpsertSQL = `
	INSERT INTO legacy_blobs (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// LegacyBlob is a raw pre-migration entry
type LegacyBlob struct {
	Key   string
	Value []byte
}

// LegacyGet returns the raw bytes of a legacy blob
func (db *DB) LegacyGet(ctx context.Context, key string) ([]byte, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLegacyGet))
	defer timer.ObserveDuration()

	var value []byte
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM legacy_blobs WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get legacy blob %s: %w", key, db.fail(metrics.DBOpLegacyGet, err))
	}
	return value, true, nil
}

// LegacyPut stores a raw blob in the legacy namespace. Keys must carry the legacy: prefix.
func (db *DB) LegacyPut(ctx context.Context, key string, value []byte) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLegacyPut))
	defer timer.ObserveDuration()

	if !strings.HasPrefix(key, LegacyPrefix) {
		return fmt.Errorf("legacy key %q must start with %q", key, LegacyPrefix)
	}
	if _, err := db.conn.ExecContext(ctx, legacyUpsertSQL, key, value, db.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to put legacy blob %s: %w", key, db.fail(metrics.DBOpLegacyPut, err))
	}
	return nil
}

// LegacyDelete removes a legacy blob; deleting an absent key is not an error
func (db *DB) LegacyDelete(ctx context.Context, key string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLegacyDelete))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, "DELETE FROM legacy_blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete legacy blob %s: %w", key, db.fail(metrics.DBOpLegacyDelete, err))
	}
	return nil
}

// LegacyScan returns the legacy blobs whose key starts with prefix, in key order
func (db *DB) LegacyScan(ctx context.Context, prefix string) iter.Seq2[LegacyBlob, error] {
	return func(yield func(LegacyBlob, error) bool) {
		blobs, err := db.legacyList(ctx, prefix)
		if err != nil {
			yield(LegacyBlob{}, err)
			return
		}
		for _, b := range blobs {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// legacyList reads every matching blob so no rows stay open while callers write
func (db *DB) legacyList(ctx context.Context, prefix string) ([]LegacyBlob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLegacyScan))
	defer timer.ObserveDuration()

	query := "SELECT key, value FROM legacy_blobs WHERE key >= ?"
	args := []any{prefix}
	if end, ok := prefixEnd(prefix); ok {
		query += " AND key < ?"
		args = append(args, end)
	}
	query += " ORDER BY key"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan legacy blobs: %w", db.fail(metrics.DBOpLegacyScan, err))
	}
	defer rows.Close()

	var blobs []LegacyBlob
	for rows.Next() {
		var b LegacyBlob
		if err := rows.Scan(&b.Key, &b.Value); err != nil {
			return nil, fmt.Errorf("failed to scan legacy blob: %w", db.fail(metrics.DBOpLegacyScan, err))
		}
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate legacy blobs: %w", db.fail(metrics.DBOpLegacyScan, err))
	}
	return blobs, nil
}

// HasLegacyData reports whether any legacy blob remains
func (db *DB) HasLegacyData(ctx context.Context) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM legacy_blobs LIMIT 1").Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check legacy blobs: %w", db.fail(metrics.DBOpLegacyScan, err))
	}
	return true, nil
}

// flexID accepts identifiers encoded either as JSON strings or numbers
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type legacyTerm struct {
	TermID    flexID `json:"termId"`
	SectionID flexID `json:"sectionId"`
	Name      string `json:"name"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// DecodeLegacyTerms parses the legacy:terms blob, a map of sectionId to terms.
// Terms whose dates cannot be parsed are returned in invalid with their section.
func DecodeLegacyTerms(raw []byte) (valid map[string][]model.Term, invalid []model.Term, err error) {
	var bySection map[string][]legacyTerm
	if err := json.Unmarshal(raw, &bySection); err != nil {
		return nil, nil, fmt.Errorf("failed to decode legacy terms: %w", err)
	}

	valid = make(map[string][]model.Term, len(bySection))
	for sectionID, entries := range bySection {
		for _, e := range entries {
			t := model.Term{
				TermID:    string(e.TermID),
				SectionID: sectionID,
				Name:      e.Name,
			}
			start, startErr := model.ParseDate(e.StartDate)
			end, endErr := model.ParseDate(e.EndDate)
			t.StartDate, t.EndDate = start, end
			if startErr != nil || endErr != nil || t.Validate() != nil {
				invalid = append(invalid, t)
				continue
			}
			valid[sectionID] = append(valid[sectionID], t)
		}
	}
	return valid, invalid, nil
}

type legacyMember struct {
	MemberID    flexID `json:"memberId"`
	ScoutID     flexID `json:"scoutid"`
	SectionID   flexID `json:"sectionId"`
	SectionName string `json:"sectionName"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
	PersonType  string `json:"personType"`
	Patrol      string `json:"patrol"`
}

// DecodeLegacyMembers parses a legacy:members:{sectionId} blob, deduplicating
// by memberId within the section. The last occurrence wins.
func DecodeLegacyMembers(sectionID string, raw []byte) ([]model.Member, error) {
	var entries []legacyMember
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode legacy members for section %s: %w", sectionID, err)
	}

	index := make(map[string]int, len(entries))
	var members []model.Member
	for _, e := range entries {
		id := string(e.MemberID)
		if id == "" {
			id = string(e.ScoutID)
		}
		if id == "" {
			continue
		}
		m := model.Member{
			MemberID:    id,
			SectionID:   sectionID,
			SectionName: e.SectionName,
			FirstName:   e.FirstName,
			LastName:    e.LastName,
			PersonType:  model.ParsePersonType(e.PersonType),
			Patrol:      e.Patrol,
		}
		if dob, err := model.ParseDate(e.DateOfBirth); err == nil && !dob.IsZero() {
			m.DateOfBirth = &dob
		}
		if i, ok := index[id]; ok {
			members[i] = m
			continue
		}
		index[id] = len(members)
		members = append(members, m)
	}
	return members, nil
}

// LegacyMembersSection extracts the section id from a legacy members key
func LegacyMembersSection(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, LegacyMembersPrefix)
	return id, ok && id != ""
}

type legacyMark struct {
	MemberID        flexID `json:"memberId"`
	ScoutID         flexID `json:"scoutid"`
	TargetSection   flexID `json:"targetSection"`
	FlexiRecordTerm string `json:"flexiRecordTerm"`
}

type legacyFlexi struct {
	FlexiRecordID flexID       `json:"flexiRecordId"`
	SectionID     flexID       `json:"sectionId"`
	TermID        flexID       `json:"termId"`
	Name          string       `json:"name"`
	Items         []legacyMark `json:"items"`
}

// DecodeLegacyFlexi parses a legacy:flexi_{flexiRecordId}_{sectionId}_{termId}
// blob. Identifiers in the value override those parsed from the key.
func DecodeLegacyFlexi(key string, raw []byte) (model.FlexiRecord, error) {
	var v legacyFlexi
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.FlexiRecord{}, fmt.Errorf("failed to decode legacy flexi record %s: %w", key, err)
	}

	rec := model.FlexiRecord{
		FlexiRecordID: string(v.FlexiRecordID),
		SectionID:     string(v.SectionID),
		TermID:        string(v.TermID),
		Name:          v.Name,
	}
	if parts := strings.Split(strings.TrimPrefix(key, LegacyFlexiPrefix), "_"); len(parts) == 3 {
		if rec.FlexiRecordID == "" {
			rec.FlexiRecordID = parts[0]
		}
		if rec.SectionID == "" {
			rec.SectionID = parts[1]
		}
		if rec.TermID == "" {
			rec.TermID = parts[2]
		}
	}
	if rec.FlexiRecordID == "" || rec.SectionID == "" {
		return model.FlexiRecord{}, fmt.Errorf("legacy flexi record %s has no record or section id", key)
	}

	rec.Items = make([]model.MoverMark, 0, len(v.Items))
	for _, item := range v.Items {
		id := string(item.MemberID)
		if id == "" {
			id = string(item.ScoutID)
		}
		if id == "" {
			continue
		}
		rec.Items = append(rec.Items, model.MoverMark{
			MemberID:        id,
			TargetSection:   string(item.TargetSection),
			FlexiRecordTerm: strings.TrimSpace(item.FlexiRecordTerm),
		})
	}
	return rec, nil
}
