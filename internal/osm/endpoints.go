package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// OSM API paths
const (
	pathResource   = "/oauth/resource"
	pathTerms      = "/api.php"
	pathMembers    = "/ext/members/contact/"
	pathEvents     = "/ext/events/summary/"
	pathAttendance = "/ext/events/event/"
	pathFlexi      = "/ext/members/flexirecords/"
)

// FlexiRecordInfo identifies one flexi record of a section
type FlexiRecordInfo struct {
	FlexiRecordID string `json:"flexiRecordId"`
	Name          string `json:"name"`
}

// FlexiStructure maps the columns of a flexi record to their field ids
type FlexiStructure struct {
	FlexiRecordID string
	Name          string
	// Columns maps a column label to its field id, e.g. "Target Section" -> "f_1"
	Columns map[string]string
}

// FlexiRow is one member's row of flexi data with cells rendered as text
type FlexiRow struct {
	MemberID string
	Fields   map[string]string
}

// Probe validates the current token with one cheap call. It is the only
// call allowed while the blocked flag is set.
func (c *Client) Probe(ctx context.Context) error {
	var resp sectionsResponse
	return c.get(ctx, metrics.OpProbe, pathResource, nil, &resp, true)
}

// ListSections returns the sections the token can see
func (c *Client) ListSections(ctx context.Context) ([]model.Section, error) {
	var resp sectionsResponse
	if err := c.get(ctx, metrics.OpListSections, pathResource, nil, &resp, false); err != nil {
		if IsNotFound(err) {
			return []model.Section{}, nil
		}
		return nil, err
	}

	sections := make([]model.Section, 0, len(resp.Data.Sections))
	for _, s := range resp.Data.Sections {
		if s.SectionID == "" {
			return nil, transportError(metrics.OpListSections, fmt.Errorf("section without id"))
		}
		sections = append(sections, model.Section{
			SectionID:   string(s.SectionID),
			SectionName: strings.TrimSpace(s.SectionName),
			SectionType: strings.TrimSpace(s.SectionType),
		})
	}
	return sections, nil
}

// ListTerms returns every term of every visible section
func (c *Client) ListTerms(ctx context.Context) ([]model.Term, error) {
	var resp map[string][]termWire
	params := url.Values{"action": {"getTerms"}}
	if err := c.get(ctx, metrics.OpListTerms, pathTerms, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []model.Term{}, nil
		}
		return nil, err
	}

	sectionIDs := make([]string, 0, len(resp))
	for id := range resp {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)

	var terms []model.Term
	for _, sectionID := range sectionIDs {
		for _, w := range resp[sectionID] {
			t, err := w.toModel(sectionID)
			if err != nil {
				return nil, transportError(metrics.OpListTerms, err)
			}
			terms = append(terms, t)
		}
	}
	if terms == nil {
		terms = []model.Term{}
	}
	return terms, nil
}

// ListMembers returns the members of a section in a term
func (c *Client) ListMembers(ctx context.Context, section model.Section, termID string) ([]model.Member, error) {
	var resp itemsResponse[memberWire]
	params := url.Values{
		"action":    {"getListOfMembers"},
		"sectionid": {section.SectionID},
		"termid":    {termID},
	}
	if err := c.get(ctx, metrics.OpListMembers, pathMembers, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []model.Member{}, nil
		}
		return nil, err
	}

	members := make([]model.Member, 0, len(resp.Items))
	for _, w := range resp.Items {
		m, err := w.toModel(section.SectionID, section.SectionName)
		if err != nil {
			return nil, transportError(metrics.OpListMembers, err)
		}
		members = append(members, m)
	}
	return members, nil
}

// ListEvents returns the events of a section in a term
func (c *Client) ListEvents(ctx context.Context, section model.Section, termID string) ([]model.Event, error) {
	var resp itemsResponse[eventWire]
	params := url.Values{
		"action":    {"get"},
		"sectionid": {section.SectionID},
		"termid":    {termID},
	}
	if err := c.get(ctx, metrics.OpListEvents, pathEvents, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []model.Event{}, nil
		}
		return nil, err
	}

	events := make([]model.Event, 0, len(resp.Items))
	for _, w := range resp.Items {
		e, err := w.toModel(section.SectionID, section.SectionName)
		if err != nil {
			return nil, transportError(metrics.OpListEvents, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// GetAttendance returns the attendance rows of one event
func (c *Client) GetAttendance(ctx context.Context, event model.Event, termID string) ([]model.AttendanceRecord, error) {
	var resp itemsResponse[attendanceWire]
	params := url.Values{
		"action":    {"getAttendance"},
		"eventid":   {event.EventID},
		"sectionid": {event.SectionID},
		"termid":    {termID},
	}
	if err := c.get(ctx, metrics.OpGetAttendance, pathAttendance, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []model.AttendanceRecord{}, nil
		}
		return nil, err
	}

	records := make([]model.AttendanceRecord, 0, len(resp.Items))
	for _, w := range resp.Items {
		r, err := w.toModel(event.EventID, event.SectionID)
		if err != nil {
			return nil, transportError(metrics.OpGetAttendance, err)
		}
		if r.SectionName == "" && r.SectionID == event.SectionID {
			r.SectionName = event.SectionName
		}
		records = append(records, r)
	}
	return records, nil
}

// ListFlexiRecords discovers the flexi records of a section
func (c *Client) ListFlexiRecords(ctx context.Context, sectionID string) ([]FlexiRecordInfo, error) {
	var resp itemsResponse[flexiListWire]
	params := url.Values{
		"action":    {"getFlexiRecords"},
		"sectionid": {sectionID},
	}
	if err := c.get(ctx, metrics.OpListFlexi, pathFlexi, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []FlexiRecordInfo{}, nil
		}
		return nil, err
	}

	records := make([]FlexiRecordInfo, 0, len(resp.Items))
	for _, w := range resp.Items {
		if w.ExtraID == "" {
			return nil, transportError(metrics.OpListFlexi, fmt.Errorf("flexi record without extraid"))
		}
		records = append(records, FlexiRecordInfo{FlexiRecordID: string(w.ExtraID), Name: strings.TrimSpace(w.Name)})
	}
	return records, nil
}

// FlexiStructure returns the column layout of a flexi record
func (c *Client) FlexiStructure(ctx context.Context, sectionID, flexiRecordID string) (FlexiStructure, error) {
	var resp flexiStructureWire
	params := url.Values{
		"action":    {"getStructure"},
		"sectionid": {sectionID},
		"extraid":   {flexiRecordID},
	}
	if err := c.get(ctx, metrics.OpFlexiStructure, pathFlexi, params, &resp, false); err != nil {
		return FlexiStructure{}, err
	}

	st := FlexiStructure{FlexiRecordID: flexiRecordID, Name: resp.Name, Columns: make(map[string]string)}
	for _, group := range resp.Structure {
		for _, row := range group.Rows {
			if row.Field == "" {
				continue
			}
			st.Columns[strings.TrimSpace(row.Name)] = row.Field
		}
	}
	return st, nil
}

// FlexiData returns the rows of a flexi record for a term
func (c *Client) FlexiData(ctx context.Context, sectionID, flexiRecordID, termID string) ([]FlexiRow, error) {
	var resp itemsResponse[map[string]json.RawMessage]
	params := url.Values{
		"action":    {"getData"},
		"sectionid": {sectionID},
		"extraid":   {flexiRecordID},
		"termid":    {termID},
	}
	if err := c.get(ctx, metrics.OpFlexiData, pathFlexi, params, &resp, false); err != nil {
		if IsNotFound(err) {
			return []FlexiRow{}, nil
		}
		return nil, err
	}

	rows := make([]FlexiRow, 0, len(resp.Items))
	for _, item := range resp.Items {
		row := FlexiRow{Fields: make(map[string]string, len(item))}
		for k, v := range item {
			if k == "scoutid" {
				row.MemberID = rawString(v)
				continue
			}
			row.Fields[k] = rawString(v)
		}
		if row.MemberID == "" {
			return nil, transportError(metrics.OpFlexiData, fmt.Errorf("flexi row without scoutid"))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// SectionMovers fetches the flexi record named recordName for a section and
// turns it into mover marks. It returns nil when the section has no such record.
func (c *Client) SectionMovers(ctx context.Context, sectionID, termID, recordName string) (*model.FlexiRecord, error) {
	records, err := c.ListFlexiRecords(ctx, sectionID)
	if err != nil {
		return nil, err
	}

	var info *FlexiRecordInfo
	for i := range records {
		if strings.EqualFold(records[i].Name, recordName) {
			info = &records[i]
			break
		}
	}
	if info == nil {
		return nil, nil
	}

	st, err := c.FlexiStructure(ctx, sectionID, info.FlexiRecordID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	targetField, termField := moverColumns(st.Columns)

	rows, err := c.FlexiData(ctx, sectionID, info.FlexiRecordID, termID)
	if err != nil {
		return nil, err
	}

	rec := &model.FlexiRecord{
		FlexiRecordID: info.FlexiRecordID,
		SectionID:     sectionID,
		TermID:        termID,
		Name:          info.Name,
		Items:         make([]model.MoverMark, 0, len(rows)),
	}
	for _, row := range rows {
		rec.Items = append(rec.Items, model.MoverMark{
			MemberID:        row.MemberID,
			TargetSection:   strings.TrimSpace(row.Fields[targetField]),
			FlexiRecordTerm: strings.TrimSpace(row.Fields[termField]),
		})
	}
	return rec, nil
}

// moverColumns picks the target-section and term columns by label
func moverColumns(columns map[string]string) (targetField, termField string) {
	labels := make([]string, 0, len(columns))
	for label := range columns {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		l := strings.ToLower(label)
		switch {
		case targetField == "" && strings.Contains(l, "section"):
			targetField = columns[label]
		case termField == "" && strings.Contains(l, "term"):
			termField = columns[label]
		}
	}
	return targetField, termField
}
