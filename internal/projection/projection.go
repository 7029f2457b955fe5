// Package projection forecasts section sizes over the coming terms from the
// cached members and their SectionMovers marks. It is a pure function of its
// input.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"osmcache/internal/database"
	"osmcache/internal/model"
)

// Bounds on the number of future terms
const (
	MinTerms = 1
	MaxTerms = 6
)

var ErrInvalidTermCount = errors.New("term count must be between 1 and 6")

// Input is everything the projection reads
type Input struct {
	Members  []model.Member
	Sections []model.Section
	Terms    []model.Term
	Flexi    []model.FlexiRecord
	N        int
	Today    model.Date
}

// FutureTerm is a term label the projection steps through
type FutureTerm struct {
	Label     string     `json:"label"`
	TermID    string     `json:"termId"`
	SectionID string     `json:"sectionId"`
	StartDate model.Date `json:"startDate"`
	EndDate   model.Date `json:"endDate"`
}

// Mover is one member leaving a section in a term
type Mover struct {
	MemberID    string `json:"memberId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	FromSection string `json:"fromSection"`
	// ToSection is empty for unassigned movers
	ToSection string `json:"toSection,omitempty"`
	// Target is the raw target recorded in the mark
	Target string `json:"target,omitempty"`
}

// SectionSummary is the movement of one section in one term
type SectionSummary struct {
	SectionID      string  `json:"sectionId"`
	SectionName    string  `json:"sectionName"`
	CurrentCount   int     `json:"currentCount"`
	OutgoingMovers []Mover `json:"outgoingMovers"`
	IncomingMovers []Mover `json:"incomingMovers"`
	RemainingCount int     `json:"remainingCount"`
	ProjectedCount int     `json:"projectedCount"`
}

// TermProjection is the outcome of one future term
type TermProjection struct {
	Term             FutureTerm                `json:"term"`
	Movers           []Mover                   `json:"movers"`
	Unassigned       []Mover                   `json:"unassigned"`
	SectionSummaries map[string]SectionSummary `json:"sectionSummaries"`
}

// Projection is the full forecast
type Projection struct {
	Today model.Date       `json:"today"`
	Terms []TermProjection `json:"terms"`
}

// Project runs the forecast. Terms after today are stepped through in start
// date order; each member moves at most once over the whole projection.
func Project(in Input) (Projection, error) {
	if in.N < MinTerms || in.N > MaxTerms {
		return Projection{}, fmt.Errorf("%w: got %d", ErrInvalidTermCount, in.N)
	}

	resolve := sectionResolver(in.Sections)
	marks := indexMarks(in.Flexi)

	members := append([]model.Member(nil), in.Members...)
	sort.Slice(members, func(i, j int) bool {
		if members[i].SectionID != members[j].SectionID {
			return members[i].SectionID < members[j].SectionID
		}
		return members[i].MemberID < members[j].MemberID
	})

	counts := make(map[string]int)
	names := make(map[string]string)
	for _, s := range in.Sections {
		counts[s.SectionID] = 0
		names[s.SectionID] = s.SectionName
	}
	for _, m := range members {
		counts[m.SectionID]++
		if names[m.SectionID] == "" {
			names[m.SectionID] = m.SectionName
		}
	}
	sectionIDs := make([]string, 0, len(counts))
	for id := range counts {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)

	moved := make(map[string]bool)
	out := Projection{Today: in.Today, Terms: []TermProjection{}}

	for _, term := range FutureTerms(in.Terms, in.Today, in.N) {
		tp := TermProjection{
			Term:             term,
			Movers:           []Mover{},
			Unassigned:       []Mover{},
			SectionSummaries: make(map[string]SectionSummary, len(sectionIDs)),
		}
		outgoing := make(map[string][]Mover)
		incoming := make(map[string][]Mover)

		for _, m := range members {
			if moved[m.MemberID] {
				continue
			}
			mark, ok := marks.find(m.MemberID, m.SectionID, term.Label)
			if !ok {
				continue
			}
			mv := Mover{
				MemberID:    m.MemberID,
				FirstName:   m.FirstName,
				LastName:    m.LastName,
				FromSection: m.SectionID,
				Target:      mark.TargetSection,
			}
			to, resolved := resolve(mark.TargetSection)
			mv.ToSection = to

			moved[m.MemberID] = true
			tp.Movers = append(tp.Movers, mv)
			outgoing[m.SectionID] = append(outgoing[m.SectionID], mv)
			if !resolved {
				tp.Unassigned = append(tp.Unassigned, mv)
				continue
			}
			incoming[to] = append(incoming[to], mv)
		}

		for _, id := range sectionIDs {
			current := counts[id]
			nOut := len(outgoing[id])
			nIn := len(incoming[id])
			summary := SectionSummary{
				SectionID:      id,
				SectionName:    names[id],
				CurrentCount:   current,
				OutgoingMovers: nonNil(outgoing[id]),
				IncomingMovers: nonNil(incoming[id]),
				RemainingCount: max(0, current-nOut),
				ProjectedCount: max(0, current-nOut+nIn),
			}
			tp.SectionSummaries[id] = summary
		}
		for _, id := range sectionIDs {
			counts[id] = tp.SectionSummaries[id].ProjectedCount
		}
		out.Terms = append(out.Terms, tp)
	}
	return out, nil
}

// FutureTerms returns up to n terms starting after today, ordered by start
// date then term id. Sections share term labels, so each label is kept once
// at its earliest occurrence.
func FutureTerms(terms []model.Term, today model.Date, n int) []FutureTerm {
	future := make([]model.Term, 0, len(terms))
	for _, t := range terms {
		if t.StartDate.After(today) {
			future = append(future, t)
		}
	}
	sort.Slice(future, func(i, j int) bool {
		if c := future[i].StartDate.Compare(future[j].StartDate); c != 0 {
			return c < 0
		}
		return future[i].TermID < future[j].TermID
	})

	seen := make(map[string]bool)
	out := make([]FutureTerm, 0, n)
	for _, t := range future {
		label := strings.TrimSpace(t.Name)
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, FutureTerm{
			Label:     label,
			TermID:    t.TermID,
			SectionID: t.SectionID,
			StartDate: t.StartDate,
			EndDate:   t.EndDate,
		})
		if len(out) == n {
			break
		}
	}
	return out
}

type markIndex map[string][]model.MoverMark

func indexMarks(records []model.FlexiRecord) markIndex {
	idx := make(markIndex)
	for _, r := range records {
		for _, m := range r.Items {
			if m.MemberID == "" {
				continue
			}
			key := model.MemberKey(m.MemberID, r.SectionID)
			idx[key] = append(idx[key], m)
		}
	}
	return idx
}

// find returns the mark of a member in a section for a term label.
// Marks are matched to terms by label, not term id, so relabelling a term in
// OSM detaches its marks.
func (idx markIndex) find(memberID, sectionID, label string) (model.MoverMark, bool) {
	for _, m := range idx[model.MemberKey(memberID, sectionID)] {
		if strings.TrimSpace(m.FlexiRecordTerm) == label {
			return m, true
		}
	}
	return model.MoverMark{}, false
}

// sectionResolver maps a recorded target to a section id by id, then name,
// then section type
func sectionResolver(sections []model.Section) func(target string) (string, bool) {
	byID := make(map[string]string)
	byName := make(map[string]string)
	byType := make(map[string]string)
	ordered := append([]model.Section(nil), sections...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SectionID < ordered[j].SectionID })
	for _, s := range ordered {
		byID[s.SectionID] = s.SectionID
		if name := strings.ToLower(strings.TrimSpace(s.SectionName)); name != "" {
			if _, ok := byName[name]; !ok {
				byName[name] = s.SectionID
			}
		}
		if typ := strings.ToLower(strings.TrimSpace(s.SectionType)); typ != "" {
			if _, ok := byType[typ]; !ok {
				byType[typ] = s.SectionID
			}
		}
	}

	return func(target string) (string, bool) {
		target = strings.TrimSpace(target)
		if target == "" {
			return "", false
		}
		if id, ok := byID[target]; ok {
			return id, true
		}
		key := strings.ToLower(target)
		if id, ok := byName[key]; ok {
			return id, true
		}
		id, ok := byType[key]
		return id, ok
	}
}

func nonNil(m []Mover) []Mover {
	if m == nil {
		return []Mover{}
	}
	return m
}

// FromStore runs the projection over the cached data
func FromStore(ctx context.Context, db *database.DB, n int, today model.Date) (Projection, error) {
	members, err := db.ListMembers(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("failed to load members: %w", err)
	}
	sections, err := db.ListSections(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("failed to load sections: %w", err)
	}
	terms, err := db.ListTerms(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("failed to load terms: %w", err)
	}
	flexi, err := db.ListFlexiRecords(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("failed to load section movers: %w", err)
	}
	return Project(Input{
		Members:  members,
		Sections: sections,
		Terms:    terms,
		Flexi:    flexi,
		N:        n,
		Today:    today,
	})
}
