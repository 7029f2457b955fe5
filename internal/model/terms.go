package model

import (
	"sort"
)

// SelectCurrentTerm picks the current term of a section as of today: the term
// containing today, else the earliest future term, else the most recently
// ended term, else the first term listed. Ties go to the earlier start date,
// then the lower termId.
func SelectCurrentTerm(terms []Term, today Date) (Term, bool) {
	if len(terms) == 0 {
		return Term{}, false
	}

	var containing, future, past []Term
	for _, t := range terms {
		switch {
		case t.StartDate.IsZero() || t.EndDate.IsZero():
		case t.Contains(today):
			containing = append(containing, t)
		case t.StartDate.After(today):
			future = append(future, t)
		case t.EndDate.Before(today):
			past = append(past, t)
		}
	}

	if len(containing) > 0 {
		sortByStart(containing)
		return containing[0], true
	}
	if len(future) > 0 {
		sortByStart(future)
		return future[0], true
	}
	if len(past) > 0 {
		sort.SliceStable(past, func(i, j int) bool {
			if c := past[i].EndDate.Compare(past[j].EndDate); c != 0 {
				return c > 0
			}
			if c := past[i].StartDate.Compare(past[j].StartDate); c != 0 {
				return c < 0
			}
			return past[i].TermID < past[j].TermID
		})
		return past[0], true
	}
	return terms[0], true
}

// CurrentTermFor derives the CurrentTerm row for a section
func CurrentTermFor(sectionID string, terms []Term, today Date, nowMs int64) (CurrentTerm, bool) {
	t, ok := SelectCurrentTerm(terms, today)
	if !ok {
		return CurrentTerm{}, false
	}
	return CurrentTerm{
		SectionID:          sectionID,
		CurrentTermID:      t.TermID,
		TermName:           t.Name,
		StartDate:          t.StartDate,
		EndDate:            t.EndDate,
		LastUpdatedEpochMs: nowMs,
	}, true
}

// SortTerms orders terms by start date then termId
func SortTerms(terms []Term) {
	sortByStart(terms)
}

func sortByStart(terms []Term) {
	sort.SliceStable(terms, func(i, j int) bool {
		if c := terms[i].StartDate.Compare(terms[j].StartDate); c != 0 {
			return c < 0
		}
		return terms[i].TermID < terms[j].TermID
	})
}
