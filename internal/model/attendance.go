package model

import "sort"

// SectionAttendance totals one section's responses to an event
type SectionAttendance struct {
	SectionID   string `json:"sectionId"`
	SectionName string `json:"sectionName"`
	Yes         int    `json:"yes"`
	No          int    `json:"no"`
	Invited     int    `json:"invited"`
	NotInvited  int    `json:"notInvited"`
	// Aggregated is set when any count came from synthetic rows
	Aggregated bool `json:"aggregated"`
}

// SummarizeAttendance counts responses per section. Synthetic rows are not
// individuals: they only add their aggregate count to Yes.
func SummarizeAttendance(records []AttendanceRecord) []SectionAttendance {
	bySection := make(map[string]*SectionAttendance)
	for _, r := range records {
		s, ok := bySection[r.SectionID]
		if !ok {
			s = &SectionAttendance{SectionID: r.SectionID, SectionName: r.SectionName}
			bySection[r.SectionID] = s
		}
		if s.SectionName == "" {
			s.SectionName = r.SectionName
		}

		if r.ScoutIDIsSynthetic {
			n := r.Count
			if n <= 0 {
				n = 1
			}
			s.Yes += n
			s.Aggregated = true
			continue
		}

		switch r.Attending {
		case AttendingYes:
			s.Yes++
		case AttendingNo:
			s.No++
		case AttendingInvited:
			s.Invited++
		default:
			s.NotInvited++
		}
	}

	out := make([]SectionAttendance, 0, len(bySection))
	for _, s := range bySection {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out
}
