// Package model holds the cached OSM entities and the pure rules over them.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Section is a named group of members
type Section struct {
	SectionID   string `json:"sectionId"`
	SectionName string `json:"sectionName"`
	SectionType string `json:"sectionType"`
}

// Term is a dated period in a section's calendar
type Term struct {
	TermID    string `json:"termId"`
	SectionID string `json:"sectionId"`
	Name      string `json:"name"`
	StartDate Date   `json:"startDate"`
	EndDate   Date   `json:"endDate"`
}

// Validate checks the stored-row invariants of a term
func (t Term) Validate() error {
	if t.TermID == "" {
		return fmt.Errorf("term has no id")
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return fmt.Errorf("term %s has missing dates", t.TermID)
	}
	if t.StartDate.After(t.EndDate) {
		return fmt.Errorf("term %s starts %s after it ends %s", t.TermID, t.StartDate, t.EndDate)
	}
	return nil
}

// Contains reports whether day falls within the term, both ends inclusive
func (t Term) Contains(day Date) bool {
	return !day.Before(t.StartDate) && !day.After(t.EndDate)
}

// CurrentTerm is the derived per-section pointer to the active term
type CurrentTerm struct {
	SectionID          string `json:"sectionId"`
	CurrentTermID      string `json:"currentTermId"`
	TermName           string `json:"termName"`
	StartDate          Date   `json:"startDate"`
	EndDate            Date   `json:"endDate"`
	LastUpdatedEpochMs int64  `json:"lastUpdatedEpochMs"`
}

// PersonType classifies a member
type PersonType string

const (
	PersonYoungPerson PersonType = "YoungPerson"
	PersonYoungLeader PersonType = "YoungLeader"
	PersonLeader      PersonType = "Leader"
	PersonAdult       PersonType = "Adult"
)

// ParsePersonType maps OSM's loose labels onto PersonType; unknown labels are young people
func ParsePersonType(s string) PersonType {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "youngleader", "youngleaders", "yl":
		return PersonYoungLeader
	case "leader", "leaders":
		return PersonLeader
	case "adult", "adults", "parent":
		return PersonAdult
	default:
		return PersonYoungPerson
	}
}

// Member is a person's membership of one section
type Member struct {
	MemberID    string     `json:"memberId"`
	SectionID   string     `json:"sectionId"`
	SectionName string     `json:"sectionName"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DateOfBirth *Date      `json:"dateOfBirth,omitempty"`
	PersonType  PersonType `json:"personType"`
	Patrol      string     `json:"patrol,omitempty"`
}

// Event is an OSM event, possibly shared across sections
type Event struct {
	EventID     string    `json:"eventId"`
	SectionID   string    `json:"sectionId"`
	SectionName string    `json:"sectionName"`
	Name        string    `json:"name"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	IsShared    bool      `json:"isShared"`
}

// Attending is a member's response to an event
type Attending string

const (
	AttendingYes        Attending = "Yes"
	AttendingNo         Attending = "No"
	AttendingInvited    Attending = "Invited"
	AttendingNotInvited Attending = "NotInvited"
)

// ParseAttending maps OSM attendance strings; blanks are NotInvited
func ParseAttending(s string) Attending {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "yes":
		return AttendingYes
	case "no":
		return AttendingNo
	case "invited":
		return AttendingInvited
	default:
		return AttendingNotInvited
	}
}

// AttendanceRecord is one row of event attendance. Synthetic rows stand in for
// sections the viewer cannot see and carry an aggregate Count instead of a person.
type AttendanceRecord struct {
	EventID            string    `json:"eventId"`
	MemberID           string    `json:"memberId"`
	SectionID          string    `json:"sectionId"`
	SectionName        string    `json:"sectionName"`
	Attending          Attending `json:"attending"`
	ScoutIDIsSynthetic bool      `json:"scoutIdIsSynthetic"`
	Count              int       `json:"count,omitempty"`
}

// MoverMark is a manually entered intended next section for a member
type MoverMark struct {
	MemberID        string `json:"memberId"`
	TargetSection   string `json:"targetSection,omitempty"`
	FlexiRecordTerm string `json:"flexiRecordTerm,omitempty"`
}

// FlexiRecord is the typed SectionMovers flexi record of one section
type FlexiRecord struct {
	FlexiRecordID string      `json:"flexiRecordId"`
	SectionID     string      `json:"sectionId"`
	TermID        string      `json:"termId"`
	Name          string      `json:"name"`
	Items         []MoverMark `json:"items"`
}

// LastSync records when a dataset was last refreshed successfully
type LastSync struct {
	Dataset string `json:"dataset"`
	EpochMs int64  `json:"epochMs"`
}

// PhaseState is the persisted progress of a migration phase
type PhaseState string

const (
	PhaseNotStarted PhaseState = "not_started"
	PhaseInProgress PhaseState = "in_progress"
	PhaseCompleted  PhaseState = "completed"
	PhaseFailed     PhaseState = "failed"
)

// MigrationPhase is the row stored per named phase
type MigrationPhase struct {
	Phase          string     `json:"phase"`
	State          PhaseState `json:"state"`
	UpdatedEpochMs int64      `json:"updatedEpochMs"`
	Error          string     `json:"error,omitempty"`
}

// Row keys for composite identities
func MemberKey(memberID, sectionID string) string { return memberID + "|" + sectionID }
func TermKey(sectionID, termID string) string { return sectionID + "|" + termID }
func AttendanceKey(eventID, memberID string) string { return eventID + "|" + memberID }
func FlexiRecordKey(flexiRecordID, sectionID string) string { return flexiRecordID + "|" + sectionID }
