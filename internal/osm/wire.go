package osm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"osmcache/internal/model"
)

// flexString decodes OSM ids and labels that arrive as either strings or numbers
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
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
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexBool decodes OSM flags sent as booleans, numbers or strings
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var fs flexString
	if err := fs.UnmarshalJSON(b); err != nil {
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("expected boolean, got %s", b)
		}
		*f = flexBool(v)
		return nil
	}
	switch strings.ToLower(string(fs)) {
	case "1", "true", "yes", "y":
		*f = true
	default:
		*f = false
	}
	return nil
}

type sectionsResponse struct {
	Data struct {
		Sections []struct {
			SectionID   flexString `json:"section_id"`
			SectionName string     `json:"section_name"`
			SectionType string     `json:"section_type"`
		} `json:"sections"`
	} `json:"data"`
}

type termWire struct {
	TermID    flexString `json:"termid"`
	SectionID flexString `json:"sectionid"`
	Name      string     `json:"name"`
	StartDate string     `json:"startdate"`
	EndDate   string     `json:"enddate"`
}

type memberWire struct {
	ScoutID     flexString `json:"scoutid"`
	SectionID   flexString `json:"sectionid"`
	SectionName string     `json:"sectionname"`
	FirstName   string     `json:"firstname"`
	LastName    string     `json:"lastname"`
	DateOfBirth string     `json:"dob"`
	PersonType  string     `json:"person_type"`
	Patrol      string     `json:"patrol"`
}

type eventWire struct {
	EventID     flexString `json:"eventid"`
	SectionID   flexString `json:"sectionid"`
	SectionName string     `json:"sectionname"`
	Name        string     `json:"name"`
	StartDate   string     `json:"startdate"`
	StartTime   string     `json:"starttime"`
	EndDate     string     `json:"enddate"`
	EndTime     string     `json:"endtime"`
	Shared      flexBool   `json:"shared"`
}

type attendanceWire struct {
	ScoutID     flexString `json:"scoutid"`
	SectionID   flexString `json:"sectionid"`
	SectionName string     `json:"sectionname"`
	Attending   string     `json:"attending"`
	Synthetic   flexBool   `json:"synthetic"`
	Count       flexString `json:"count"`
}

type flexiListWire struct {
	ExtraID flexString `json:"extraid"`
	Name    string     `json:"name"`
}

type flexiStructureWire struct {
	ExtraID   flexString `json:"extraid"`
	Name      string     `json:"name"`
	Structure []struct {
		Rows []struct {
			Name  string `json:"name"`
			Field string `json:"field"`
		} `json:"rows"`
	} `json:"structure"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

func (w termWire) toModel(sectionID string) (model.Term, error) {
	start, err := model.ParseDate(w.StartDate)
	if err != nil {
		return model.Term{}, err
	}
	end, err := model.ParseDate(w.EndDate)
	if err != nil {
		return model.Term{}, err
	}
	if w.SectionID != "" {
		sectionID = string(w.SectionID)
	}
	return model.Term{
		TermID:    string(w.TermID),
		SectionID: sectionID,
		Name:      strings.TrimSpace(w.Name),
		StartDate: start,
		EndDate:   end,
	}, nil
}

func (w memberWire) toModel(sectionID, sectionName string) (model.Member, error) {
	if w.ScoutID == "" {
		return model.Member{}, fmt.Errorf("member without scoutid")
	}
	m := model.Member{
		MemberID:    string(w.ScoutID),
		SectionID:   sectionID,
		SectionName: sectionName,
		FirstName:   strings.TrimSpace(w.FirstName),
		LastName:    strings.TrimSpace(w.LastName),
		PersonType:  model.ParsePersonType(w.PersonType),
		Patrol:      strings.TrimSpace(w.Patrol),
	}
	if w.SectionName != "" {
		m.SectionName = w.SectionName
	}
	if strings.TrimSpace(w.DateOfBirth) != "" {
		dob, err := model.ParseDate(w.DateOfBirth)
		if err != nil {
			return model.Member{}, err
		}
		m.DateOfBirth = &dob
	}
	return m, nil
}

func (w eventWire) toModel(sectionID, sectionName string) (model.Event, error) {
	if w.EventID == "" {
		return model.Event{}, fmt.Errorf("event without eventid")
	}
	start, err := parseDateTime(w.StartDate, w.StartTime)
	if err != nil {
		return model.Event{}, err
	}
	end := start
	if strings.TrimSpace(w.EndDate) != "" {
		if end, err = parseDateTime(w.EndDate, w.EndTime); err != nil {
			return model.Event{}, err
		}
	}
	e := model.Event{
		EventID:     string(w.EventID),
		SectionID:   sectionID,
		SectionName: sectionName,
		Name:        strings.TrimSpace(w.Name),
		StartDate:   start,
		EndDate:     end,
		IsShared:    bool(w.Shared),
	}
	if w.SectionName != "" {
		e.SectionName = w.SectionName
	}
	return e, nil
}

func (w attendanceWire) toModel(eventID, sectionID string) (model.AttendanceRecord, error) {
	rec := model.AttendanceRecord{
		EventID:            eventID,
		MemberID:           string(w.ScoutID),
		SectionID:          sectionID,
		SectionName:        w.SectionName,
		Attending:          model.ParseAttending(w.Attending),
		ScoutIDIsSynthetic: bool(w.Synthetic),
	}
	if w.SectionID != "" {
		rec.SectionID = string(w.SectionID)
	}
	if rec.ScoutIDIsSynthetic {
		// One row per inaccessible section carrying an aggregate count
		rec.MemberID = "synthetic:" + rec.SectionID
		if w.Count != "" {
			n, err := strconv.Atoi(string(w.Count))
			if err != nil {
				return model.AttendanceRecord{}, fmt.Errorf("invalid attendance count %q", w.Count)
			}
			rec.Count = n
		}
	}
	if rec.MemberID == "" {
		return model.AttendanceRecord{}, fmt.Errorf("attendance row without scoutid")
	}
	return rec, nil
}

// parseDateTime combines an OSM date with an optional "15:04:05" time in UTC
func parseDateTime(date, clock string) (time.Time, error) {
	d, err := model.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	if d.IsZero() {
		return time.Time{}, fmt.Errorf("missing date")
	}
	t := d.Time()
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return t, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if tod, err := time.Parse(layout, clock); err == nil {
			return t.Add(time.Duration(tod.Hour())*time.Hour + time.Duration(tod.Minute())*time.Minute + time.Duration(tod.Second())*time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", clock)
}

// rawString renders a decoded flexi cell as text
func rawString(raw json.RawMessage) string {
	var fs flexString
	if err := fs.UnmarshalJSON(raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(fs)
}
