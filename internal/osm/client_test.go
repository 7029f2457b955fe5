package osm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"osmcache/internal/config"
	"osmcache/internal/model"
)

type stubTokens struct {
	token   string
	blocked bool
}

func (s *stubTokens) AccessToken() (string, string, bool) {
	return s.token, "Bearer", s.token != ""
}

func (s *stubTokens) Blocked() bool {
	return s.blocked
}

func setupTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *stubTokens, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.OSMBaseURL = server.URL
	cfg.RequestTimeout = 2 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 4 * time.Millisecond

	tokens := &stubTokens{token: "ABC"}
	return NewClient(cfg, tokens, nil), tokens, &calls
}

func TestListSections(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathResource {
			t.Errorf("Expected path %s, got %s", pathResource, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ABC" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"data":{"sections":[{"section_id":12,"section_name":"Beavers","section_type":"beavers"},{"section_id":"13","section_name":"Cubs","section_type":"cubs"}]}}`)
	})

	sections, err := client.ListSections(context.Background())
	if err != nil {
		t.Fatalf("ListSections failed: %v", err)
	}
	want := []model.Section{
		{SectionID: "12", SectionName: "Beavers", SectionType: "beavers"},
		{SectionID: "13", SectionName: "Cubs", SectionType: "cubs"},
	}
	if len(sections) != len(want) {
		t.Fatalf("Expected %d sections, got %d", len(want), len(sections))
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Errorf("Expected %+v, got %+v", want[i], sections[i])
		}
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		check     func(error) bool
		wantCalls int32
	}{
		{
			name:      "unauthorized",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			check:     IsAuthExpired,
			wantCalls: 1,
		},
		{
			name:      "forbidden",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			check:     IsAuthExpired,
			wantCalls: 1,
		},
		{
			name:      "too many requests",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			check:     IsRateBlocked,
			wantCalls: 1,
		},
		{
			name: "blocked header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Blocked", "true")
				fmt.Fprint(w, `{}`)
			},
			check:     IsRateBlocked,
			wantCalls: 1,
		},
		{
			name: "blocked body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"error":"Your account has been blocked"}`)
			},
			check:     IsRateBlocked,
			wantCalls: 1,
		},
		{
			name:      "server error retried",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			check:     IsTransport,
			wantCalls: 3,
		},
		{
			name:      "malformed body",
			handler:   func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"data":`) },
			check:     IsTransport,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, calls := setupTestClient(t, tt.handler)
			_, err := client.ListSections(context.Background())
			if err == nil || !tt.check(err) {
				t.Errorf("Unexpected classification: %v", err)
			}
			if got := atomic.LoadInt32(calls); got != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestNotFoundIsEmptyList(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	members, err := client.ListMembers(context.Background(), model.Section{SectionID: "S1"}, "T1")
	if err != nil {
		t.Fatalf("Expected not found to be an empty list, got %v", err)
	}
	if members == nil || len(members) != 0 {
		t.Errorf("Expected empty non-nil list, got %v", members)
	}
}

func TestRetryRecovers(t *testing.T) {
	var n int32
	client, _, calls := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":{"sections":[]}}`)
	})

	if _, err := client.ListSections(context.Background()); err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestPerCallTimeout(t *testing.T) {
	client, _, calls := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	client.timeout = 100 * time.Millisecond

	_, err := client.ListSections(context.Background())
	if !IsTransport(err) {
		t.Errorf("Expected timeout to be a transport error, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestCancelledContext(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"sections":[]}}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListSections(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBlockedGate(t *testing.T) {
	client, tokens, calls := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"sections":[]}}`)
	})
	tokens.blocked = true

	if _, err := client.ListSections(context.Background()); !IsRateBlocked(err) {
		t.Errorf("Expected RateBlocked while blocked, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 0 {
		t.Errorf("Expected no call while blocked, got %d", got)
	}

	if err := client.Probe(context.Background()); err != nil {
		t.Errorf("Expected the validation call to bypass the blocked flag, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected the validation call to reach OSM once, got %d", got)
	}
}

func TestNoTokenIsAuthExpired(t *testing.T) {
	client, tokens, calls := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	tokens.token = ""

	if _, err := client.ListTerms(context.Background()); !IsAuthExpired(err) {
		t.Errorf("Expected AuthExpired without a token, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 0 {
		t.Errorf("Expected no call without a token, got %d", got)
	}
}

func TestListTermsAndMembers(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathTerms:
			fmt.Fprint(w, `{"S1":[{"termid":1,"sectionid":"S1","name":"Autumn 2024","startdate":"2024-09-01","enddate":"2024-12-20"}],"S2":[]}`)
		case pathMembers:
			if r.URL.Query().Get("termid") != "1" {
				t.Errorf("Expected termid 1, got %s", r.URL.Query().Get("termid"))
			}
			fmt.Fprint(w, `{"items":[{"scoutid":101,"firstname":"Alice","lastname":"A","dob":"2015-03-04","patrol":"Red"},{"scoutid":"102","firstname":"Bob","lastname":"B","dob":"","person_type":"Leaders"}]}`)
		}
	})
	ctx := context.Background()

	terms, err := client.ListTerms(ctx)
	if err != nil {
		t.Fatalf("ListTerms failed: %v", err)
	}
	if len(terms) != 1 || terms[0].TermID != "1" || !terms[0].StartDate.Equal(model.MustParseDate("2024-09-01")) {
		t.Errorf("Unexpected terms: %+v", terms)
	}

	members, err := client.ListMembers(ctx, model.Section{SectionID: "S1", SectionName: "Beavers"}, "1")
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	if members[0].MemberID != "101" || members[0].SectionName != "Beavers" || members[0].DateOfBirth == nil {
		t.Errorf("Unexpected first member: %+v", members[0])
	}
	if members[1].DateOfBirth != nil || members[1].PersonType != model.PersonLeader {
		t.Errorf("Unexpected second member: %+v", members[1])
	}
}

func TestGetAttendanceSyntheticRows(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"scoutid":"1","attending":"Yes"},{"scoutid":"","sectionid":"S9","sectionname":"Other","attending":"Yes","synthetic":true,"count":"4"}]}`)
	})

	event := model.Event{EventID: "E1", SectionID: "S1", SectionName: "Beavers"}
	records, err := client.GetAttendance(context.Background(), event, "T1")
	if err != nil {
		t.Fatalf("GetAttendance failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].SectionName != "Beavers" || records[0].Attending != model.AttendingYes {
		t.Errorf("Unexpected member row: %+v", records[0])
	}
	if !records[1].ScoutIDIsSynthetic || records[1].Count != 4 || records[1].MemberID != "synthetic:S9" {
		t.Errorf("Unexpected synthetic row: %+v", records[1])
	}
}

func TestSectionMovers(t *testing.T) {
	client, _, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "getFlexiRecords":
			fmt.Fprint(w, `{"items":[{"extraid":7,"name":"Badges"},{"extraid":9,"name":"Section Movers"}]}`)
		case "getStructure":
			if r.URL.Query().Get("extraid") != "9" {
				t.Errorf("Expected structure of record 9, got %s", r.URL.Query().Get("extraid"))
			}
			fmt.Fprint(w, `{"extraid":"9","name":"Section Movers","structure":[{"rows":[{"name":"First name","field":"firstname"}]},{"rows":[{"name":"Target Section","field":"f_1"},{"name":"Flexi Record Term","field":"f_2"}]}]}`)
		case "getData":
			fmt.Fprint(w, `{"items":[{"scoutid":"101","firstname":"Alice","f_1":"S2","f_2":"Autumn 2025"},{"scoutid":102,"f_1":"","f_2":""}]}`)
		}
	})

	rec, err := client.SectionMovers(context.Background(), "S1", "T1", "section movers")
	if err != nil {
		t.Fatalf("SectionMovers failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a section movers record")
	}
	if rec.FlexiRecordID != "9" || rec.SectionID != "S1" || len(rec.Items) != 2 {
		t.Fatalf("Unexpected record: %+v", rec)
	}
	want := model.MoverMark{MemberID: "101", TargetSection: "S2", FlexiRecordTerm: "Autumn 2025"}
	if rec.Items[0] != want {
		t.Errorf("Expected %+v, got %+v", want, rec.Items[0])
	}
	if rec.Items[1].MemberID != "102" || rec.Items[1].TargetSection != "" {
		t.Errorf("Unexpected unmarked row: %+v", rec.Items[1])
	}

	none, err := client.SectionMovers(context.Background(), "S1", "T1", "Missing Record")
	if err != nil || none != nil {
		t.Errorf("Expected nil record for missing name, got %+v, %v", none, err)
	}
}
