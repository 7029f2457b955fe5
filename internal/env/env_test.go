package env

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestEnvironmentNow(t *testing.T) {
	start := time.Date(2024, 11, 15, 23, 30, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	e := New(clk, "browser", 1024)

	if e.NowMs() != start.UnixMilli() {
		t.Errorf("Expected NowMs %d, got %d", start.UnixMilli(), e.NowMs())
	}
	if got := e.Today().String(); got != "2024-11-15" {
		t.Errorf("Expected today 2024-11-15, got %s", got)
	}

	clk.Advance(time.Hour)
	if got := e.Today().String(); got != "2024-11-16" {
		t.Errorf("Expected today 2024-11-16 after advance, got %s", got)
	}
	if e.Monotonic() != time.Hour {
		t.Errorf("Expected monotonic 1h, got %s", e.Monotonic())
	}
}

func TestEnvironmentPlatform(t *testing.T) {
	tests := []struct {
		platform string
		width    int
		mobile   bool
		native   bool
	}{
		{"browser", 1024, false, false},
		{"browser", 375, true, false},
		{"Native", 767, true, true},
		{"native", 768, false, true},
		{"browser", 0, false, false},
	}

	for _, tt := range tests {
		e := New(nil, tt.platform, tt.width)
		if e.IsMobile() != tt.mobile {
			t.Errorf("%s/%d: expected mobile=%v", tt.platform, tt.width, tt.mobile)
		}
		if e.IsNative() != tt.native {
			t.Errorf("%s/%d: expected native=%v", tt.platform, tt.width, tt.native)
		}
	}
}

func TestEnvironmentSessionID(t *testing.T) {
	a := New(nil, "browser", 1024)
	b := New(nil, "browser", 1024)

	if a.SessionID == "" {
		t.Fatal("Expected session id to be set")
	}
	if a.SessionID == b.SessionID {
		t.Error("Expected distinct session ids")
	}
}
