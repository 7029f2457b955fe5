package auth

import (
	"context"
	"testing"
	"testing/quick"
	"time"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name  string
		facts Facts
		want  State
	}{
		{"empty", Facts{}, StateNoData},
		{"cache only", Facts{HasCache: true}, StateCachedOnly},
		{"valid token", Facts{HasToken: true}, StateAuthenticated},
		{"expired token", Facts{HasToken: true, Expired: true, HasCache: true}, StateTokenExpired},
		{"expired and offline choice", Facts{HasToken: true, Expired: true, HasCache: true, StayOffline: true}, StateCachedOnly},
		{"expired and offline choice without cache", Facts{HasToken: true, Expired: true, StayOffline: true}, StateNoData},
		{"transport failure", Facts{HasToken: true, Offline: true, HasCache: true}, StateCachedOnly},
		{"busy", Facts{HasToken: true, Busy: true}, StateSyncing},
		{"blocked wins", Facts{HasToken: true, Blocked: true, Busy: true, Expired: true}, StateBlocked},
		{"blocked without token", Facts{Blocked: true}, StateBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Derive(tt.facts); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMessages(t *testing.T) {
	if Message(StateTokenExpired) != "Session expired. Re-login or continue offline" {
		t.Errorf("Unexpected message %q", Message(StateTokenExpired))
	}
	if Message(StateAuthenticated) != "" {
		t.Errorf("Expected no message when authenticated, got %q", Message(StateAuthenticated))
	}
}

// A fresh machine over the same store and the same stay-offline choice must
// derive the state a long-running machine reached through any sequence of
// persisted changes.
func TestStateIsFunctionOfPersistedFacts(t *testing.T) {
	ctx := context.Background()

	property := func(ops []uint8) bool {
		db := openTestDB(t)
		mt := setupMachineTest(t, db)
		a := mt.machine

		for _, op := range ops {
			now := mt.clock.Now()
			switch op % 8 {
			case 0:
				_ = mt.tokens.SetToken(ctx, "ABC", now.Add(time.Hour).UnixMilli(), "Bearer")
			case 1:
				_ = mt.tokens.SetToken(ctx, "ABC", now.Add(time.Second).UnixMilli(), "Bearer")
			case 2:
				_ = mt.tokens.ClearToken(ctx)
			case 3:
				_ = mt.tokens.MarkBlocked(ctx)
			case 4:
				_ = mt.tokens.ClearBlocked(ctx)
			case 5:
				mt.clock.Advance(2 * time.Second)
			case 6:
				a.StayOffline()
			case 7:
				seedCache(t, db)
			}
			a.Evaluate("op")
		}

		b := mt.newMachine(t)
		b.mu.Lock()
		b.stayOffline = a.StayOfflineChosen()
		b.mu.Unlock()
		return b.Evaluate("fresh") == a.State()
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 25}); err != nil {
		t.Error(err)
	}
}
