package oauth

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"osmcache/internal/broadcast"
	"osmcache/internal/config"
	"osmcache/internal/database"
)

var testStart = time.Date(2024, 11, 15, 12, 0, 0, 0, time.UTC)

func setupOAuthTest(t *testing.T) (*Manager, *TokenService, *testclock.Clock) {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := testclock.NewClock(testStart)
	tokens, err := NewTokenService(context.Background(), db, broadcast.NewLocalBus(), "test", clk.Now)
	if err != nil {
		t.Fatalf("Failed to create token service: %v", err)
	}
	t.Cleanup(tokens.Close)

	cfg := config.Default()
	cfg.OSMClientID = "test_client_id"
	cfg.OSMBaseURL = "https://osm.example"

	manager := NewManager(cfg, tokens, clk)
	t.Cleanup(manager.Close)

	return manager, tokens, clk
}

func TestAuthURL(t *testing.T) {
	manager, _, _ := setupOAuthTest(t)

	redirectURI := "http://localhost:4102/oauth-callback"
	authURL, state, err := manager.AuthURL(context.Background(), redirectURI)
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}
	if state == "" {
		t.Error("Expected non-empty state")
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Generated URL does not parse: %v", err)
	}
	if !strings.HasPrefix(authURL, "https://osm.example/oauth/authorize?") {
		t.Errorf("Unexpected authorize endpoint: %s", authURL)
	}
	q := u.Query()
	if q.Get("client_id") != "test_client_id" {
		t.Errorf("Expected client_id test_client_id, got %s", q.Get("client_id"))
	}
	if q.Get("response_type") != "token" {
		t.Errorf("Expected implicit grant, got response_type=%s", q.Get("response_type"))
	}
	if q.Get("redirect_uri") != redirectURI {
		t.Errorf("Expected redirect_uri %s, got %s", redirectURI, q.Get("redirect_uri"))
	}
	if q.Get("state") != state {
		t.Error("Expected auth URL to carry the state")
	}

	var issued issuedState
	exists, err := manager.db.Get(context.Background(), database.TableAuth, stateKeyPrefix+state, &issued)
	if err != nil {
		t.Fatalf("Failed to read state: %v", err)
	}
	if !exists {
		t.Error("Expected state to be stored")
	}
	if want := testStart.Add(stateTTL).UnixMilli(); issued.ExpiresAtEpochMs != want {
		t.Errorf("Expected state expiry %d, got %d", want, issued.ExpiresAtEpochMs)
	}
}

func TestIngestCallbackDefaultExpiry(t *testing.T) {
	manager, tokens, _ := setupOAuthTest(t)
	ctx := context.Background()

	cb, cleaned, err := ParseCallbackURL("https://host/#/?access_token=ABC&token_type=Bearer")
	if err != nil {
		t.Fatalf("Failed to parse callback: %v", err)
	}
	if cleaned != "https://host/#/" {
		t.Errorf("Expected cleaned URL https://host/#/, got %s", cleaned)
	}

	expiresAt, err := manager.IngestCallback(ctx, cb)
	if err != nil {
		t.Fatalf("Failed to ingest callback: %v", err)
	}
	want := testStart.Add(time.Hour)
	if !expiresAt.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, expiresAt)
	}

	token, tokenType, ok := tokens.AccessToken()
	if !ok || token != "ABC" || tokenType != "Bearer" {
		t.Errorf("Expected stored token ABC/Bearer, got %q/%q ok=%v", token, tokenType, ok)
	}
	if snap := tokens.Snapshot(); snap.ExpiresAtEpochMs != testStart.UnixMilli()+3600000 {
		t.Errorf("Expected expiry now+3600000ms, got %d", snap.ExpiresAtEpochMs)
	}
}

func TestIngestCallbackExpiresIn(t *testing.T) {
	manager, tokens, _ := setupOAuthTest(t)

	cb := Callback{AccessToken: "XYZ", TokenType: "Bearer", ExpiresIn: 600 * time.Second}
	if _, err := manager.IngestCallback(context.Background(), cb); err != nil {
		t.Fatalf("Failed to ingest callback: %v", err)
	}
	if snap := tokens.Snapshot(); snap.ExpiresAtEpochMs != testStart.Add(600*time.Second).UnixMilli() {
		t.Errorf("Expected expires_in to be honoured, got %d", snap.ExpiresAtEpochMs)
	}
}

func TestIngestCallbackState(t *testing.T) {
	manager, _, clk := setupOAuthTest(t)
	ctx := context.Background()

	if _, err := manager.IngestCallback(ctx, Callback{AccessToken: "A", State: "forged"}); err == nil {
		t.Error("Expected unknown state to be rejected")
	}

	_, state, err := manager.AuthURL(ctx, "http://localhost/cb")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}
	if _, err := manager.IngestCallback(ctx, Callback{AccessToken: "A", State: state}); err != nil {
		t.Errorf("Expected issued state to be accepted, got %v", err)
	}
	if _, err := manager.IngestCallback(ctx, Callback{AccessToken: "A", State: state}); err == nil {
		t.Error("Expected state to be single use")
	}

	_, state, _ = manager.AuthURL(ctx, "http://localhost/cb")
	clk.Advance(11 * time.Minute)
	if _, err := manager.IngestCallback(ctx, Callback{AccessToken: "A", State: state}); err == nil {
		t.Error("Expected expired state to be rejected")
	}
}

func TestIngestCallbackStateFromOtherProcess(t *testing.T) {
	issuer, tokens, clk := setupOAuthTest(t)
	ctx := context.Background()

	// A second manager on the same store, as a separate CLI invocation builds
	other, err := NewTokenService(ctx, tokens.db, broadcast.NewLocalBus(), "other", clk.Now)
	if err != nil {
		t.Fatalf("Failed to create token service: %v", err)
	}
	t.Cleanup(other.Close)
	completer := NewManager(issuer.config, other, clk)
	t.Cleanup(completer.Close)

	_, state, err := issuer.AuthURL(ctx, "http://localhost:4102/oauth-callback")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}

	if _, err := completer.IngestCallback(ctx, Callback{AccessToken: "ABC", TokenType: "Bearer", State: state}); err != nil {
		t.Fatalf("Expected state issued by another manager to be accepted, got %v", err)
	}
	if token, _, ok := other.AccessToken(); !ok || token != "ABC" {
		t.Errorf("Expected token ABC stored, got %q", token)
	}
	if _, err := issuer.IngestCallback(ctx, Callback{AccessToken: "ABC", State: state}); err == nil {
		t.Error("Expected state to be single use across managers")
	}
}

func TestRemoveExpiredStates(t *testing.T) {
	manager, _, clk := setupOAuthTest(t)
	ctx := context.Background()

	_, stale, err := manager.AuthURL(ctx, "http://localhost/cb")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}
	clk.Advance(5 * time.Minute)
	_, fresh, err := manager.AuthURL(ctx, "http://localhost/cb")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}
	clk.Advance(6 * time.Minute)

	if err := manager.removeExpiredStates(ctx); err != nil {
		t.Fatalf("Failed to remove expired states: %v", err)
	}

	var issued issuedState
	if exists, _ := manager.db.Get(ctx, database.TableAuth, stateKeyPrefix+stale, &issued); exists {
		t.Error("Expected expired state to be removed")
	}
	if exists, _ := manager.db.Get(ctx, database.TableAuth, stateKeyPrefix+fresh, &issued); !exists {
		t.Error("Expected live state to be kept")
	}
}
