package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"osmcache/internal/config"
	"osmcache/internal/database"
)

const (
	authorizePath = "/oauth/authorize"
	scope         = "section:member:read section:event:read section:flexirecord:read section:programme:read"
	stateTTL      = 10 * time.Minute

	stateKeyPrefix = "oauth_state:"
)

// Manager handles the OSM implicit-grant login flow
type Manager struct {
	config *config.Config
	tokens *TokenService
	db     *database.DB
	clock  clock.Clock
	logger *slog.Logger
	done   chan struct{}
}

// issuedState is an OAuth state kept for CSRF protection. States live in the
// store so a callback can be completed by another process than the one that
// built the authorize URL.
type issuedState struct {
	ExpiresAtEpochMs int64 `json:"expiresAtEpochMs"`
}

// NewManager creates a login manager storing tokens in tokens
func NewManager(cfg *config.Config, tokens *TokenService, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	mgr := &Manager{
		config: cfg,
		tokens: tokens,
		db:     tokens.db,
		clock:  clk,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	// Start background cleanup of expired states
	go mgr.cleanupStates()

	return mgr
}

// Close stops the state cleanup loop
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// AuthURL generates an OSM authorization URL with CSRF protection
func (m *Manager) AuthURL(ctx context.Context, redirectURI string) (string, string, error) {
	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	issued := issuedState{ExpiresAtEpochMs: m.clock.Now().Add(stateTTL).UnixMilli()}
	if err := m.db.Put(ctx, database.TableAuth, stateKeyPrefix+state, issued); err != nil {
		return "", "", fmt.Errorf("failed to store state: %w", err)
	}

	params := url.Values{
		"client_id":     {m.config.OSMClientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"token"},
		"scope":         {scope},
		"state":         {state},
	}

	authURL := fmt.Sprintf("%s%s?%s", strings.TrimRight(m.config.OSMBaseURL, "/"), authorizePath, params.Encode())

	m.logger.Info("Generated auth URL")

	return authURL, state, nil
}

// IngestCallback stores the token carried by a login redirect and returns its
// expiry. A state, when present, must have been issued by AuthURL.
func (m *Manager) IngestCallback(ctx context.Context, cb Callback) (time.Time, error) {
	if cb.State != "" {
		valid, err := m.validateState(ctx, cb.State)
		if err != nil {
			return time.Time{}, err
		}
		if !valid {
			return time.Time{}, ErrInvalidState
		}
	}
	if cb.AccessToken == "" {
		return time.Time{}, ErrEmptyToken
	}

	ttl := cb.ExpiresIn
	if ttl <= 0 {
		ttl = m.config.DefaultTokenTTL
	}
	expiresAt := m.clock.Now().Add(ttl)

	if err := m.tokens.SetToken(ctx, cb.AccessToken, expiresAt.UnixMilli(), cb.TokenType); err != nil {
		return time.Time{}, fmt.Errorf("failed to store token: %w", err)
	}

	m.logger.Info("Ingested OAuth callback", "token_length", len(cb.AccessToken), "expires_in", ttl)

	return expiresAt, nil
}

// validateState checks if a state is valid and removes it (one-time use)
func (m *Manager) validateState(ctx context.Context, state string) (bool, error) {
	var issued issuedState
	var exists bool
	err := m.db.Update(ctx, func(tx *database.Tx) error {
		var err error
		exists, err = tx.Get(database.TableAuth, stateKeyPrefix+state, &issued)
		if err != nil || !exists {
			return err
		}
		return tx.Delete(database.TableAuth, stateKeyPrefix+state)
	})
	if database.IsCorruptRecord(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check state: %w", err)
	}
	if !exists {
		return false, nil
	}
	return m.clock.Now().UnixMilli() <= issued.ExpiresAtEpochMs, nil
}

// cleanupStates removes expired states every minute
func (m *Manager) cleanupStates() {
	for {
		select {
		case <-m.done:
			return
		case <-m.clock.After(time.Minute):
		}
		if err := m.removeExpiredStates(context.Background()); err != nil {
			m.logger.Warn("Failed to remove expired OAuth states", "error", err)
		}
	}
}

func (m *Manager) removeExpiredStates(ctx context.Context) error {
	nowMs := m.clock.Now().UnixMilli()
	var expired []string
	for row, err := range m.db.ScanPrefix(ctx, database.TableAuth, stateKeyPrefix) {
		if err != nil {
			return err
		}
		var issued issuedState
		if json.Unmarshal(row.Value, &issued) != nil || nowMs > issued.ExpiresAtEpochMs {
			expired = append(expired, row.Key)
		}
	}
	for _, key := range expired {
		if err := m.db.Delete(ctx, database.TableAuth, key); err != nil {
			return err
		}
	}
	return nil
}

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
