package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"osmcache/internal/broadcast"
	"osmcache/internal/database"
)

// Keys of the rows the token service owns in the auth table
const (
	keyToken   = "token"
	keyBlocked = "blocked"
)

var (
	ErrEmptyToken    = errors.New("empty access token")
	ErrMissingExpiry = errors.New("access token has no expiry")
	ErrInvalidState  = errors.New("invalid or expired state")
)

// Token is the persisted access token record
type Token struct {
	Token            string `json:"token"`
	ExpiresAtEpochMs int64  `json:"expiresAtEpochMs"`
	TokenType        string `json:"tokenType"`
}

type blockedRecord struct {
	Blocked      bool  `json:"blocked"`
	SinceEpochMs int64 `json:"sinceEpochMs"`
}

// Snapshot is the token state without the token bytes
type Snapshot struct {
	HasToken              bool   `json:"hasToken"`
	ExpiresAtEpochMs      int64  `json:"expiresAtEpochMs,omitempty"`
	TokenType             string `json:"tokenType,omitempty"`
	Blocked               bool   `json:"blocked"`
	LastValidationEpochMs int64  `json:"lastValidationEpochMs,omitempty"`
}

// Expired reports whether the snapshot has no usable token at nowMs
func (s Snapshot) Expired(nowMs int64) bool {
	return !s.HasToken || s.ExpiresAtEpochMs <= 0 || s.ExpiresAtEpochMs <= nowMs
}

// TokenService owns the access token, its expiry and the blocked flag.
// Every change is persisted, broadcast to other processes and reported to
// local listeners.
type TokenService struct {
	db     *database.DB
	bus    broadcast.Bus
	origin string
	now    func() time.Time
	logger *slog.Logger

	mu             sync.RWMutex
	token          *Token
	blocked        bool
	lastValidation int64

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func()

	unsubscribeBus func()
}

// NewTokenService loads the persisted token state and starts listening for
// changes made by other processes sharing the store.
func NewTokenService(ctx context.Context, db *database.DB, bus broadcast.Bus, origin string, now func() time.Time) (*TokenService, error) {
	if bus == nil {
		bus = broadcast.NewLocalBus()
	}
	if now == nil {
		now = time.Now
	}
	s := &TokenService{
		db:        db,
		bus:       bus,
		origin:    origin,
		now:       now,
		logger:    slog.Default(),
		listeners: make(map[int]func()),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	s.unsubscribeBus = bus.Subscribe(s.onRemoteChange)
	return s, nil
}

// Close stops listening for remote changes
func (s *TokenService) Close() {
	if s.unsubscribeBus != nil {
		s.unsubscribeBus()
	}
}

func (s *TokenService) onRemoteChange(c broadcast.Change) {
	if c.Origin == s.origin || (c.Key != keyToken && c.Key != keyBlocked) {
		return
	}
	s.logger.Info("Token state changed in another process", "key", c.Key)
	if err := s.Reload(context.Background()); err != nil {
		s.logger.Error("Failed to reload token state", "error", err)
		return
	}
	s.notify()
}

// Reload replaces the in-memory state with the persisted one
func (s *TokenService) Reload(ctx context.Context) error {
	var tok Token
	hasToken, err := s.db.Get(ctx, database.TableAuth, keyToken, &tok)
	if err != nil && !database.IsCorruptRecord(err) {
		return fmt.Errorf("failed to load token: %w", err)
	}
	var blocked blockedRecord
	if _, err := s.db.Get(ctx, database.TableAuth, keyBlocked, &blocked); err != nil && !database.IsCorruptRecord(err) {
		return fmt.Errorf("failed to load blocked flag: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hasToken && tok.Token != "" {
		if s.token == nil || s.token.Token != tok.Token {
			s.lastValidation = 0
		}
		s.token = &tok
	} else {
		s.token = nil
		s.lastValidation = 0
	}
	s.blocked = blocked.Blocked
	return nil
}

// SetToken stores a new access token. A token is never stored without an expiry.
func (s *TokenService) SetToken(ctx context.Context, token string, expiresAtEpochMs int64, tokenType string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if expiresAtEpochMs <= 0 {
		return ErrMissingExpiry
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := Token{Token: token, ExpiresAtEpochMs: expiresAtEpochMs, TokenType: tokenType}
	if err := s.db.Put(ctx, database.TableAuth, keyToken, tok); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	s.mu.Lock()
	s.token = &tok
	s.lastValidation = 0
	s.mu.Unlock()

	s.logger.Info("Stored access token", "expires_at", time.UnixMilli(expiresAtEpochMs).UTC(), "token_type", tokenType)
	s.changed(ctx, keyToken)
	return nil
}

// ClearToken removes the token and its expiry; the blocked flag is kept
func (s *TokenService) ClearToken(ctx context.Context) error {
	if err := s.db.Delete(ctx, database.TableAuth, keyToken); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	s.mu.Lock()
	s.token = nil
	s.lastValidation = 0
	s.mu.Unlock()

	s.logger.Info("Cleared access token")
	s.changed(ctx, keyToken)
	return nil
}

// ExpireNow moves the expiry of the current token to now after OSM rejected it
func (s *TokenService) ExpireNow(ctx context.Context) error {
	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()

	nowMs := s.now().UnixMilli()
	if current == nil || current.ExpiresAtEpochMs <= nowMs {
		return nil
	}
	tok := *current
	tok.ExpiresAtEpochMs = nowMs
	if err := s.db.Put(ctx, database.TableAuth, keyToken, tok); err != nil {
		return fmt.Errorf("failed to expire token: %w", err)
	}

	s.mu.Lock()
	s.token = &tok
	s.lastValidation = 0
	s.mu.Unlock()

	s.logger.Info("Access token rejected by OSM, marked expired")
	s.changed(ctx, keyToken)
	return nil
}

// IsExpired reports whether there is no token valid at nowMs
func (s *TokenService) IsExpired(nowMs int64) bool {
	return s.Snapshot().Expired(nowMs)
}

// MarkBlocked sets the process-wide blocked flag
func (s *TokenService) MarkBlocked(ctx context.Context) error {
	rec := blockedRecord{Blocked: true, SinceEpochMs: s.now().UnixMilli()}
	if err := s.db.Put(ctx, database.TableAuth, keyBlocked, rec); err != nil {
		return fmt.Errorf("failed to store blocked flag: %w", err)
	}

	s.mu.Lock()
	already := s.blocked
	s.blocked = true
	s.mu.Unlock()

	if !already {
		s.logger.Warn("OSM blocked further calls")
	}
	s.changed(ctx, keyBlocked)
	return nil
}

// ClearBlocked clears the blocked flag after a successful unblocked call
func (s *TokenService) ClearBlocked(ctx context.Context) error {
	if err := s.db.Delete(ctx, database.TableAuth, keyBlocked); err != nil {
		return fmt.Errorf("failed to clear blocked flag: %w", err)
	}

	s.mu.Lock()
	s.blocked = false
	s.mu.Unlock()

	s.logger.Info("Cleared blocked flag")
	s.changed(ctx, keyBlocked)
	return nil
}

// Blocked reports the blocked flag
func (s *TokenService) Blocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked
}

// MarkValidated records that the current token was accepted by OSM at atMs
func (s *TokenService) MarkValidated(atMs int64) {
	s.mu.Lock()
	if s.token != nil {
		s.lastValidation = atMs
	}
	s.mu.Unlock()
	s.notify()
}

// AccessToken returns the raw token for the gateway. It is empty when no
// token is held.
func (s *TokenService) AccessToken() (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return "", "", false
	}
	return s.token.Token, s.token.TokenType, true
}

// Snapshot returns the current state without the token bytes
func (s *TokenService) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Blocked: s.blocked}
	if s.token != nil {
		snap.HasToken = true
		snap.ExpiresAtEpochMs = s.token.ExpiresAtEpochMs
		snap.TokenType = s.token.TokenType
		snap.LastValidationEpochMs = s.lastValidation
	}
	return snap
}

// Subscribe registers fn to be called after every change, local or remote
func (s *TokenService) Subscribe(fn func()) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *TokenService) changed(ctx context.Context, key string) {
	c := broadcast.Change{Key: key, Origin: s.origin, AtEpochMs: s.now().UnixMilli()}
	if err := s.bus.Publish(ctx, c); err != nil {
		// Other processes pick the change up on their next reload
		s.logger.Warn("Failed to broadcast token change", "key", key, "error", err)
	}
	s.notify()
}

func (s *TokenService) notify() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
