package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"osmcache/internal/events"
	"osmcache/internal/metrics"
	"osmcache/internal/oauth"
	"osmcache/internal/osm"
)

// Reasons returned when a sync may not start
const (
	ReasonNotAuthenticated = "not_authenticated"
	ReasonBlocked          = "blocked"
	ReasonTokenExpired     = "token_expired"
	ReasonOffline          = "offline"
)

// TransitionLoginValidated is the reason on the transition that ends a login
const TransitionLoginValidated = "login_validated"

// ErrNoToken is returned by actions that need a token when none is held
var ErrNoToken = errors.New("no access token")

// NotReadyError is returned when a remote operation is refused in the current state
type NotReadyError struct {
	State  State
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("refused in state %s: %s", e.State, e.Reason)
}

// Tokens is the token state the machine reads and updates
type Tokens interface {
	Snapshot() oauth.Snapshot
	Subscribe(fn func()) func()
	MarkBlocked(ctx context.Context) error
	ClearBlocked(ctx context.Context) error
	MarkValidated(atMs int64)
	ExpireNow(ctx context.Context) error
	ClearToken(ctx context.Context) error
}

// Validator checks the current token against OSM
type Validator interface {
	Probe(ctx context.Context) error
}

// CacheChecker reports whether any cached data exists
type CacheChecker interface {
	HasCachedData(ctx context.Context) (bool, error)
}

// Config holds the machine's collaborators
type Config struct {
	Tokens           Tokens
	Validator        Validator
	Cache            CacheChecker
	Events           events.Emitter
	Clock            clock.Clock
	ValidationWindow time.Duration
	Tick             time.Duration
	Logger           *slog.Logger
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Tokens == nil {
		return errors.New("nil Tokens")
	}
	if c.Validator == nil {
		return errors.New("nil Validator")
	}
	if c.Cache == nil {
		return errors.New("nil Cache")
	}
	if c.ValidationWindow <= 0 {
		return errors.New("validation window must be positive")
	}
	if c.Tick <= 0 {
		return errors.New("tick must be positive")
	}
	return nil
}

// Transition is a state change reported to subscribers
type Transition struct {
	From   State
	To     State
	Reason string
}

// Status is the externally visible auth status
type Status struct {
	State                 State  `json:"state"`
	Message               string `json:"message,omitempty"`
	HasToken              bool   `json:"hasToken"`
	ExpiresAtEpochMs      int64  `json:"expiresAtEpochMs,omitempty"`
	LastValidationEpochMs int64  `json:"lastValidationEpochMs,omitempty"`
	Blocked               bool   `json:"blocked"`
	StayOffline           bool   `json:"stayOffline"`
	LastError             string `json:"lastError,omitempty"`
}

// Machine serializes every auth transition. Each transition handler runs to
// completion, including any validation call, before the next one starts.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	stayOffline bool
	// offline is set when a validation failed on transport. The state then
	// reads cached_only or no_data even though the token may still be valid.
	// Reconnect, a new login or logout clears it.
	offline       bool
	awaitingLogin bool
	inFlight      int
	hasCache      bool
	lastErr       string
	cancels       map[int]context.CancelFunc
	nextCancel    int
	pending       []Transition

	started      bool
	baseCtx      context.Context
	tickCancel   context.CancelFunc
	unsubscribe  func()
	stateMu      sync.RWMutex
	shown        shownStatus
	listenersMu  sync.Mutex
	listeners    map[int]func(Transition)
	nextListener int
}

// shownStatus is the part of Status owned by mu, copied after every
// transition so Status never waits on a running validation request
type shownStatus struct {
	stayOffline bool
	lastErr     string
}

// NewMachine creates a machine and derives its initial state
func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg:       cfg,
		logger:    logger,
		cancels:   make(map[int]context.CancelFunc),
		listeners: make(map[int]func(Transition)),
		baseCtx:   context.Background(),
	}

	m.mu.Lock()
	m.evaluateLocked(context.Background(), "init", "")
	m.pending = nil
	m.mu.Unlock()

	return m, nil
}

// Start begins the expiry tick and listens for token changes from any process
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.baseCtx = ctx
	m.unsubscribe = m.cfg.Tokens.Subscribe(func() {
		go m.Evaluate("token_changed")
	})
	m.mu.Unlock()

	m.Evaluate("start")
}

// Stop ends the tick and the token subscription
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.stopTickLocked()
}

// State returns the current state
func (m *Machine) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Status returns the state with its supporting facts
func (m *Machine) Status() Status {
	snap := m.cfg.Tokens.Snapshot()
	m.stateMu.RLock()
	state, shown := m.state, m.shown
	m.stateMu.RUnlock()

	return Status{
		State:                 state,
		Message:               Message(state),
		HasToken:              snap.HasToken,
		ExpiresAtEpochMs:      snap.ExpiresAtEpochMs,
		LastValidationEpochMs: snap.LastValidationEpochMs,
		Blocked:               snap.Blocked,
		StayOffline:           shown.stayOffline,
		LastError:             shown.lastErr,
	}
}

// StayOfflineChosen reports whether the user chose to continue offline
func (m *Machine) StayOfflineChosen() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.shown.stayOffline
}

// Subscribe registers fn for every state change
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Evaluate re-derives the state from current facts
func (m *Machine) Evaluate(reason string) State {
	m.run(func(ctx context.Context) error {
		m.evaluateLocked(ctx, reason, "")
		return nil
	})
	return m.State()
}

// Tick re-evaluates expiry without any network call
func (m *Machine) Tick() State {
	return m.Evaluate("tick")
}

// CompleteLogin ingests a login callback and validates the new token. The
// state moves to syncing before ingest runs.
func (m *Machine) CompleteLogin(ctx context.Context, ingest func(context.Context) error) (State, error) {
	err := m.run(func(_ context.Context) error {
		m.stayOffline = false
		m.offline = false
		m.awaitingLogin = false
		m.inFlight++
		m.evaluateLocked(ctx, "login_completed", "")

		err := ingest(ctx)
		if err == nil && !m.cfg.Tokens.Snapshot().Blocked {
			err = m.validateLocked(ctx, "")
		}
		m.inFlight--
		if err != nil {
			m.lastErr = err.Error()
		}
		m.evaluateLocked(ctx, TransitionLoginValidated, "")
		return err
	})
	return m.State(), err
}

// StayOffline records the user's choice to keep using cached data after
// the token expired. It is a no-op in other states.
func (m *Machine) StayOffline() State {
	m.run(func(ctx context.Context) error {
		if m.state != StateTokenExpired && !m.awaitingLogin {
			return nil
		}
		m.stayOffline = true
		m.awaitingLogin = false
		m.evaluateLocked(ctx, "stay_offline", "")
		return nil
	})
	return m.State()
}

// Relogin records the user's choice to log in again after expiry and waits
// for the callback. It is a no-op in other states.
func (m *Machine) Relogin() State {
	m.run(func(ctx context.Context) error {
		expiredOffline := m.state == StateCachedOnly && m.stayOffline
		if m.state != StateTokenExpired && !expiredOffline {
			return nil
		}
		m.stayOffline = false
		m.awaitingLogin = true
		m.evaluateLocked(ctx, "relogin", "")
		return nil
	})
	return m.State()
}

// Logout cancels in-flight syncs, clears the token and stops the tick
func (m *Machine) Logout(ctx context.Context) error {
	return m.run(func(_ context.Context) error {
		m.cancelSyncsLocked()
		err := m.cfg.Tokens.ClearToken(ctx)
		m.stayOffline = false
		m.offline = false
		m.awaitingLogin = false
		m.lastErr = ""
		m.evaluateLocked(ctx, "logout", "")
		return err
	})
}

// Unblock makes one validation call past the blocked flag. Any answer that is not
// itself a block clears the flag.
func (m *Machine) Unblock(ctx context.Context) (State, error) {
	err := m.run(func(_ context.Context) error {
		snap := m.cfg.Tokens.Snapshot()
		if !snap.Blocked {
			return nil
		}
		if !snap.HasToken {
			return ErrNoToken
		}

		checkErr := m.cfg.Validator.Probe(ctx)
		var err error
		switch {
		case checkErr == nil:
			if err = m.cfg.Tokens.ClearBlocked(ctx); err == nil {
				m.cfg.Tokens.MarkValidated(m.cfg.Clock.Now().UnixMilli())
				m.offline = false
			}
		case osm.IsAuthExpired(checkErr):
			if err = m.cfg.Tokens.ClearBlocked(ctx); err == nil {
				err = m.cfg.Tokens.ExpireNow(ctx)
			}
		default:
			err = checkErr
		}
		if err != nil {
			m.lastErr = err.Error()
		}
		m.evaluateLocked(ctx, "unblock", "")
		return err
	})
	return m.State(), err
}

// Reconnect retries validation after a transport failure left the client
// offline with an unexpired token. It is a no-op otherwise.
func (m *Machine) Reconnect(ctx context.Context) (State, error) {
	err := m.run(func(_ context.Context) error {
		snap := m.cfg.Tokens.Snapshot()
		if !m.offline || snap.Blocked || snap.Expired(m.cfg.Clock.Now().UnixMilli()) {
			return nil
		}
		m.inFlight++
		m.evaluateLocked(ctx, "reconnect", "")
		err := m.validateLocked(ctx, "")
		m.inFlight--
		if err != nil {
			m.lastErr = err.Error()
		} else {
			m.lastErr = ""
		}
		m.evaluateLocked(ctx, "reconnect", "")
		return err
	})
	return m.State(), err
}

// BeginSync admits a sync when the state is authenticated, revalidating a
// token not validated within the window first. It returns a context that is
// cancelled on logout or block, and the func that must end the sync.
func (m *Machine) BeginSync(ctx context.Context, correlationID string) (context.Context, func(error), error) {
	var syncCtx context.Context
	var id int
	err := m.run(func(_ context.Context) error {
		facts := m.factsLocked(ctx)
		if facts.Blocked {
			return &NotReadyError{State: m.state, Reason: ReasonBlocked}
		}
		facts.Busy = false
		if m.awaitingLogin || Derive(facts) != StateAuthenticated {
			return &NotReadyError{State: m.state, Reason: ReasonNotAuthenticated}
		}

		m.inFlight++
		m.evaluateLocked(ctx, "sync_started", correlationID)

		snap := m.cfg.Tokens.Snapshot()
		nowMs := m.cfg.Clock.Now().UnixMilli()
		if nowMs-snap.LastValidationEpochMs > m.cfg.ValidationWindow.Milliseconds() {
			if err := m.validateLocked(ctx, correlationID); err != nil {
				m.inFlight--
				m.lastErr = err.Error()
				m.evaluateLocked(ctx, "validation_failed", correlationID)
				return &NotReadyError{State: m.state, Reason: reasonFor(err)}
			}
		}

		var cancel context.CancelFunc
		syncCtx, cancel = context.WithCancel(ctx)
		id = m.nextCancel
		m.nextCancel++
		m.cancels[id] = cancel
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	finish := func(syncErr error) {
		once.Do(func() { m.endSync(id, syncErr, correlationID) })
	}
	return syncCtx, finish, nil
}

func (m *Machine) endSync(id int, syncErr error, correlationID string) {
	m.run(func(ctx context.Context) error {
		if cancel, ok := m.cancels[id]; ok {
			cancel()
			delete(m.cancels, id)
		}
		m.inFlight--
		if syncErr == nil {
			m.offline = false
			m.lastErr = ""
			m.cfg.Tokens.MarkValidated(m.cfg.Clock.Now().UnixMilli())
		} else {
			m.handleErrorLocked(ctx, syncErr, correlationID)
		}
		m.evaluateLocked(ctx, "sync_finished", correlationID)
		return nil
	})
}

// ReportError applies a gateway error observed outside a sync
func (m *Machine) ReportError(ctx context.Context, err error, correlationID string) State {
	m.run(func(_ context.Context) error {
		m.handleErrorLocked(ctx, err, correlationID)
		m.evaluateLocked(ctx, "gateway_error", correlationID)
		return nil
	})
	return m.State()
}

func (m *Machine) handleErrorLocked(ctx context.Context, err error, correlationID string) {
	switch {
	case osm.IsRateBlocked(err):
		m.lastErr = err.Error()
		if m.cfg.Tokens.Snapshot().Blocked {
			return
		}
		metrics.RateBlockedTotal.Inc()
		m.cfg.Events.Emit(events.KindRateBlocked, correlationID, nil)
		if err := m.cfg.Tokens.MarkBlocked(ctx); err != nil {
			m.logger.Error("Failed to persist blocked flag", "error", err)
		}
	case osm.IsAuthExpired(err):
		m.lastErr = err.Error()
		if err := m.cfg.Tokens.ExpireNow(ctx); err != nil {
			m.logger.Error("Failed to expire rejected token", "error", err)
		}
	case errors.Is(err, context.Canceled):
	default:
		m.lastErr = err.Error()
	}
}

// validateLocked validates with the current token and records the outcome
func (m *Machine) validateLocked(ctx context.Context, correlationID string) error {
	err := m.cfg.Validator.Probe(ctx)
	switch {
	case err == nil:
		m.offline = false
		m.cfg.Tokens.MarkValidated(m.cfg.Clock.Now().UnixMilli())
		return nil
	case osm.IsTransport(err):
		m.offline = true
	default:
		m.handleErrorLocked(ctx, err, correlationID)
	}
	return err
}

func reasonFor(err error) string {
	switch {
	case osm.IsRateBlocked(err):
		return ReasonBlocked
	case osm.IsAuthExpired(err):
		return ReasonTokenExpired
	case osm.IsTransport(err):
		return ReasonOffline
	default:
		return ReasonNotAuthenticated
	}
}

// run executes fn as one serialized transition and then tells subscribers
// about the state changes it made
func (m *Machine) run(fn func(ctx context.Context) error) error {
	m.mu.Lock()
	err := fn(m.baseCtx)
	pending := m.pending
	m.pending = nil
	m.stateMu.Lock()
	m.shown = shownStatus{stayOffline: m.stayOffline, lastErr: m.lastErr}
	m.stateMu.Unlock()
	m.mu.Unlock()

	if len(pending) == 0 {
		return err
	}
	m.listenersMu.Lock()
	fns := make([]func(Transition), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, tr := range pending {
		for _, fn := range fns {
			fn(tr)
		}
	}
	return err
}

func (m *Machine) factsLocked(ctx context.Context) Facts {
	snap := m.cfg.Tokens.Snapshot()
	hasCache, err := m.cfg.Cache.HasCachedData(ctx)
	if err != nil {
		m.logger.Warn("Failed to check cache, keeping last known value", "error", err)
		hasCache = m.hasCache
	}
	m.hasCache = hasCache
	return Facts{
		HasToken:    snap.HasToken,
		Expired:     snap.Expired(m.cfg.Clock.Now().UnixMilli()),
		Blocked:     snap.Blocked,
		HasCache:    hasCache,
		StayOffline: m.stayOffline,
		Offline:     m.offline,
		Busy:        m.inFlight > 0 || m.awaitingLogin,
	}
}

func (m *Machine) evaluateLocked(ctx context.Context, reason, correlationID string) {
	facts := m.factsLocked(ctx)
	next := Derive(facts)
	m.syncTickLocked(facts.HasToken)

	prev := m.state
	if next == prev {
		return
	}
	m.stateMu.Lock()
	m.state = next
	m.stateMu.Unlock()

	for _, s := range States {
		v := 0.0
		if s == next {
			v = 1
		}
		metrics.AuthState.WithLabelValues(string(s)).Set(v)
	}
	if prev == "" {
		return
	}

	if next == StateBlocked {
		m.cancelSyncsLocked()
	}
	metrics.AuthTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	m.logger.Info("Auth state changed", "from", prev, "to", next, "reason", reason)
	m.cfg.Events.Emit(events.KindAuthStateChanged, correlationID, map[string]any{
		"from":   string(prev),
		"to":     string(next),
		"reason": reason,
	})
	m.pending = append(m.pending, Transition{From: prev, To: next, Reason: reason})
}

func (m *Machine) cancelSyncsLocked() {
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}

// syncTickLocked runs the expiry tick while a token is held
func (m *Machine) syncTickLocked(hasToken bool) {
	if !m.started {
		return
	}
	if hasToken && m.tickCancel == nil {
		ctx, cancel := context.WithCancel(m.baseCtx)
		m.tickCancel = cancel
		go m.tickLoop(ctx)
	}
	if !hasToken {
		m.stopTickLocked()
	}
}

func (m *Machine) stopTickLocked() {
	if m.tickCancel != nil {
		m.tickCancel()
		m.tickCancel = nil
	}
}

func (m *Machine) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(m.cfg.Tick):
			m.Tick()
		}
	}
}
