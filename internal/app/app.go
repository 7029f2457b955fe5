// Package app assembles the client core from its configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"osmcache/internal/auth"
	"osmcache/internal/broadcast"
	"osmcache/internal/config"
	"osmcache/internal/database"
	"osmcache/internal/env"
	"osmcache/internal/events"
	"osmcache/internal/migration"
	"osmcache/internal/model"
	"osmcache/internal/oauth"
	"osmcache/internal/osm"
	"osmcache/internal/projection"
	"osmcache/internal/syncer"
	"osmcache/internal/worker"
)

// recordedEvents is how many recent events the /events endpoint can replay
const recordedEvents = 1000

// App holds every component of a running client
type App struct {
	Config    *config.Config
	Env       *env.Environment
	DB        *database.DB
	Bus       broadcast.Bus
	Events    *events.Hub
	Recorder  *events.Recorder
	Migration *migration.Migrator
	Tokens    *oauth.TokenService
	OSM       *osm.Client
	Auth      *auth.Machine
	Sync      *syncer.Controller
	Login     *oauth.Manager
	Worker    *worker.Worker

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is the combined client status
type Status struct {
	Auth      auth.Status            `json:"auth"`
	LastSync  []model.LastSync       `json:"lastSync"`
	RateLimit osm.RateLimitStatus    `json:"rateLimit"`
	Migration []model.MigrationPhase `json:"migration"`
	SessionID string                 `json:"sessionId"`
	Mobile    bool                   `json:"mobile"`
}

// New opens the store, runs the legacy migration and wires the components.
// A nil clock means the wall clock.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock) (*App, error) {
	logger := slog.Default()
	e := env.New(clk, cfg.Platform, cfg.ViewportWidth)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	db.SetClock(e.Now)
	if err := db.SetMaxPages(ctx, cfg.StoreMaxPages); err != nil {
		db.Close()
		return nil, err
	}

	a := &App{Config: cfg, Env: e, DB: db, logger: logger}

	a.Events = events.NewHub(e.Monotonic)
	a.Recorder = events.NewRecorder(a.Events, recordedEvents)
	a.Migration = migration.New(db, a.Events, e.Today, e.NowMs)
	if report, err := a.Migration.Run(ctx); err != nil {
		// Later phases retry on the next start; readers fall back to legacy data meanwhile
		logger.Warn("Legacy migration incomplete", "error", err, "phases", len(report.Phases))
	}

	if cfg.RedisURL != "" {
		bus, err := broadcast.NewRedisBus(cfg.RedisURL)
		if err != nil {
			a.Recorder.Close()
			db.Close()
			return nil, err
		}
		a.Bus = bus
	} else {
		a.Bus = broadcast.NewLocalBus()
	}

	a.Tokens, err = oauth.NewTokenService(ctx, db, a.Bus, e.SessionID, e.Now)
	if err != nil {
		a.Recorder.Close()
		a.Bus.Close()
		db.Close()
		return nil, err
	}

	a.OSM = osm.NewClient(cfg, a.Tokens, e.Clock)

	a.Auth, err = auth.NewMachine(auth.Config{
		Tokens:           a.Tokens,
		Validator:        a.OSM,
		Cache:            db,
		Events:           a.Events,
		Clock:            e.Clock,
		ValidationWindow: cfg.ValidationWindow,
		Tick:             cfg.ExpiryTick,
		Logger:           logger,
	})
	if err != nil {
		a.Tokens.Close()
		a.Recorder.Close()
		a.Bus.Close()
		db.Close()
		return nil, err
	}

	a.Sync = syncer.NewController(db, a.OSM, a.Auth, a.Events, e, cfg)
	a.Login = oauth.NewManager(cfg, a.Tokens, e.Clock)
	a.Worker = worker.NewWorker(a.Sync, a.Auth, e.Clock, cfg)

	logger.Info("Client assembled", "state", a.Auth.State(), "session_id", e.SessionID, "platform", e.Platform)
	return a, nil
}

// Start runs the expiry tick and the auto-sync worker until Close
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Auth.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Worker.Start(ctx); err != nil && err != context.Canceled {
			a.logger.Error("Auto-sync worker failed", "error", err)
		}
	}()
}

// Close stops every component and closes the store
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Auth.Stop()
	a.Login.Close()
	a.Tokens.Close()
	a.Recorder.Close()
	if err := a.Bus.Close(); err != nil {
		a.logger.Warn("Failed to close broadcast bus", "error", err)
	}
	return a.DB.Close()
}

// CompleteLogin ingests the token carried by a login redirect URL and
// validates it. It returns the URL with the token parameters removed.
func (a *App) CompleteLogin(ctx context.Context, rawURL string) (auth.State, string, error) {
	a.logger.Info("Login callback received", "url", oauth.RedactURL(rawURL))

	cb, cleaned, err := oauth.ParseCallbackURL(rawURL)
	if err != nil {
		return a.Auth.State(), "", err
	}
	state, err := a.Auth.CompleteLogin(ctx, func(ctx context.Context) error {
		_, err := a.Login.IngestCallback(ctx, cb)
		return err
	})
	return state, cleaned, err
}

// Status reports the auth state with the sync and migration progress
func (a *App) Status(ctx context.Context) (Status, error) {
	lastSync, err := a.DB.ListLastSync(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load sync times: %w", err)
	}
	phases, err := a.Migration.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load migration status: %w", err)
	}
	if lastSync == nil {
		lastSync = []model.LastSync{}
	}
	return Status{
		Auth:      a.Auth.Status(),
		LastSync:  lastSync,
		RateLimit: a.OSM.RateLimitStatus(),
		Migration: phases,
		SessionID: a.Env.SessionID,
		Mobile:    a.Env.IsMobile(),
	}, nil
}

// Project runs the movement projection over the cache. A zero today means
// the current date.
func (a *App) Project(ctx context.Context, terms int, today model.Date) (projection.Projection, error) {
	if today.IsZero() {
		today = a.Env.Today()
	}
	return projection.FromStore(ctx, a.DB, terms, today)
}
