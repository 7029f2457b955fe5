package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"osmcache/internal/auth"
	"osmcache/internal/config"
	"osmcache/internal/metrics"
	"osmcache/internal/syncer"
)

// Syncer runs a full sync
type Syncer interface {
	SyncAll(ctx context.Context) (syncer.Result, error)
}

// States reports the auth state and its transitions
type States interface {
	State() auth.State
	Subscribe(fn func(auth.Transition)) func()
}

// Worker starts full syncs on its own: once after every completed login, and
// on an interval while authenticated when one is configured
type Worker struct {
	syncer   Syncer
	states   States
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	triggers chan string
}

// NewWorker creates a new auto-sync worker
func NewWorker(s Syncer, states States, clk clock.Clock, cfg *config.Config) *Worker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Worker{
		syncer:   s,
		states:   states,
		clock:    clk,
		interval: cfg.AutoSyncInterval,
		logger:   slog.Default(),
		triggers: make(chan string, 1),
	}
}

// Start runs until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting auto-sync worker", "interval", w.interval)
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	unsubscribe := w.states.Subscribe(func(tr auth.Transition) {
		if tr.To == auth.StateAuthenticated && tr.Reason == auth.TransitionLoginValidated {
			w.trigger(metrics.TriggerLogin)
		}
	})
	defer unsubscribe()

	for {
		// The interval restarts after every sync the worker runs
		var tick <-chan time.Time
		if w.interval > 0 {
			tick = w.clock.After(w.interval)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping auto-sync worker")
			return ctx.Err()
		case trigger := <-w.triggers:
			w.run(ctx, trigger)
		case <-tick:
			if state := w.states.State(); state != auth.StateAuthenticated {
				w.logger.Debug("Skipping interval sync", "state", state)
				continue
			}
			w.run(ctx, metrics.TriggerInterval)
		}
	}
}

// trigger queues a sync. A sync already queued absorbs the new one.
func (w *Worker) trigger(name string) {
	select {
	case w.triggers <- name:
	default:
	}
}

func (w *Worker) run(ctx context.Context, trigger string) {
	res, err := w.syncer.SyncAll(ctx)
	outcome := res.Outcome
	if outcome == "" {
		outcome = metrics.OutcomeCancelled
	}
	metrics.AutoSyncTotal.WithLabelValues(trigger, outcome).Inc()

	if err != nil {
		w.logger.Warn("Auto sync did not complete", "trigger", trigger, "outcome", outcome, "reason", res.Reason, "error", err)
		return
	}
	w.logger.Info("Auto sync finished", "trigger", trigger, "outcome", outcome, "correlation_id", res.CorrelationID)
}
