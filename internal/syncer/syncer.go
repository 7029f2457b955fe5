// Package syncer refreshes the cached OSM datasets in dependency order.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"osmcache/internal/auth"
	"osmcache/internal/config"
	"osmcache/internal/database"
	"osmcache/internal/events"
	"osmcache/internal/metrics"
	"osmcache/internal/model"
	"osmcache/internal/osm"
)

// Datasets in dependency order
const (
	DatasetSections      = "sections"
	DatasetTerms         = "terms"
	DatasetCurrentTerms  = "current_terms"
	DatasetMembers       = "members"
	DatasetEvents        = "events"
	DatasetAttendance    = "attendance"
	DatasetSectionMovers = "section_movers"
)

// Datasets lists every dataset in the order a full sync refreshes them
var Datasets = []string{
	DatasetSections,
	DatasetTerms,
	DatasetCurrentTerms,
	DatasetMembers,
	DatasetEvents,
	DatasetAttendance,
	DatasetSectionMovers,
}

var (
	ErrUnknownDataset   = errors.New("unknown dataset")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Gateway is the subset of the OSM client the controller calls
type Gateway interface {
	ListSections(ctx context.Context) ([]model.Section, error)
	ListTerms(ctx context.Context) ([]model.Term, error)
	ListMembers(ctx context.Context, section model.Section, termID string) ([]model.Member, error)
	ListEvents(ctx context.Context, section model.Section, termID string) ([]model.Event, error)
	GetAttendance(ctx context.Context, event model.Event, termID string) ([]model.AttendanceRecord, error)
	SectionMovers(ctx context.Context, sectionID, termID, recordName string) (*model.FlexiRecord, error)
}

// Gate admits a sync and is told how it ended
type Gate interface {
	BeginSync(ctx context.Context, correlationID string) (context.Context, func(error), error)
}

// Clock supplies the sync timestamps
type Clock interface {
	NowMs() int64
	Today() model.Date
}

// DatasetResult is the outcome of one dataset, or one partition of it
type DatasetResult struct {
	Dataset   string `json:"dataset"`
	Partition string `json:"partition,omitempty"`
	Result    string `json:"result"`
	Rows      int    `json:"rows"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a full or partial sync
type Result struct {
	CorrelationID     string          `json:"correlationId"`
	Outcome           string          `json:"outcome"`
	Reason            string          `json:"reason,omitempty"`
	Datasets          []DatasetResult `json:"datasets"`
	StartedAtEpochMs  int64           `json:"startedAtEpochMs"`
	FinishedAtEpochMs int64           `json:"finishedAtEpochMs"`
}

// Controller runs syncs. At most one full sync is in flight; callers arriving
// during one share its result. Partial refreshes of the same dataset and
// partition are coalesced the same way.
type Controller struct {
	db           *database.DB
	gateway      Gateway
	gate         Gate
	events       events.Emitter
	clock        Clock
	lookbackDays int
	moversRecord string
	logger       *slog.Logger
	group        singleflight.Group
}

// NewController creates a sync controller
func NewController(db *database.DB, gateway Gateway, gate Gate, emitter events.Emitter, clk Clock, cfg *config.Config) *Controller {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Controller{
		db:           db,
		gateway:      gateway,
		gate:         gate,
		events:       emitter,
		clock:        clk,
		lookbackDays: cfg.AttendanceLookbackDays,
		moversRecord: cfg.SectionMoversRecord,
		logger:       slog.Default(),
	}
}

// SyncAll refreshes every dataset. A refused sync returns a Result with the
// reason and the *auth.NotReadyError without any gateway call.
func (c *Controller) SyncAll(ctx context.Context) (Result, error) {
	v, err, shared := c.group.Do("all", func() (any, error) {
		return c.run(context.WithoutCancel(ctx), Datasets, "")
	})
	if shared {
		c.logger.Debug("Joined in-flight sync")
	}
	return v.(Result), err
}

// RefreshDataset refreshes one dataset, optionally restricted to one
// partition: a section id for members, events and section_movers, an event
// id for attendance.
func (c *Controller) RefreshDataset(ctx context.Context, dataset, partition string) (Result, error) {
	if !isDataset(dataset) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDataset, dataset)
	}
	if partition != "" && !partitioned(dataset) {
		return Result{}, fmt.Errorf("%w: dataset %s has no partitions", ErrUnknownPartition, dataset)
	}
	if partition != "" {
		if err := c.checkPartition(ctx, dataset, partition); err != nil {
			return Result{}, err
		}
	}
	v, err, _ := c.group.Do(dataset+"|"+partition, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), []string{dataset}, partition)
	})
	return v.(Result), err
}

// ClearCache removes every cached dataset and its sync timestamps. Auth
// state and migration progress are kept.
func (c *Controller) ClearCache(ctx context.Context) error {
	tables := []string{
		database.TableSections,
		database.TableTerms,
		database.TableCurrentTerms,
		database.TableMembers,
		database.TableEvents,
		database.TableAttendance,
		database.TableSectionMovers,
		database.TableLastSync,
	}
	err := c.db.Update(ctx, func(tx *database.Tx) error {
		for _, table := range tables {
			if err := tx.DeleteAll(table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Info("Cleared cached datasets")
	return nil
}

func (c *Controller) run(ctx context.Context, datasets []string, partition string) (Result, error) {
	correlationID := events.NewCorrelationID()
	res := Result{CorrelationID: correlationID, StartedAtEpochMs: c.clock.NowMs()}
	full := len(datasets) == len(Datasets)

	syncCtx, finish, err := c.gate.BeginSync(ctx, correlationID)
	if err != nil {
		res.Outcome = metrics.OutcomeSkipped
		var notReady *auth.NotReadyError
		if errors.As(err, &notReady) {
			res.Reason = notReady.Reason
		}
		res.FinishedAtEpochMs = c.clock.NowMs()
		if full {
			metrics.SyncRunsTotal.WithLabelValues(res.Outcome).Inc()
		}
		c.logger.Info("Sync refused", "reason", res.Reason, "correlation_id", correlationID)
		return res, err
	}

	var timer *prometheus.Timer
	if full {
		timer = prometheus.NewTimer(metrics.SyncDuration)
	}
	c.events.Emit(events.KindSyncStarted, correlationID, map[string]any{
		"datasets":  datasets,
		"partition": partition,
	})
	c.logger.Info("Sync started", "datasets", datasets, "partition", partition, "correlation_id", correlationID)

	p := &pass{c: c, ctx: syncCtx, correlationID: correlationID, partition: partition}
	stopErr := p.execute(datasets)
	res.Datasets = p.results

	res.Outcome = outcome(stopErr, p.failed)
	res.FinishedAtEpochMs = c.clock.NowMs()

	// A partial sync with at least one success still proves the token works
	finishErr := stopErr
	if finishErr == nil && p.failed > 0 && p.succeeded == 0 {
		finishErr = p.firstFailure
	}
	finish(finishErr)

	if full {
		timer.ObserveDuration()
		metrics.SyncRunsTotal.WithLabelValues(res.Outcome).Inc()
	}
	c.events.Emit(events.KindSyncFinished, correlationID, map[string]any{
		"outcome":   res.Outcome,
		"datasets":  len(res.Datasets),
		"failed":    p.failed,
		"succeeded": p.succeeded,
	})
	c.logger.Info("Sync finished", "outcome", res.Outcome, "failed", p.failed, "correlation_id", correlationID)

	if stopErr != nil {
		return res, stopErr
	}
	return res, nil
}

func outcome(stopErr error, failed int) string {
	switch {
	case stopErr == nil && failed == 0:
		return metrics.OutcomeCompleted
	case stopErr == nil:
		return metrics.OutcomePartial
	case osm.IsRateBlocked(stopErr):
		return metrics.OutcomeBlocked
	case osm.IsAuthExpired(stopErr):
		return metrics.OutcomeTokenExpired
	default:
		return metrics.OutcomeCancelled
	}
}

// fatal reports whether err must stop the whole sync
func fatal(ctx context.Context, err error) bool {
	return osm.IsRateBlocked(err) || osm.IsAuthExpired(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func isDataset(name string) bool {
	for _, d := range Datasets {
		if d == name {
			return true
		}
	}
	return false
}

func partitioned(dataset string) bool {
	switch dataset {
	case DatasetMembers, DatasetEvents, DatasetAttendance, DatasetSectionMovers:
		return true
	}
	return false
}

func stamp(dataset string, nowMs int64) model.LastSync {
	return model.LastSync{Dataset: dataset, EpochMs: nowMs}
}

// PartitionKey is the LastSync key of one partition of a dataset
func PartitionKey(dataset, partition string) string {
	return dataset + ":" + partition
}
