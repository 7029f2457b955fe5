package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Results
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	// Sync outcomes
	OutcomeCompleted    = "completed"
	OutcomePartial      = "partial"
	OutcomeTokenExpired = "token_expired"
	OutcomeBlocked      = "blocked"
	OutcomeCancelled    = "cancelled"
	OutcomeSkipped      = "skipped"

	// HTTP endpoints
	EndpointOAuthStart    = "oauth_start"
	EndpointOAuthCallback = "oauth_callback"
	EndpointStatus        = "status"
	EndpointSyncAll       = "sync_all"
	EndpointSyncDataset   = "sync_dataset"
	EndpointProjection    = "projection"
	EndpointAuthAction    = "auth_action"
	EndpointHealth        = "health"
	EndpointCacheClear    = "cache_clear"
	EndpointEvents        = "events"

	// Auto-sync triggers
	TriggerLogin    = "login"
	TriggerInterval = "interval"

	// OSM API operations
	OpProbe          = "probe"
	OpListSections   = "list_sections"
	OpListTerms      = "list_terms"
	OpListMembers    = "list_members"
	OpListEvents     = "list_events"
	OpGetAttendance  = "get_attendance"
	OpListFlexi      = "list_flexi_records"
	OpFlexiStructure = "flexi_structure"
	OpFlexiData      = "flexi_data"

	// Rate limit buckets
	BucketLimit     = "limit"
	BucketRemaining = "remaining"

	// Database operations
	DBOpPut          = "put"
	DBOpGet          = "get"
	DBOpScan         = "scan_prefix"
	DBOpDelete       = "delete"
	DBOpDeleteTable  = "delete_table"
	DBOpIndexLookup  = "index_lookup"
	DBOpCount        = "count"
	DBOpTransaction  = "transaction"
	DBOpLegacyGet    = "legacy_get"
	DBOpLegacyPut    = "legacy_put"
	DBOpLegacyDelete = "legacy_delete"
	DBOpLegacyScan   = "legacy_scan"
	DBOpQuarantine   = "quarantine"
	DBOpMigrate      = "schema_migrate"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// OSM API Metrics
var (
	OSMAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osm_api_requests_total",
			Help: "Total number of OSM API requests",
		},
		[]string{"operation", "status_code"},
	)

	OSMAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osm_api_request_duration_seconds",
			Help:    "OSM API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	OSMAPIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osm_api_retries_total",
			Help: "Total number of retried OSM API attempts",
		},
		[]string{"operation"},
	)

	OSMRateLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osm_rate_limit",
			Help: "OSM API rate limit as reported by response headers",
		},
		[]string{"bucket"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)

	CacheRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_rows",
			Help: "Number of cached rows per table",
		},
		[]string{"table"},
	)

	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invariant_violations_total",
			Help: "Rows quarantined because they failed validation",
		},
		[]string{"table"},
	)
)

// Sync Metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of full sync runs by outcome",
		},
		[]string{"outcome"},
	)

	SyncDatasetTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_dataset_total",
			Help: "Total number of dataset refreshes by result",
		},
		[]string{"dataset", "result"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of full sync runs",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
)

// Auth Metrics
var (
	AuthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_state",
			Help: "Current auth state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	AuthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_transitions_total",
			Help: "Total number of auth state transitions",
		},
		[]string{"from", "to"},
	)

	RateBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_blocked_total",
			Help: "Total number of times OSM blocked the client",
		},
	)
)

// Migration and event Metrics
var (
	MigrationPhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_phases_total",
			Help: "Total number of migration phase runs by result",
		},
		[]string{"phase", "result"},
	)

	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_emitted_total",
			Help: "Total number of observability events emitted",
		},
		[]string{"kind"},
	)
)

// Worker Metrics
var (
	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the auto-sync worker is running (1 = running, 0 = stopped)",
		},
	)

	AutoSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_sync_total",
			Help: "Total number of syncs started by the worker",
		},
		[]string{"trigger", "outcome"},
	)
)
