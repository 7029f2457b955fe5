// Package events publishes the typed observability events of the core on an
// in-process hub for the surrounding app to consume.
package events

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/pubsub/v2"

	"osmcache/internal/metrics"
)

// Kind names an observability event and doubles as its hub topic
type Kind string

const (
	KindAuthStateChanged        Kind = "auth_state_changed"
	KindSyncStarted             Kind = "sync_started"
	KindSyncDatasetCompleted    Kind = "sync_dataset_completed"
	KindSyncFinished            Kind = "sync_finished"
	KindMigrationPhaseCompleted Kind = "migration_phase_completed"
	KindRateBlocked             Kind = "rate_blocked"
)

// Kinds lists every event kind
var Kinds = []Kind{
	KindAuthStateChanged,
	KindSyncStarted,
	KindSyncDatasetCompleted,
	KindSyncFinished,
	KindMigrationPhaseCompleted,
	KindRateBlocked,
}

// Event is one emitted observability event
type Event struct {
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlationId"`
	MonotonicMs   int64          `json:"monotonicMs"`
	Sequence      uint64         `json:"sequence"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Emitter is what components need to report events
type Emitter interface {
	Emit(kind Kind, correlationID string, payload map[string]any) Event
}

// Hub stamps and fans out events
type Hub struct {
	hub       *pubsub.SimpleHub
	monotonic func() time.Duration
	seq       atomic.Uint64
	logger    *slog.Logger
}

// NewHub creates a hub. monotonic supplies the event timestamps and must never decrease.
func NewHub(monotonic func() time.Duration) *Hub {
	if monotonic == nil {
		start := time.Now()
		monotonic = func() time.Duration { return time.Since(start) }
	}
	return &Hub{
		hub:       pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		monotonic: monotonic,
		logger:    slog.Default(),
	}
}

// NewCorrelationID returns a fresh id tying together the events of one operation
func NewCorrelationID() string {
	return uuid.NewString()
}

// Emit scrubs the payload and publishes the event. Delivery is asynchronous
// but subscribers see events in emission order.
func (h *Hub) Emit(kind Kind, correlationID string, payload map[string]any) Event {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	ev := Event{
		Kind:          kind,
		CorrelationID: correlationID,
		MonotonicMs:   h.monotonic().Milliseconds(),
		Sequence:      h.seq.Add(1),
		Payload:       Scrub(payload),
	}
	metrics.EventsEmittedTotal.WithLabelValues(string(kind)).Inc()
	h.logger.Debug("Emitted event", "kind", kind, "correlation_id", correlationID, "sequence", ev.Sequence)
	_ = h.hub.Publish(string(kind), ev)
	return ev
}

// Subscribe registers fn for one event kind and returns the unsubscribe func
func (h *Hub) Subscribe(kind Kind, fn func(Event)) func() {
	return h.hub.Subscribe(string(kind), func(_ string, data interface{}) {
		if ev, ok := data.(Event); ok {
			fn(ev)
		}
	})
}

// SubscribeAll registers fn for every event kind
func (h *Hub) SubscribeAll(fn func(Event)) func() {
	known := make(map[string]bool, len(Kinds))
	for _, k := range Kinds {
		known[string(k)] = true
	}
	return h.hub.SubscribeMatch(func(topic string) bool { return known[topic] }, func(_ string, data interface{}) {
		if ev, ok := data.(Event); ok {
			fn(ev)
		}
	})
}

// forbiddenKeys are payload keys that may carry credentials or member PII.
// Keys are compared lower-cased with separators removed.
var forbiddenKeys = map[string]bool{
	"token":         true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"idtoken":       true,
	"authorization": true,
	"cookie":        true,
	"secret":        true,
	"apikey":        true,
	"firstname":     true,
	"lastname":      true,
	"membername":    true,
	"dateofbirth":   true,
	"dob":           true,
	"patrol":        true,
	"email":         true,
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

// Scrub returns a copy of payload without credential or PII keys, descending into nested maps
func Scrub(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if forbiddenKeys[normalizeKey(k)] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = Scrub(nested)
		}
		out[k] = v
	}
	return out
}

// Discard is an Emitter that drops events
type Discard struct{}

func (Discard) Emit(kind Kind, correlationID string, payload map[string]any) Event {
	return Event{Kind: kind, CorrelationID: correlationID}
}
