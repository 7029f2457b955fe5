package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"osmcache/internal/events"
)

// EventsHandler streams the recorded observability events
type EventsHandler struct {
	recorder     *events.Recorder
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(recorder *events.Recorder) *EventsHandler {
	return &EventsHandler{
		recorder:     recorder,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  30 * time.Second,
	}
}

// HandleEvents handles GET /events with optional long-polling
// Query parameters:
//   - cursor: Last sequence seen (default: 0)
//   - limit: Maximum events to return (default: 100, max: 1000)
//   - long_poll: Enable long-polling (default: false)
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse query parameters
	query := r.URL.Query()

	cursor := uint64(0)
	if cursorStr := query.Get("cursor"); cursorStr != "" {
		var err error
		cursor, err = strconv.ParseUint(cursorStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid cursor parameter", http.StatusBadRequest)
			return
		}
	}

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		if limit < 1 || limit > 1000 {
			http.Error(w, "Limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}

	// Parse long_poll parameter (default: false)
	longPoll := false
	if query.Has("long_poll") && query.Get("long_poll") == "" {
		longPoll = true
	} else if longPollStr := query.Get("long_poll"); longPollStr != "" {
		longPoll = longPollStr == "true" || longPollStr == "1"
	}

	h.logger.Debug("Events request", "cursor", cursor, "limit", limit, "long_poll", longPoll)

	var evts []events.Event
	if longPoll {
		evts = h.longPollEvents(r, cursor, limit)
	} else {
		evts = h.recorder.Since(cursor, limit)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": evts,
		"cursor": latestCursor(evts, cursor),
	})
}

// longPollEvents polls for events until some are available, the timeout
// passes or the client goes away
func (h *EventsHandler) longPollEvents(r *http.Request, cursor uint64, limit int) []events.Event {
	deadline := time.Now().Add(h.pollTimeout)

	for {
		if evts := h.recorder.Since(cursor, limit); len(evts) > 0 {
			return evts
		}

		if time.Now().After(deadline) {
			h.logger.Debug("Long-poll timeout, returning empty", "cursor", cursor)
			return []events.Event{}
		}

		select {
		case <-r.Context().Done():
			return []events.Event{}
		case <-time.After(h.pollInterval):
		}
	}
}

// latestCursor returns the sequence of the last event, or the original cursor
func latestCursor(evts []events.Event, current uint64) uint64 {
	if len(evts) == 0 {
		return current
	}
	return evts[len(evts)-1].Sequence
}
