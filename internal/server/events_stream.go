package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/events"
)

// streamedTypes is the set of event types forwarded to SSE clients
// when no filter is given.
var streamedTypes = []events.EventType{
	events.SessionStarted,
	events.SessionEnded,
	events.SessionPaused,
	events.SessionResumed,
	events.SessionOverrun,
	events.ModeChanged,
	events.GapDetected,
	events.GapFilled,
	events.GapFillFailed,
	events.QualityReport,
	events.SymbolAdded,
	events.SymbolUpgraded,
	events.SymbolRemoved,
	events.IndicatorAdded,
	events.ProvisionFailed,
	events.CatchupStarted,
	events.CatchupFinished,
	events.CatchupAbandoned,
	events.FeedStatusChanged,
	events.StrategyOverrun,
	events.JobStarted,
	events.JobProgress,
	events.JobCompleted,
	events.JobFailed,
	events.ArchiveUploaded,
	events.ErrorOccurred,
}

// EventsStreamHandler streams engine events to clients over
// Server-Sent Events.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE endpoint handler
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// The server's write timeout would cut long-lived streams short
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Optional comma-separated type filter
	subscribed := streamedTypes
	if raw := r.URL.Query().Get("types"); raw != "" {
		subscribed = nil
		for _, t := range strings.Split(raw, ",") {
			subscribed = append(subscribed, events.EventType(strings.TrimSpace(t)))
		}
	}

	// Buffered so a slow client drops events instead of blocking the
	// emitting goroutine.
	eventChan := make(chan *events.Event, 100)
	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}

	unsubscribes := make([]func(), 0, len(subscribed))
	for _, typ := range subscribed {
		unsubscribes = append(unsubscribes, h.bus.Subscribe(typ, handler))
	}
	defer func() {
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()

	h.log.Info().Int("types", len(subscribed)).Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
		"type": "connected",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encode marshals one SSE payload
func (h *EventsStreamHandler) encode(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
