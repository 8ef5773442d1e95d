package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nektus/exchange-server-go/internal/errors"
	"github.com/nektus/exchange-server-go/internal/service"
	"github.com/nektus/exchange-server-go/internal/sse"
	"github.com/nektus/exchange-server-go/internal/util"
)

type EventsHandler struct {
	broker  *sse.Broker
	matcher *service.MatcherService
}

func NewEventsHandler(broker *sse.Broker, matcher *service.MatcherService) *EventsHandler {
	return &EventsHandler{
		broker:  broker,
		matcher: matcher,
	}
}

// GET /v1/exchange/events?sessionId=...
//
// Streams exchange events for a session. A match that raced the connection
// is replayed immediately so the client never misses it.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !util.IsValidUUID(sessionID) {
		writeError(w, apperrors.InvalidInput("sessionId", "must be a UUID"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("sessionId", sessionID).
		Msg("sse connection established")

	ctx := r.Context()

	h.sendEvent(w, flusher, "connected", map[string]any{
		"sessionId": sessionID,
	})

	if err := h.replayExistingMatch(w, flusher, r); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to replay existing match")
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("sessionId", sessionID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("sessionId", sessionID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("sessionId", sessionID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) replayExistingMatch(w http.ResponseWriter, flusher http.Flusher, r *http.Request) error {
	sessionID := r.URL.Query().Get("sessionId")

	m, err := h.matcher.LookupMatchBySession(r.Context(), sessionID)
	if err != nil || m == nil {
		return err
	}

	youAre := "A"
	if m.SessionB == sessionID {
		youAre = "B"
	}
	return h.sendEvent(w, flusher, "match-found", map[string]any{
		"token":  m.Token,
		"youAre": youAre,
	})
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: payload})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
