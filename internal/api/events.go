package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
)

// EventHandler serves events.subscribe: a Server-Sent Events stream of
// EventBus traffic, filtered by the topicFilter query parameter. It is the
// administrative API's window onto the same bus internal/eventbus.Hub
// exposes to push gateways over WebSocket — a second subscriber kind on
// the same EventBus, not a second bus.
type EventHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

func NewEventHandler(bus *eventbus.Bus, logger *zap.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger.Named("event_handler")}
}

type sseEvent struct {
	Seq     uint64 `json:"seq"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Subscribe handles GET /api/v1/events. topicFilter is a comma-separated
// list of topics; omitted or "*" subscribes to every topic.
func (h *EventHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	topics := []string{eventbus.AllTopics}
	if raw := r.URL.Query().Get("topicFilter"); raw != "" && raw != eventbus.AllTopics {
		topics = strings.Split(raw, ",")
	}
	sub := h.bus.Subscribe(topics...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(sseEvent{Seq: ev.Seq, Topic: ev.Topic, Type: string(ev.Type), Payload: ev.Payload})
			if err != nil {
				h.logger.Warn("failed to marshal event for sse", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
