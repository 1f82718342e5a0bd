package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/ws"
)

// Service broadcasts execution events to observers subscribed in the local hub.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Emit delivers event to every subscriber of its execution token.
func (s Service) Emit(ctx context.Context, event domain.Event) {
	data, err := Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal execution event", "execution_id", event.ExecutionToken, "error", err)
		return
	}
	s.hub.Broadcast(event.ExecutionToken, data)
}

// Subscribe adds an observer to an execution's scope.
func (s Service) Subscribe(token string, sub ws.Subscriber) {
	s.hub.Register(token, sub)
}

// Unsubscribe removes an observer from an execution's scope.
func (s Service) Unsubscribe(token string, sub ws.Subscriber) {
	s.hub.Unregister(token, sub)
}

// Hub returns the local hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Envelope is the wire form of an event.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Marshal formats an event for streaming payloads.
func Marshal(event domain.Event) ([]byte, error) {
	data := map[string]any{
		"execution_id": event.ExecutionToken,
		"status":       string(event.Status),
	}
	if event.Kind == domain.EventStageUpdate {
		data["stage_name"] = event.StageName
		data["order_index"] = event.OrderIndex
	}
	if !event.OccurredAt.IsZero() {
		data["timestamp"] = event.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(Envelope{Event: string(event.Kind), Data: data})
}
