package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event published on the client event bus.
type EventType string

const (
	// Connection lifecycle events.
	EventConnected             EventType = "connection.established"
	EventConnectionLost        EventType = "connection.lost"
	EventConnectionReconnected EventType = "connection.reconnected"
	EventTransportUnavailable  EventType = "connection.unavailable"

	// Turn lifecycle events.
	EventTurnStarted      EventType = "turn.started"
	EventTurnStateChanged EventType = "turn.state.changed"
	EventTurnCompleted    EventType = "turn.completed"
	EventTurnCancelled    EventType = "turn.cancelled"
	EventTurnFailed       EventType = "turn.failed"

	// Message events.
	EventMessageAppended EventType = "message.appended"
	EventMessageDelta    EventType = "message.delta"

	// Tool invocation lifecycle events.
	EventInvocationQueued    EventType = "invocation.queued"
	EventInvocationRunning   EventType = "invocation.running"
	EventInvocationSucceeded EventType = "invocation.succeeded"
	EventInvocationFailed    EventType = "invocation.failed"
	EventInvocationCancelled EventType = "invocation.cancelled"

	// Diagnostics events. Unknown server events and decode failures are
	// recorded here so they stay observable without affecting UI state.
	EventDiagnosticUnknown EventType = "diagnostic.unknown_event"
	EventDiagnosticDecode  EventType = "diagnostic.decode_error"
)

// Event is the envelope published on the event bus. The rendering layer is a
// read-only consumer; only the conversation service publishes.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TurnID         string          `json:"turn_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is delivered.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for client events.
// Delivery order per subscriber matches publish order.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight deliveries and prevents new publishes.
	Close()
}

// TurnStatePayload is the payload for EventTurnStateChanged events.
type TurnStatePayload struct {
	From TurnState `json:"from"`
	To   TurnState `json:"to"`
}

// TurnFailedPayload is the payload for EventTurnFailed events.
type TurnFailedPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// MessageDeltaPayload is the payload for EventMessageDelta events.
// Published for each text chunk appended to the streaming assistant message.
type MessageDeltaPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}
