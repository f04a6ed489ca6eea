package domain

import (
	"encoding/json"
	"time"
)

// ServerEventKind classifies a decoded inbound event by its role in the
// tool-invocation lifecycle. Classification is by name suffix so new tool
// prefixes (avatar_, import_, ...) work without decoder changes.
type ServerEventKind string

const (
	KindConnected  ServerEventKind = "connected"   // backend handshake complete
	KindTaskQueued ServerEventKind = "task_queued" // *_task_queued
	KindGenerating ServerEventKind = "generating"  // *_generating (advisory)
	KindGenerated  ServerEventKind = "generated"   // *_generated (terminal, success)
	KindToolError  ServerEventKind = "tool_error"  // *_error (terminal, failure)
	KindTextDelta  ServerEventKind = "text_delta"  // streaming assistant text
	KindStreamDone ServerEventKind = "stream_done" // assistant turn finished
	KindUnknown    ServerEventKind = "unknown"     // forward-compatible no-op
)

// Terminal reports whether the kind ends a tool invocation's lifecycle.
func (k ServerEventKind) Terminal() bool {
	return k == KindGenerated || k == KindToolError
}

// ServerEvent is a decoded inbound frame. Name is preserved verbatim so
// unknown events stay diagnosable; Payload carries the backend-defined body.
type ServerEvent struct {
	Name           string          `json:"event"`
	Kind           ServerEventKind `json:"-"`
	Tool           string          `json:"-"` // name prefix, e.g. "avatar"
	InvocationID   string          `json:"task_id,omitempty"`
	TurnID         string          `json:"turn_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	ErrorMessage   string          `json:"error,omitempty"`
	Payload        json.RawMessage `json:"-"`
	ReceivedAt     time.Time       `json:"-"`
}

// ClientFrameType identifies the kind of frame the client sends.
type ClientFrameType string

const (
	FrameSubscribe ClientFrameType = "subscribe" // (re)attach to a conversation
	FrameMessage   ClientFrameType = "message"   // user message starting a turn
	FrameCancel    ClientFrameType = "cancel"    // cancel the in-flight turn
)

// ClientFrame is the envelope sent to the chat backend over WebSocket.
type ClientFrame struct {
	Type           ClientFrameType `json:"type"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id,omitempty"`
	Content        string          `json:"content,omitempty"`
}
