package domain

import "context"

// ChannelEvent is what the transport channel delivers to the conversation
// service. Exactly one field is set.
type ChannelEvent struct {
	// Server is a decoded backend event.
	Server *ServerEvent
	// DecodeErr reports a malformed frame. The frame is already dropped;
	// the consumer only logs and records diagnostics.
	DecodeErr error
	// Conn reports a connection status change. The first ConnOpen is
	// emitted only after the backend handshake event is received, and no
	// application event precedes it.
	Conn *ConnectionState
	// Unavailable is set with a ConnClosed status when reconnect attempts
	// are exhausted. The session degrades to read-only history.
	Unavailable bool
}

// Channel is the duplex, message-oriented connection to the chat backend.
// Implementations reconnect on abnormal closure and re-subscribe to the
// same conversation; consumers never see a raw connection error.
type Channel interface {
	// Connect dials and performs the backend handshake. Blocks until the
	// handshake completes or ctx is done.
	Connect(ctx context.Context) error
	// Events returns the ordered inbound event stream. Closed when the
	// channel shuts down for good.
	Events() <-chan ChannelEvent
	// Send writes a frame. Returns ErrConnectionClosed when the channel
	// is not open.
	Send(ctx context.Context, frame ClientFrame) error
	// Close tears down the connection and the event stream.
	Close(ctx context.Context) error
}

// HistoryStore persists conversation messages locally so history stays
// readable when the transport is unavailable.
type HistoryStore interface {
	SaveMessage(ctx context.Context, conversationID string, msg Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}
