package domain

import "time"

// ConnectionStatus is the transport channel's connection state.
type ConnectionStatus string

const (
	ConnConnecting ConnectionStatus = "connecting"
	ConnOpen       ConnectionStatus = "open"
	ConnClosed     ConnectionStatus = "closed"
)

// ConnectionState is owned exclusively by the transport channel. One exists
// per active conversation session.
type ConnectionState struct {
	Status      ConnectionStatus `json:"status"`
	LastEventAt time.Time        `json:"last_event_at,omitzero"`
}
