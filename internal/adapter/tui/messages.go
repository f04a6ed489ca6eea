// Package tui renders the conversation as a Bubble Tea program. It is a
// read-only consumer of the event bus: all state transitions arrive as
// published events, and the only writes go through the conversation
// service's SendMessage and Cancel operations.
package tui

import "avachat/internal/domain"

// BusEventMsg wraps a bus event injected from the subscriber goroutine.
type BusEventMsg struct {
	Event domain.Event
}

// QuitMsg signals the program to exit.
type QuitMsg struct{}

// sendResultMsg reports the outcome of a SendMessage call.
type sendResultMsg struct {
	err error
}

// commandResultMsg reports the outcome of a slash command against the
// backend API.
type commandResultMsg struct {
	notice string
	err    error
}
