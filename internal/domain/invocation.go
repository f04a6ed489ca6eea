package domain

import (
	"encoding/json"
	"time"
)

// InvocationStatus is the lifecycle status of a tool invocation.
// Transitions are monotonic: a status never regresses and a terminal
// status is applied at most once.
type InvocationStatus string

const (
	InvocationQueued    InvocationStatus = "queued"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
)

// Terminal reports whether the status ends the invocation lifecycle.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationCancelled:
		return true
	}
	return false
}

// rank orders statuses for monotonicity checks. Terminal statuses share a
// rank: exactly one of them may be reached, enforced separately.
func (s InvocationStatus) rank() int {
	switch s {
	case InvocationQueued:
		return 0
	case InvocationRunning:
		return 1
	case InvocationSucceeded, InvocationFailed, InvocationCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a valid forward
// step. Skipping running is allowed (intermediate events are advisory).
func (s InvocationStatus) CanTransition(next InvocationStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ErrorInfo describes why an invocation failed.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ToolInvocation is a backend-side asynchronous task (avatar generation,
// URL import, content search) observed through its event stream.
type ToolInvocation struct {
	ID            string           `json:"id"`
	TurnID        string           `json:"turn_id,omitempty"`
	Kind          string           `json:"kind"` // tool prefix, e.g. "avatar"
	Status        InvocationStatus `json:"status"`
	QueuedAt      time.Time        `json:"queued_at"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	FinishedAt    time.Time        `json:"finished_at,omitzero"`
	ResultPayload json.RawMessage  `json:"result_payload,omitempty"`
	ErrorInfo     *ErrorInfo       `json:"error_info,omitempty"`
}

// Clone returns a copy safe to hand to read-only consumers.
func (inv *ToolInvocation) Clone() *ToolInvocation {
	cp := *inv
	if inv.ErrorInfo != nil {
		ei := *inv.ErrorInfo
		cp.ErrorInfo = &ei
	}
	if inv.ResultPayload != nil {
		cp.ResultPayload = append(json.RawMessage(nil), inv.ResultPayload...)
	}
	return &cp
}
