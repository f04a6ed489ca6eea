package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — wrap with NewDomainError to add operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
)

// Sentinel errors for the client protocol layer.
var (
	// Transport faults. Recovered locally; the session stays alive.
	ErrTransportUnavailable = fmt.Errorf("transport unavailable: reconnect attempts exhausted")
	ErrConnectionClosed     = fmt.Errorf("connection closed")
	ErrHandshakeTimeout     = fmt.Errorf("backend handshake not received")

	// Decode faults. Dropped and logged; never crash the session.
	ErrDecode = fmt.Errorf("frame decode failed")

	// Tool invocation faults. Surfaced to the user; the turn ends.
	ErrSequenceViolation = fmt.Errorf("event sequence violation")
	ErrInvocationTimeout = fmt.Errorf("invocation: %w", ErrTimeout)
	ErrToolFailure       = fmt.Errorf("tool execution failed")
	ErrCancelled         = fmt.Errorf("cancelled")

	// Session / state machine errors.
	ErrConversationNotFound = fmt.Errorf("conversation: %w", ErrNotFound)
	ErrTurnInFlight         = fmt.Errorf("a turn is already in flight")
	ErrStaleTurn            = fmt.Errorf("event belongs to a stale turn")

	// Backend collaborator errors (HTTP API).
	ErrImportMissingURL = fmt.Errorf("import: %w: url is required", ErrInvalidInput)
	ErrImportInvalidURL = fmt.Errorf("import: %w: url is not importable", ErrInvalidInput)
	ErrImportConflict   = fmt.Errorf("import already in progress")
	ErrBackendStatus    = fmt.Errorf("backend returned unexpected status")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Tracker.Observe")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category, used in chat-visible
// failures and diagnostics. Backend codes (INVALID_URL, MISSING_URL) reuse
// the server's wire spelling.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeDecodeError          ErrorCode = "DECODE_ERROR"
	CodeSequenceViolation    ErrorCode = "SEQUENCE_VIOLATION"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeToolFailure          ErrorCode = "TOOL_FAILURE"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeStaleTurn            ErrorCode = "STALE_TURN"
	CodeTurnInFlight         ErrorCode = "TURN_IN_FLIGHT"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeMissingURL           ErrorCode = "MISSING_URL"
	CodeInvalidURL           ErrorCode = "INVALID_URL"
	CodeImportConflict       ErrorCode = "IMPORT_CONFLICT"
	CodeBackendStatus        ErrorCode = "BACKEND_STATUS"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order matters for wrapped sentinels: specific entries are consulted before
// category fallbacks in ErrorCodeOf.
var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrTransportUnavailable, CodeTransportUnavailable},
	{ErrConnectionClosed, CodeTransportUnavailable},
	{ErrHandshakeTimeout, CodeTransportUnavailable},
	{ErrDecode, CodeDecodeError},
	{ErrSequenceViolation, CodeSequenceViolation},
	{ErrInvocationTimeout, CodeTimeout},
	{ErrToolFailure, CodeToolFailure},
	{ErrCancelled, CodeCancelled},
	{ErrStaleTurn, CodeStaleTurn},
	{ErrTurnInFlight, CodeTurnInFlight},
	{ErrImportMissingURL, CodeMissingURL},
	{ErrImportInvalidURL, CodeInvalidURL},
	{ErrImportConflict, CodeImportConflict},
	{ErrBackendStatus, CodeBackendStatus},
	{ErrConversationNotFound, CodeNotFound},

	// Category fallbacks.
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRateLimit, CodeRateLimit},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, so wrapped and DomainError-wrapped
// sentinels resolve to the same code. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeMap {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// IsRecoverable reports whether err is a local fault the session absorbs
// without ending the turn (transport and decode level faults).
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrTransportUnavailable)
}
