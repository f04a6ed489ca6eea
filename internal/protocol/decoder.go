// Package protocol decodes the chat backend's wire events into typed
// domain.ServerEvent values.
//
// The backend vocabulary is open-ended: tool lifecycle events are named
// <tool>_task_queued / <tool>_generating / <tool>_generated / <tool>_error
// (e.g. avatar_task_queued). Classification is by suffix so new tools need
// no client release. Unknown names are preserved as KindUnknown rather than
// dropped — the UI ignores them but diagnostics keep the raw frame.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"avachat/internal/domain"
)

// Wire event names with fixed spelling.
const (
	eventConnected  = "connected"
	eventTextDelta  = "message_delta"
	eventStreamDone = "message_done"
)

// Lifecycle suffixes, checked in order. "_task_queued" must precede no other
// suffix here, but "_generated" must be checked before "_error"-style overlap
// is impossible; order is still fixed for determinism.
var lifecycleSuffixes = []struct {
	suffix string
	kind   domain.ServerEventKind
}{
	{"_task_queued", domain.KindTaskQueued},
	{"_generating", domain.KindGenerating},
	{"_generated", domain.KindGenerated},
	{"_error", domain.KindToolError},
}

// Decode parses a raw frame into a typed server event.
//
// Malformed JSON and frames without an event name return an error wrapping
// domain.ErrDecode; the caller logs and drops them without ending the
// session. The returned event keeps the raw payload for diagnostics.
func Decode(raw []byte) (domain.ServerEvent, error) {
	var ev domain.ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.ServerEvent{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode, err.Error())
	}
	if ev.Name == "" {
		return domain.ServerEvent{}, domain.NewDomainError("protocol.Decode", domain.ErrDecode, "missing event name")
	}

	ev.Kind, ev.Tool = classify(ev.Name)
	ev.Payload = append(json.RawMessage(nil), raw...)
	ev.ReceivedAt = time.Now()
	return ev, nil
}

// classify maps an event name to its lifecycle kind and tool prefix.
func classify(name string) (domain.ServerEventKind, string) {
	switch name {
	case eventConnected:
		return domain.KindConnected, ""
	case eventTextDelta:
		return domain.KindTextDelta, ""
	case eventStreamDone:
		return domain.KindStreamDone, ""
	}

	for _, ls := range lifecycleSuffixes {
		tool := strings.TrimSuffix(name, ls.suffix)
		if tool != name && tool != "" {
			return ls.kind, tool
		}
	}

	return domain.KindUnknown, ""
}
