package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avachat/internal/domain"
)

func TestDecodeLifecycleEvents(t *testing.T) {
	cases := []struct {
		name     string
		frame    string
		wantKind domain.ServerEventKind
		wantTool string
	}{
		{"connected", `{"event":"connected"}`, domain.KindConnected, ""},
		{"avatar queued", `{"event":"avatar_task_queued","task_id":"t1"}`, domain.KindTaskQueued, "avatar"},
		{"avatar generating", `{"event":"avatar_generating","task_id":"t1"}`, domain.KindGenerating, "avatar"},
		{"avatar generated", `{"event":"avatar_generated","task_id":"t1"}`, domain.KindGenerated, "avatar"},
		{"avatar error", `{"event":"avatar_error","task_id":"t1","error":"gpu pool full"}`, domain.KindToolError, "avatar"},
		{"import queued", `{"event":"url_import_task_queued","task_id":"t2"}`, domain.KindTaskQueued, "url_import"},
		{"learning generated", `{"event":"learning_content_generated","task_id":"t3"}`, domain.KindGenerated, "learning_content"},
		{"text delta", `{"event":"message_delta","text":"hi"}`, domain.KindTextDelta, ""},
		{"stream done", `{"event":"message_done"}`, domain.KindStreamDone, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, ev.Kind)
			assert.Equal(t, tc.wantTool, ev.Tool)
			assert.False(t, ev.ReceivedAt.IsZero())
			assert.JSONEq(t, tc.frame, string(ev.Payload))
		})
	}
}

func TestDecodeFields(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"avatar_error","task_id":"t9","turn_id":"turn-1","conversation_id":"c1","error":"boom"}`))
	require.NoError(t, err)
	assert.Equal(t, "avatar_error", ev.Name)
	assert.Equal(t, "t9", ev.InvocationID)
	assert.Equal(t, "turn-1", ev.TurnID)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "boom", ev.ErrorMessage)
}

func TestDecodeUnknownEventPreserved(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"mood_ring_update","task_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindUnknown, ev.Kind)
	assert.Equal(t, "mood_ring_update", ev.Name)
	// Raw payload retained for diagnostics.
	assert.Contains(t, string(ev.Payload), "mood_ring_update")
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{
		`{not json`,
		`"just a string"`,
		`{}`,
		`{"payload":"no event name"}`,
	} {
		_, err := Decode([]byte(frame))
		require.Error(t, err, "frame: %s", frame)
		assert.True(t, errors.Is(err, domain.ErrDecode), "frame %s should wrap ErrDecode", frame)
	}
}

func TestDecodeSuffixEdgeCases(t *testing.T) {
	// A bare suffix with no tool prefix is not a lifecycle event.
	ev, err := Decode([]byte(`{"event":"_error"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindUnknown, ev.Kind)

	ev, err = Decode([]byte(`{"event":"error"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindUnknown, ev.Kind)
}
