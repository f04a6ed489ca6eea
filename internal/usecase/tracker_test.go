package usecase

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avachat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T, cfg TrackerConfig) (*Tracker, chan Signal) {
	t.Helper()
	signals := make(chan Signal, 16)
	tr := NewTracker(cfg, func(sig Signal) { signals <- sig }, testLogger())
	t.Cleanup(tr.Stop)
	return tr, signals
}

func lifecycleEvent(kind domain.ServerEventKind, tool, id string) domain.ServerEvent {
	var suffix string
	switch kind {
	case domain.KindTaskQueued:
		suffix = "_task_queued"
	case domain.KindGenerating:
		suffix = "_generating"
	case domain.KindGenerated:
		suffix = "_generated"
	case domain.KindToolError:
		suffix = "_error"
	}
	return domain.ServerEvent{
		Name:         tool + suffix,
		Kind:         kind,
		Tool:         tool,
		InvocationID: id,
		TurnID:       "turn-1",
		ReceivedAt:   time.Now(),
	}
}

// observeOne applies an event expected to yield exactly one change.
func observeOne(t *testing.T, tr *Tracker, ev domain.ServerEvent) Change {
	t.Helper()
	changes := tr.Observe(ev)
	require.Len(t, changes, 1)
	return changes[0]
}

func TestTrackerHappyPath(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	ch := observeOne(t, tr, lifecycleEvent(domain.KindTaskQueued, "avatar", "task-1"))
	assert.Equal(t, domain.InvocationQueued, ch.Invocation.Status)
	assert.Equal(t, "avatar", ch.Invocation.Kind)

	ch = observeOne(t, tr, lifecycleEvent(domain.KindGenerating, "avatar", "task-1"))
	assert.Equal(t, domain.InvocationRunning, ch.Invocation.Status)
	assert.Equal(t, domain.InvocationQueued, ch.Previous)

	done := lifecycleEvent(domain.KindGenerated, "avatar", "task-1")
	done.Payload = json.RawMessage(`{"avatar_url":"https://cdn/a.png"}`)
	ch = observeOne(t, tr, done)
	assert.Equal(t, domain.InvocationSucceeded, ch.Invocation.Status)
	assert.JSONEq(t, `{"avatar_url":"https://cdn/a.png"}`, string(ch.Invocation.ResultPayload))
	assert.False(t, ch.Invocation.FinishedAt.IsZero())
}

func TestTrackerSkipsRunning(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	observeOne(t, tr, lifecycleEvent(domain.KindTaskQueued, "url_import", "task-2"))
	ch := observeOne(t, tr, lifecycleEvent(domain.KindGenerated, "url_import", "task-2"))
	assert.Equal(t, domain.InvocationSucceeded, ch.Invocation.Status)
	assert.Equal(t, domain.InvocationQueued, ch.Previous)
	assert.True(t, ch.Invocation.StartedAt.IsZero(), "running was never observed")
}

func TestTrackerTerminalIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-3"))
	observeOne(t, tr, lifecycleEvent(domain.KindGenerated, "avatar", "task-3"))

	// Duplicate terminal and late intermediate events are no-ops.
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerated, "avatar", "task-3")))
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindToolError, "avatar", "task-3")))
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerating, "avatar", "task-3")))

	inv, ok := tr.Get("task-3")
	require.True(t, ok)
	assert.Equal(t, domain.InvocationSucceeded, inv.Status)
	assert.Nil(t, inv.ErrorInfo)
}

func TestTrackerToolError(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-4"))
	ev := lifecycleEvent(domain.KindToolError, "avatar", "task-4")
	ev.ErrorMessage = "generation backend rejected prompt"
	ch := observeOne(t, tr, ev)
	assert.Equal(t, domain.InvocationFailed, ch.Invocation.Status)
	require.NotNil(t, ch.Invocation.ErrorInfo)
	assert.Equal(t, domain.CodeToolFailure, ch.Invocation.ErrorInfo.Code)
	assert.Equal(t, "generation backend rejected prompt", ch.Invocation.ErrorInfo.Message)
}

func TestTrackerBuffersOutOfOrderGenerating(t *testing.T) {
	tr, signals := newTestTracker(t, TrackerConfig{Grace: 500 * time.Millisecond})

	// generating arrives before its queued record: buffered, no change yet.
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerating, "avatar", "task-5")))
	_, ok := tr.Get("task-5")
	assert.False(t, ok)

	// The queued record arrives inside the grace window: the queued
	// transition comes first, then the replayed event.
	changes := tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-5"))
	require.Len(t, changes, 2)
	assert.Equal(t, domain.InvocationQueued, changes[0].Invocation.Status)
	assert.Equal(t, domain.InvocationRunning, changes[1].Invocation.Status)
	assert.Equal(t, domain.InvocationQueued, changes[1].Previous)

	select {
	case sig := <-signals:
		t.Fatalf("unexpected signal after replay: %+v", sig)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestTrackerReplayDoesNotSwallowQueued(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{Grace: time.Second})

	done := lifecycleEvent(domain.KindGenerated, "avatar", "task-5b")
	done.Payload = json.RawMessage(`{"avatar_url":"https://cdn/b.png"}`)
	assert.Empty(t, tr.Observe(done))

	// Consumers drive thinking→working off the queued change; it must be
	// reported even when a buffered terminal replays right behind it.
	changes := tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-5b"))
	require.Len(t, changes, 2)
	assert.Equal(t, domain.InvocationQueued, changes[0].Invocation.Status)
	assert.Equal(t, domain.InvocationSucceeded, changes[1].Invocation.Status)
	assert.JSONEq(t, `{"avatar_url":"https://cdn/b.png"}`, string(changes[1].Invocation.ResultPayload))
}

func TestTrackerBufferedTerminalSupersedesIntermediate(t *testing.T) {
	tr, signals := newTestTracker(t, TrackerConfig{Ceiling: 300 * time.Millisecond, Grace: time.Second})

	// Both the intermediate and the terminal event outrun queued. Keeping
	// only the intermediate would strand the invocation at running until
	// the ceiling synthesizes a bogus timeout.
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerating, "avatar", "task-5c")))
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerated, "avatar", "task-5c")))

	changes := tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-5c"))
	require.Len(t, changes, 2)
	assert.Equal(t, domain.InvocationQueued, changes[0].Invocation.Status)
	assert.Equal(t, domain.InvocationSucceeded, changes[1].Invocation.Status)

	// The terminal replay disarmed the watchdog: no timeout follows.
	select {
	case sig := <-signals:
		assert.Nil(t, tr.Expire(sig))
	case <-time.After(600 * time.Millisecond):
	}
	inv, ok := tr.Get("task-5c")
	require.True(t, ok)
	assert.Equal(t, domain.InvocationSucceeded, inv.Status)
}

func TestTrackerGraceExpiry(t *testing.T) {
	tr, signals := newTestTracker(t, TrackerConfig{Grace: 50 * time.Millisecond})

	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerated, "url_import", "task-6")))

	var sig Signal
	select {
	case sig = <-signals:
	case <-time.After(2 * time.Second):
		t.Fatal("grace signal never fired")
	}
	assert.Equal(t, SignalGraceExpired, sig.Kind)
	assert.Equal(t, "task-6", sig.InvocationID)

	ch := tr.Expire(sig)
	require.NotNil(t, ch)
	assert.Equal(t, domain.InvocationFailed, ch.Invocation.Status)
	require.NotNil(t, ch.Invocation.ErrorInfo)
	assert.Equal(t, domain.CodeSequenceViolation, ch.Invocation.ErrorInfo.Code)

	// A late queued event for the violated id is a duplicate now.
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindTaskQueued, "url_import", "task-6")))
}

func TestTrackerCeilingTimeout(t *testing.T) {
	tr, signals := newTestTracker(t, TrackerConfig{Ceiling: 50 * time.Millisecond})

	tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-7"))

	var sig Signal
	select {
	case sig = <-signals:
	case <-time.After(2 * time.Second):
		t.Fatal("ceiling signal never fired")
	}
	assert.Equal(t, SignalCeilingExpired, sig.Kind)

	ch := tr.Expire(sig)
	require.NotNil(t, ch)
	assert.Equal(t, domain.InvocationFailed, ch.Invocation.Status)
	require.NotNil(t, ch.Invocation.ErrorInfo)
	assert.Equal(t, domain.CodeTimeout, ch.Invocation.ErrorInfo.Code)

	// Replaying the same signal is a no-op: exactly one synthesized failure.
	assert.Nil(t, tr.Expire(sig))

	// A terminal event arriving after the synthesized timeout is ignored.
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerated, "avatar", "task-7")))
}

func TestTrackerTerminalDisarmsCeiling(t *testing.T) {
	tr, signals := newTestTracker(t, TrackerConfig{Ceiling: 100 * time.Millisecond})

	tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-8"))
	observeOne(t, tr, lifecycleEvent(domain.KindGenerated, "avatar", "task-8"))

	select {
	case sig := <-signals:
		// Timer may have fired before disarm; it must be stale.
		assert.Nil(t, tr.Expire(sig))
	case <-time.After(300 * time.Millisecond):
	}

	inv, ok := tr.Get("task-8")
	require.True(t, ok)
	assert.Equal(t, domain.InvocationSucceeded, inv.Status)
}

func TestTrackerCancelActive(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-9"))
	tr.Observe(lifecycleEvent(domain.KindGenerating, "avatar", "task-9"))

	other := lifecycleEvent(domain.KindTaskQueued, "url_import", "task-10")
	other.TurnID = "turn-2"
	tr.Observe(other)

	changes := tr.CancelActive("turn-1")
	require.Len(t, changes, 1)
	assert.Equal(t, "task-9", changes[0].Invocation.ID)
	assert.Equal(t, domain.InvocationCancelled, changes[0].Invocation.Status)
	assert.Equal(t, domain.InvocationRunning, changes[0].Previous)

	// The other turn's invocation is untouched; cancelled one stays locked.
	inv, ok := tr.Get("task-10")
	require.True(t, ok)
	assert.Equal(t, domain.InvocationQueued, inv.Status)
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindGenerated, "avatar", "task-9")))
}

func TestTrackerDuplicateQueuedIgnored(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})

	first := lifecycleEvent(domain.KindTaskQueued, "avatar", "task-11")
	observeOne(t, tr, first)
	assert.Empty(t, tr.Observe(lifecycleEvent(domain.KindTaskQueued, "avatar", "task-11")))
}

func TestTrackerIgnoresEventsWithoutID(t *testing.T) {
	tr, _ := newTestTracker(t, TrackerConfig{})
	ev := lifecycleEvent(domain.KindTaskQueued, "avatar", "")
	assert.Empty(t, tr.Observe(ev))
}
