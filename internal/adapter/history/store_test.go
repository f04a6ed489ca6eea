package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avachat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "history.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := domain.Message{
		ID: "msg-1", TurnID: "turn-1", Role: domain.RoleUser,
		Content:   "make me an avatar",
		CreatedAt: time.Now().Add(-time.Minute),
	}
	second := domain.Message{
		ID: "msg-2", TurnID: "turn-1", Role: domain.RoleAssistant,
		Content: "Here you go!",
		Attachments: []domain.Attachment{
			{Type: domain.AttachmentImage, URL: "https://cdn/a.png"},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveMessage(ctx, "conv-1", first))
	require.NoError(t, store.SaveMessage(ctx, "conv-1", second))

	msgs, err := store.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg-1", msgs[0].ID)
	assert.Equal(t, "make me an avatar", msgs[0].Content)
	require.Len(t, msgs[1].Attachments, 1)
	assert.Equal(t, "https://cdn/a.png", msgs[1].Attachments[0].URL)
}

func TestSaveMessageIsIdempotentByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := domain.Message{
		ID: "msg-1", Role: domain.RoleAssistant,
		Content:   "partial",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveMessage(ctx, "conv-1", msg))

	// Re-save with final streamed content.
	msg.Content = "partial and then complete"
	require.NoError(t, store.SaveMessage(ctx, "conv-1", msg))

	msgs, err := store.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial and then complete", msgs[0].Content)
}

func TestMessagesScopedByConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "conv-1", domain.Message{
		ID: "msg-1", Role: domain.RoleUser, Content: "a", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveMessage(ctx, "conv-2", domain.Message{
		ID: "msg-2", Role: domain.RoleUser, Content: "b", CreatedAt: time.Now(),
	}))

	msgs, err := store.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)
}

func TestMessagesEmptyConversation(t *testing.T) {
	store := newTestStore(t)

	msgs, err := store.Messages(context.Background(), "no-such-conv")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSweepDeletesExpiredMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := domain.Message{
		ID: "msg-old", Role: domain.RoleUser, Content: "ancient",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	fresh := domain.Message{
		ID: "msg-new", Role: domain.RoleUser, Content: "recent",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveMessage(ctx, "conv-1", old))
	require.NoError(t, store.SaveMessage(ctx, "conv-1", fresh))

	n, err := store.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := store.Messages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-new", msgs[0].ID)
}

func TestSweeperRunsImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, "conv-1", domain.Message{
		ID: "msg-old", Role: domain.RoleUser, Content: "ancient",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	sweeper, err := NewSweeper(store, "@hourly", 24*time.Hour, testLogger())
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		msgs, err := store.Messages(ctx, "conv-1")
		return err == nil && len(msgs) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	store := newTestStore(t)
	_, err := NewSweeper(store, "not a schedule", time.Hour, testLogger())
	assert.Error(t, err)
}
