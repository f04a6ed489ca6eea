package usecase

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"avachat/internal/domain"
)

// Conversation holds the ordered message list for one chat session.
// Created when the chat is opened, destroyed on navigation away / logout.
// Only the conversation service mutates it; readers get copies.
type Conversation struct {
	mu        sync.RWMutex
	ID        string           `json:"id"`
	Msgs      []domain.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewConversation creates an empty conversation. An empty id generates a ULID.
func NewConversation(id string) *Conversation {
	now := time.Now()
	if id == "" {
		id = NewID(now)
	}
	return &Conversation{
		ID:        id,
		Msgs:      make([]domain.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID generates a ULID for turns, messages, and conversations.
func NewID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message, assigning an id and timestamp when missing,
// and returns the stored copy.
func (c *Conversation) AddMessage(msg domain.Message) domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if msg.ID == "" {
		msg.ID = NewID(now)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	c.Msgs = append(c.Msgs, msg)
	c.UpdatedAt = now
	return msg
}

// AppendContent appends streamed text to the message with the given id.
// Only the in-flight assistant message is ever mutated this way.
func (c *Conversation) AppendContent(msgID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Msgs {
		if c.Msgs[i].ID == msgID {
			c.Msgs[i].Content += text
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// AttachResult adds a structured result card to the message with the given id.
func (c *Conversation) AttachResult(msgID string, att domain.Attachment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Msgs {
		if c.Msgs[i].ID == msgID {
			c.Msgs[i].Attachments = append(c.Msgs[i].Attachments, att)
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Messages returns a copy of the message history.
func (c *Conversation) Messages() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]domain.Message, len(c.Msgs))
	copy(cp, c.Msgs)
	return cp
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Msgs)
}

// Truncate keeps only the last max messages.
func (c *Conversation) Truncate(max int) {
	if max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Msgs) <= max {
		return
	}
	c.Msgs = c.Msgs[len(c.Msgs)-max:]
}

// Seed replaces the message list with previously persisted history.
// Used on startup before any live events are processed.
func (c *Conversation) Seed(msgs []domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Msgs = append(c.Msgs[:0], msgs...)
}
