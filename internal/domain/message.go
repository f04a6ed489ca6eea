package domain

import "time"

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AttachmentType identifies the kind of attachment on a message.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentCard  AttachmentType = "card"
	AttachmentLink  AttachmentType = "link"
)

// Attachment is a structured result rendered alongside a message.
// Card attachments are rendered in a bounded grid, never inline at full size.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url,omitempty"`
	MIMEType string         `json:"mime_type,omitempty"`
	Title    string         `json:"title,omitempty"`
	Caption  string         `json:"caption,omitempty"`
}

// Message is a single entry in a conversation. User messages are immutable
// once appended; the in-flight assistant message grows while streaming.
type Message struct {
	ID          string       `json:"id"`
	TurnID      string       `json:"turn_id,omitempty"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
