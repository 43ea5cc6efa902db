package chat

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/auth"
)

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderDoctor SenderType = "doctor"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeMixed MessageType = "mixed"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeMixed:
		return true
	}
	return false
}

// Sender is the server-side author of a message. It can only be built
// from an authenticated identity, never from request payloads.
type Sender struct {
	Type SenderType
	ID   uuid.UUID
}

func SenderFrom(id auth.Identity) (Sender, error) {
	switch id.Role {
	case auth.RoleUser:
		return Sender{Type: SenderUser, ID: id.ID}, nil
	case auth.RoleDoctor:
		return Sender{Type: SenderDoctor, ID: id.ID}, nil
	}
	return Sender{}, fmt.Errorf("%w: role %q cannot send messages", ErrForbidden, id.Role)
}

func (s Sender) Identity() auth.Identity {
	return auth.Identity{Role: auth.Role(s.Type), ID: s.ID}
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Participant reports whether id is the patient or the doctor of c.
func (c Conversation) Participant(id auth.Identity) bool {
	switch id.Role {
	case auth.RoleUser:
		return c.UserID == id.ID
	case auth.RoleDoctor:
		return c.DoctorID == id.ID
	}
	return false
}

// Participants returns the patient and the doctor, in that order.
func (c Conversation) Participants() []auth.Identity {
	return []auth.Identity{
		{Role: auth.RoleUser, ID: c.UserID},
		{Role: auth.RoleDoctor, ID: c.DoctorID},
	}
}

// Peer returns the other side of the conversation for a participant.
func (c Conversation) Peer(id auth.Identity) auth.Identity {
	if id.Role == auth.RoleDoctor {
		return auth.Identity{Role: auth.RoleUser, ID: c.UserID}
	}
	return auth.Identity{Role: auth.RoleDoctor, ID: c.DoctorID}
}

type Message struct {
	ID              uuid.UUID    `json:"id"`
	ConversationID  uuid.UUID    `json:"conversation_id"`
	SenderID        uuid.UUID    `json:"sender_id"`
	SenderType      SenderType   `json:"sender_type"`
	Body            string       `json:"body"`
	MessageType     MessageType  `json:"message_type"`
	Attachments     []Attachment `json:"attachments"`
	ReplyTo         *uuid.UUID   `json:"reply_to,omitempty"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	IsRead          bool         `json:"is_read"`
	IsDeleted       bool         `json:"is_deleted"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Redacted hides the content of a soft-deleted message while keeping the
// record itself visible.
func (m Message) Redacted() Message {
	if !m.IsDeleted {
		return m
	}
	m.Body = ""
	m.Attachments = []Attachment{}
	return m
}

// Cursor is a keyset position in a conversation's history. Messages
// are ordered by (CreatedAt, ID); the zero Cursor means "from the end".
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() }

// CursorOf points just past m, towards older messages.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// olderThan reports whether m sorts strictly before c.
func (c Cursor) olderThan(m *Message) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return bytes.Compare(m.ID[:], c.ID[:]) < 0
}

func preview(m Message) string {
	if m.Body != "" {
		r := []rune(m.Body)
		if len(r) > 120 {
			return string(r[:120])
		}
		return m.Body
	}
	return "[" + string(m.MessageType) + "]"
}
