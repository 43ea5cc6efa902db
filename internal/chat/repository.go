package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/auth"
)

var (
	ErrForbidden            = errors.New("forbidden")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidMessage       = errors.New("invalid message")
)

type Repository interface {
	// GetOrCreateConversation returns the single active conversation of
	// the pair, creating it on first contact.
	GetOrCreateConversation(ctx context.Context, userID, doctorID uuid.UUID, now time.Time) (*Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ListConversations fills UnreadCount from the viewer's side.
	ListConversations(ctx context.Context, viewer auth.Identity) ([]Conversation, error)

	// InsertMessage stores msg and bumps the conversation preview. A
	// repeated ClientMessageID from the same sender returns the stored
	// message with created=false.
	InsertMessage(ctx context.Context, msg Message) (stored *Message, created bool, err error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListMessages returns up to limit messages sorting strictly before
	// the cursor on (created_at, id), oldest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, before Cursor, limit int) ([]Message, error)
	// MarkRead flags unread messages not authored by reader; empty ids
	// means every unread one. Returns the ids that changed.
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	SetDeleted(ctx context.Context, id uuid.UUID, deleted bool, now time.Time) (*Message, error)
}
