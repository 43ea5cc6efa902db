package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
)

const (
	MaxBodyLength     = 4000
	MaxAttachments    = 10
	DefaultPageSize   = 50
	MaxPageSize       = 200
	maxClientIDLength = 64
)

// SendInput is the client-controlled part of a message. Authorship is
// passed separately as a Sender.
type SendInput struct {
	ConversationID  uuid.UUID
	Body            string
	MessageType     MessageType
	Attachments     []Attachment
	ReplyTo         *uuid.UUID
	ClientMessageID string
}

type Service struct {
	repo Repository
	now  func() time.Time
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
		log:  log.With().Str("component", "chat").Logger(),
	}
}

// WithClock swaps the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartConversation opens (or returns) the conversation between caller
// and peer. Patients name a doctor, doctors name a patient.
func (s *Service) StartConversation(ctx context.Context, caller auth.Identity, peerID uuid.UUID) (*Conversation, error) {
	if peerID == uuid.Nil {
		return nil, fmt.Errorf("%w: peer id is required", ErrInvalidMessage)
	}
	var userID, doctorID uuid.UUID
	switch caller.Role {
	case auth.RoleUser:
		userID, doctorID = caller.ID, peerID
	case auth.RoleDoctor:
		userID, doctorID = peerID, caller.ID
	default:
		return nil, fmt.Errorf("%w: only patients and doctors hold conversations", ErrForbidden)
	}

	c, err := s.repo.GetOrCreateConversation(ctx, userID, doctorID, s.now())
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	return c, nil
}

// Conversation loads a conversation the caller takes part in. Admins may
// read any conversation.
func (s *Service) Conversation(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Conversation, error) {
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !c.IsActive {
		return nil, ErrConversationNotFound
	}
	if caller.Role != auth.RoleAdmin && !c.Participant(caller) {
		return nil, ErrForbidden
	}
	return c, nil
}

// participantConversation is Conversation without the admin bypass.
func (s *Service) participantConversation(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Conversation, error) {
	c, err := s.Conversation(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !c.Participant(caller) {
		return nil, ErrForbidden
	}
	return c, nil
}

func (s *Service) ListConversations(ctx context.Context, caller auth.Identity) ([]Conversation, error) {
	if caller.Role != auth.RoleUser && caller.Role != auth.RoleDoctor {
		return []Conversation{}, nil
	}
	list, err := s.repo.ListConversations(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if list == nil {
		list = []Conversation{}
	}
	return list, nil
}

// SendMessage persists a message authored by sender. created is false when
// the ClientMessageID was already used, in which case the original message
// is returned as any reader would see it now.
func (s *Service) SendMessage(ctx context.Context, sender Sender, in SendInput) (msg *Message, created bool, err error) {
	conv, err := s.participantConversation(ctx, sender.Identity(), in.ConversationID)
	if err != nil {
		return nil, false, err
	}

	if err := normalize(&in); err != nil {
		return nil, false, err
	}

	if in.ReplyTo != nil {
		target, err := s.repo.GetMessage(ctx, *in.ReplyTo)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return nil, false, fmt.Errorf("%w: reply target does not exist", ErrInvalidMessage)
			}
			return nil, false, fmt.Errorf("load reply target: %w", err)
		}
		if target.ConversationID != conv.ID {
			return nil, false, fmt.Errorf("%w: reply target belongs to another conversation", ErrInvalidMessage)
		}
	}

	stored, created, err := s.repo.InsertMessage(ctx, Message{
		ID:              uuid.New(),
		ConversationID:  conv.ID,
		SenderID:        sender.ID,
		SenderType:      sender.Type,
		Body:            in.Body,
		MessageType:     in.MessageType,
		Attachments:     in.Attachments,
		ReplyTo:         in.ReplyTo,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("send message: %w", err)
	}
	if !created {
		s.log.Debug().
			Str("conversation_id", conv.ID.String()).
			Str("client_message_id", in.ClientMessageID).
			Msg("duplicate send collapsed")
		// the original may have been deleted since
		replay := stored.Redacted()
		return &replay, false, nil
	}
	return stored, created, nil
}

func normalize(in *SendInput) error {
	in.Body = strings.TrimSpace(in.Body)
	if utf8.RuneCountInString(in.Body) > MaxBodyLength {
		return fmt.Errorf("%w: body longer than %d characters", ErrInvalidMessage, MaxBodyLength)
	}
	if len(in.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: at most %d attachments", ErrInvalidMessage, MaxAttachments)
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("%w: attachment without url", ErrInvalidMessage)
		}
	}
	if len(in.ClientMessageID) > maxClientIDLength {
		return fmt.Errorf("%w: client message id too long", ErrInvalidMessage)
	}

	hasBody, hasFiles := in.Body != "", len(in.Attachments) > 0
	if in.MessageType == "" {
		switch {
		case hasBody && hasFiles:
			in.MessageType = TypeMixed
		case hasFiles:
			in.MessageType = TypeFile
		default:
			in.MessageType = TypeText
		}
	}
	if !in.MessageType.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, in.MessageType)
	}

	switch in.MessageType {
	case TypeText:
		if !hasBody || hasFiles {
			return fmt.Errorf("%w: text messages carry a body and no attachments", ErrInvalidMessage)
		}
	case TypeImage, TypeFile:
		if !hasFiles {
			return fmt.Errorf("%w: %s messages need an attachment", ErrInvalidMessage, in.MessageType)
		}
	case TypeMixed:
		if !hasBody || !hasFiles {
			return fmt.Errorf("%w: mixed messages need a body and attachments", ErrInvalidMessage)
		}
	}
	return nil
}

// ListMessages returns a page of history sorting before the cursor (zero
// means latest), oldest first, with deleted content hidden.
func (s *Service) ListMessages(ctx context.Context, caller auth.Identity, conversationID uuid.UUID, before Cursor, limit int) ([]Message, error) {
	if _, err := s.Conversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	page, err := s.repo.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(page))
	for _, m := range page {
		out = append(out, m.Redacted())
	}
	return out, nil
}

// MarkRead records the caller reading ids (or everything unread) in a
// conversation and returns the ids that flipped.
func (s *Service) MarkRead(ctx context.Context, caller auth.Identity, conversationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.participantConversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	changed, err := s.repo.MarkRead(ctx, conversationID, caller.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if changed == nil {
		changed = []uuid.UUID{}
	}
	return changed, nil
}

// DeleteMessage soft-deletes a message. Only its sender may do it.
func (s *Service) DeleteMessage(ctx context.Context, caller auth.Identity, messageID uuid.UUID) (*Message, error) {
	return s.setDeleted(ctx, caller, messageID, true)
}

func (s *Service) RestoreMessage(ctx context.Context, caller auth.Identity, messageID uuid.UUID) (*Message, error) {
	return s.setDeleted(ctx, caller, messageID, false)
}

func (s *Service) setDeleted(ctx context.Context, caller auth.Identity, messageID uuid.UUID, deleted bool) (*Message, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	sender, err := SenderFrom(caller)
	if err != nil {
		return nil, err
	}
	if m.SenderID != sender.ID || m.SenderType != sender.Type {
		return nil, ErrForbidden
	}
	if m.IsDeleted == deleted {
		return m, nil
	}

	updated, err := s.repo.SetDeleted(ctx, messageID, deleted, s.now())
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return updated, nil
}
