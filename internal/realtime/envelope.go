package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/chat"
)

// Client to server.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkAsRead        = "mark_as_read"
	EventDeleteMessage     = "delete_message"
	EventRestoreMessage    = "restore_message"
	EventPing              = "ping"
)

// Server to client.
const (
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventNewMessage         = "new_message"
	EventTypingStopped      = "typing_stopped"
	EventMessagesRead       = "messages_read"
	EventMessageDeleted     = "message_deleted"
	EventMessageRestored    = "message_restored"
	EventPresence           = "presence"
	EventCallGlare          = "call_glare"
	EventError              = "error"
	EventPong               = "pong"
)

// Both directions. typing_start is echoed to peers under the same name.
const (
	EventCallInvite    = "call_invite"
	EventCallAnswer    = "call_answer"
	EventCallCandidate = "call_candidate"
	EventCallEnd       = "call_end"
)

// Event is the wire envelope: {"type": "...", "payload": {...}}.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

func (e Event) decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errInvalidPayload)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

type ConversationRef struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// SendMessagePayload deliberately has no sender fields; authorship comes
// from the connection.
type SendMessagePayload struct {
	ConversationID  uuid.UUID         `json:"conversation_id"`
	Body            string            `json:"body"`
	MessageType     chat.MessageType  `json:"message_type"`
	Attachments     []chat.Attachment `json:"attachments"`
	ReplyTo         *uuid.UUID        `json:"reply_to"`
	ClientMessageID string            `json:"client_message_id"`
}

type MarkReadPayload struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

type MessageRef struct {
	MessageID uuid.UUID `json:"message_id"`
}

// CallPayload carries opaque WebRTC blobs; the server never looks inside.
type CallPayload struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Target         *auth.Identity  `json:"target,omitempty"`
}

type JoinedPayload struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Online         []auth.Identity `json:"online"`
}

type ParticipantPayload struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Participant    auth.Identity `json:"participant"`
}

type PresencePayload struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Participant    auth.Identity `json:"participant"`
	Online         bool          `json:"online"`
}

type ReadPayload struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Reader         auth.Identity `json:"reader"`
	MessageIDs     []uuid.UUID   `json:"message_ids"`
}

type DeletedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}

type CallEventPayload struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	From           *auth.Identity  `json:"from,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

type GlarePayload struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Initiator      auth.Identity `json:"initiator"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
}

// Error codes sent back on the error event.
const (
	CodeForbidden            = "forbidden"
	CodeConversationNotFound = "conversation_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeNotJoined            = "not_joined"
	CodeInvalidPayload       = "invalid_payload"
	CodeCallConflict         = "call_conflict"
	CodeCallNotFound         = "call_not_found"
	CodeUnknownEvent         = "unknown_event"
	CodeInternal             = "internal_error"
)

var (
	ErrNotJoined      = errors.New("connection has not joined the conversation")
	ErrCallConflict   = errors.New("a call is already in progress")
	ErrCallNotFound   = errors.New("no active call")
	errInvalidPayload = errors.New("invalid payload")
	errUnknownEvent   = errors.New("unknown event type")
)

// errorCode maps a failure to the code clients switch on. Anything
// unrecognised is internal and its text is not leaked.
func errorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return CodeForbidden, "you are not a participant of this conversation"
	case errors.Is(err, chat.ErrConversationNotFound):
		return CodeConversationNotFound, "conversation not found"
	case errors.Is(err, chat.ErrMessageNotFound):
		return CodeMessageNotFound, "message not found"
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined, "join the conversation first"
	case errors.Is(err, errInvalidPayload), errors.Is(err, chat.ErrInvalidMessage):
		return CodeInvalidPayload, err.Error()
	case errors.Is(err, ErrCallConflict):
		return CodeCallConflict, err.Error()
	case errors.Is(err, ErrCallNotFound):
		return CodeCallNotFound, err.Error()
	case errors.Is(err, errUnknownEvent):
		return CodeUnknownEvent, err.Error()
	}
	return CodeInternal, "something went wrong"
}
