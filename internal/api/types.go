package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/chat"
)

type LockSlotRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Time     string `json:"time" validate:"required,max=16"`
}

type FinalizeRequest struct {
	LockID    string `json:"lock_id" validate:"required,uuid"`
	OrderID   string `json:"order_id" validate:"omitempty,max=128"`
	PaymentID string `json:"payment_id" validate:"required,max=128"`
	Signature string `json:"signature" validate:"omitempty,max=256"`
}

type LockResponse struct {
	ID        uuid.UUID      `json:"id"`
	DoctorID  uuid.UUID      `json:"doctor_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Date      string         `json:"date"`
	Time      string         `json:"time"`
	Status    booking.Status `json:"status"`
	PaymentID string         `json:"payment_id,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

func lockResponse(l *booking.SlotLock) LockResponse {
	resp := LockResponse{
		ID:        l.ID,
		DoctorID:  l.DoctorID,
		UserID:    l.UserID,
		Date:      l.Date,
		Time:      l.Time,
		Status:    l.Status,
		PaymentID: l.PaymentID,
	}
	// the deadline only means something while the hold is pending
	if l.Status == booking.StatusLocked {
		exp := l.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

type AvailabilityResponse struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Available bool      `json:"available"`
}

type TakenSlotsResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Taken    []string  `json:"taken"`
}

type StartConversationRequest struct {
	PeerID string `json:"peer_id" validate:"required,uuid"`
}

type AttachmentRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name" validate:"omitempty,max=255"`
	MimeType string `json:"mime_type" validate:"omitempty,max=127"`
	Size     int64  `json:"size" validate:"gte=0"`
}

// SendMessageRequest carries no sender fields: authorship comes from the
// bearer token.
type SendMessageRequest struct {
	ConversationID  string              `json:"conversation_id" validate:"required,uuid"`
	Body            string              `json:"body" validate:"max=4000"`
	MessageType     string              `json:"message_type" validate:"omitempty,oneof=text image file mixed"`
	Attachments     []AttachmentRequest `json:"attachments" validate:"max=10,dive"`
	ReplyTo         string              `json:"reply_to" validate:"omitempty,uuid"`
	ClientMessageID string              `json:"client_message_id" validate:"max=64"`
}

func (req SendMessageRequest) input() chat.SendInput {
	in := chat.SendInput{
		ConversationID:  uuid.MustParse(req.ConversationID),
		Body:            req.Body,
		MessageType:     chat.MessageType(req.MessageType),
		ClientMessageID: req.ClientMessageID,
	}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, chat.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType, Size: a.Size})
	}
	if req.ReplyTo != "" {
		id := uuid.MustParse(req.ReplyTo)
		in.ReplyTo = &id
	}
	return in
}

type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids" validate:"max=500,dive,uuid"`
}

type MarkReadResponse struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	// NextBefore and NextBeforeID together are the cursor for the previous
	// page, empty on the last one.
	NextBefore   *time.Time `json:"next_before,omitempty"`
	NextBeforeID *uuid.UUID `json:"next_before_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
