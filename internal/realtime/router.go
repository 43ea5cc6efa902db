package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/chat"
)

type Config struct {
	RingTimeout     time.Duration
	MaxDuration     time.Duration
	DisconnectGrace time.Duration
}

// Router is the single entry point for chat mutations and signaling. The
// socket transport and the REST fallback both call it, so every write is
// persisted first and broadcast after.
type Router struct {
	chat  *chat.Service
	hub   *Hub
	bc    Broadcaster
	cfg   Config
	calls *callTable
	log   zerolog.Logger
}

func NewRouter(chatSvc *chat.Service, hub *Hub, bc Broadcaster, cfg Config, log zerolog.Logger) *Router {
	return &Router{
		chat:  chatSvc,
		hub:   hub,
		bc:    bc,
		cfg:   cfg,
		calls: newCallTable(),
		log:   log.With().Str("component", "router").Logger(),
	}
}

func (r *Router) Hub() *Hub { return r.hub }

// Connect registers an authenticated connection and cancels any pending
// disconnect timers of its principal.
func (r *Router) Connect(c *Conn) {
	r.hub.Register(c)
	r.reconnected(c.Identity())
}

func (r *Router) Disconnect(ctx context.Context, c *Conn) {
	id := c.Identity()
	for _, room := range r.hub.Unregister(c) {
		if !r.hub.InRoom(id, room) {
			r.broadcast(ctx, presence(room, id, false))
		}
	}
	if !r.hub.Online(id) {
		r.disconnected(id)
	}
}

// Join subscribes c to a conversation room it takes part in.
func (r *Router) Join(ctx context.Context, c *Conn, conversationID uuid.UUID) error {
	id := c.Identity()
	conv, err := r.chat.Conversation(ctx, id, conversationID)
	if err != nil {
		return err
	}
	if !conv.Participant(id) {
		return chat.ErrForbidden
	}

	wasPresent := r.hub.InRoom(id, conv.ID)
	if r.hub.Join(c, conv.ID) && !wasPresent {
		r.broadcast(ctx, presence(conv.ID, id, true))
	}

	ev, err := NewEvent(EventJoinedConversation, JoinedPayload{ConversationID: conv.ID, Online: r.hub.Members(conv.ID)})
	if err != nil {
		return err
	}
	r.hub.Send(c, ev)
	return nil
}

func (r *Router) Leave(ctx context.Context, c *Conn, conversationID uuid.UUID) error {
	id := c.Identity()
	if r.hub.Leave(c, conversationID) && !r.hub.InRoom(id, conversationID) {
		r.broadcast(ctx, presence(conversationID, id, false))
	}
	ev, err := NewEvent(EventLeftConversation, ConversationRef{ConversationID: conversationID})
	if err != nil {
		return err
	}
	r.hub.Send(c, ev)
	return nil
}

// SendMessage persists then broadcasts new_message to the room, the
// sender's own connections included. A replayed client message id is
// not broadcast again.
func (r *Router) SendMessage(ctx context.Context, id auth.Identity, in chat.SendInput) (*chat.Message, bool, error) {
	sender, err := chat.SenderFrom(id)
	if err != nil {
		return nil, false, err
	}
	msg, created, err := r.chat.SendMessage(ctx, sender, in)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.emit(ctx, []uuid.UUID{msg.ConversationID}, nil, "", EventNewMessage, msg)
	}
	return msg, created, nil
}

func (r *Router) MarkRead(ctx context.Context, id auth.Identity, conversationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	changed, err := r.chat.MarkRead(ctx, id, conversationID, ids)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		r.emit(ctx, []uuid.UUID{conversationID}, nil, "", EventMessagesRead, ReadPayload{
			ConversationID: conversationID,
			Reader:         id,
			MessageIDs:     changed,
		})
	}
	return changed, nil
}

func (r *Router) DeleteMessage(ctx context.Context, id auth.Identity, messageID uuid.UUID) (*chat.Message, error) {
	msg, err := r.chat.DeleteMessage(ctx, id, messageID)
	if err != nil {
		return nil, err
	}
	r.emit(ctx, []uuid.UUID{msg.ConversationID}, nil, "", EventMessageDeleted, DeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	redacted := msg.Redacted()
	return &redacted, nil
}

func (r *Router) RestoreMessage(ctx context.Context, id auth.Identity, messageID uuid.UUID) (*chat.Message, error) {
	msg, err := r.chat.RestoreMessage(ctx, id, messageID)
	if err != nil {
		return nil, err
	}
	r.emit(ctx, []uuid.UUID{msg.ConversationID}, nil, "", EventMessageRestored, msg)
	return msg, nil
}

func (r *Router) typing(ctx context.Context, c *Conn, conversationID uuid.UUID, start bool) error {
	if !r.hub.Joined(c, conversationID) {
		return ErrNotJoined
	}
	eventType := EventTypingStopped
	if start {
		eventType = EventTypingStart
	}
	id := c.Identity()
	r.emit(ctx, []uuid.UUID{conversationID}, nil, id.Key(), eventType, ParticipantPayload{
		ConversationID: conversationID,
		Participant:    id,
	})
	return nil
}

// joinedConversation loads a conversation c has joined.
func (r *Router) joinedConversation(ctx context.Context, c *Conn, conversationID uuid.UUID) (*chat.Conversation, error) {
	if !r.hub.Joined(c, conversationID) {
		return nil, ErrNotJoined
	}
	return r.participantConversation(ctx, c.Identity(), conversationID)
}

func (r *Router) participantConversation(ctx context.Context, id auth.Identity, conversationID uuid.UUID) (*chat.Conversation, error) {
	conv, err := r.chat.Conversation(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Participant(id) {
		return nil, chat.ErrForbidden
	}
	return conv, nil
}

// Dispatch handles one inbound event. Failures go back to c alone as an
// error event and are never broadcast.
func (r *Router) Dispatch(ctx context.Context, c *Conn, ev Event) {
	if err := r.dispatch(ctx, c, ev); err != nil {
		r.replyError(c, ev.Type, err)
	}
}

func (r *Router) dispatch(ctx context.Context, c *Conn, ev Event) error {
	switch ev.Type {
	case EventPing:
		pong, _ := NewEvent(EventPong, nil)
		r.hub.Send(c, pong)
		return nil

	case EventJoinConversation, EventLeaveConversation, EventTypingStart, EventTypingStop:
		var p ConversationRef
		if err := ev.decode(&p); err != nil {
			return err
		}
		switch ev.Type {
		case EventJoinConversation:
			return r.Join(ctx, c, p.ConversationID)
		case EventLeaveConversation:
			return r.Leave(ctx, c, p.ConversationID)
		default:
			return r.typing(ctx, c, p.ConversationID, ev.Type == EventTypingStart)
		}

	case EventSendMessage:
		var p SendMessagePayload
		if err := ev.decode(&p); err != nil {
			return err
		}
		if !r.hub.Joined(c, p.ConversationID) {
			return ErrNotJoined
		}
		msg, created, err := r.SendMessage(ctx, c.Identity(), chat.SendInput{
			ConversationID:  p.ConversationID,
			Body:            p.Body,
			MessageType:     p.MessageType,
			Attachments:     p.Attachments,
			ReplyTo:         p.ReplyTo,
			ClientMessageID: p.ClientMessageID,
		})
		if err != nil {
			return err
		}
		if !created {
			// let a retrying client reconcile its temporary copy
			echo, err := NewEvent(EventNewMessage, msg)
			if err != nil {
				return err
			}
			r.hub.Send(c, echo)
		}
		return nil

	case EventMarkAsRead:
		var p MarkReadPayload
		if err := ev.decode(&p); err != nil {
			return err
		}
		if !r.hub.Joined(c, p.ConversationID) {
			return ErrNotJoined
		}
		_, err := r.MarkRead(ctx, c.Identity(), p.ConversationID, p.MessageIDs)
		return err

	case EventDeleteMessage, EventRestoreMessage:
		var p MessageRef
		if err := ev.decode(&p); err != nil {
			return err
		}
		var err error
		if ev.Type == EventDeleteMessage {
			_, err = r.DeleteMessage(ctx, c.Identity(), p.MessageID)
		} else {
			_, err = r.RestoreMessage(ctx, c.Identity(), p.MessageID)
		}
		return err

	case EventCallInvite, EventCallAnswer, EventCallCandidate, EventCallEnd:
		var p CallPayload
		if err := ev.decode(&p); err != nil {
			return err
		}
		switch ev.Type {
		case EventCallInvite:
			return r.callInvite(ctx, c, p)
		case EventCallAnswer:
			return r.callAnswer(ctx, c, p)
		case EventCallCandidate:
			return r.callCandidate(ctx, c, p)
		default:
			return r.callEnd(ctx, c, p)
		}
	}
	return fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
}

func (r *Router) replyError(c *Conn, requestType string, err error) {
	code, msg := errorCode(err)
	if code == CodeInternal {
		r.log.Error().Err(err).Str("identity", c.Identity().Key()).Str("request_type", requestType).Msg("realtime request failed")
	}
	ev, encErr := NewEvent(EventError, ErrorPayload{Code: code, Message: msg, RequestType: requestType})
	if encErr != nil {
		return
	}
	r.hub.Send(c, ev)
}

func (r *Router) emit(ctx context.Context, rooms []uuid.UUID, to []string, except, eventType string, payload any) {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	r.broadcast(ctx, Delivery{Rooms: rooms, To: to, Except: except, Event: ev})
}

// broadcast failures are logged only: the write already succeeded and
// clients catch up through history reads.
func (r *Router) broadcast(ctx context.Context, d Delivery) {
	if err := r.bc.Broadcast(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn().Err(err).Str("event", d.Event.Type).Msg("broadcast failed")
	}
}

func presence(room uuid.UUID, id auth.Identity, online bool) Delivery {
	ev, _ := NewEvent(EventPresence, PresencePayload{ConversationID: room, Participant: id, Online: online})
	return Delivery{Rooms: []uuid.UUID{room}, Except: id.Key(), Event: ev}
}
