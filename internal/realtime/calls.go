package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/chat"
)

type CallState string

const (
	CallInvited  CallState = "invited"
	CallAnswered CallState = "answered"
)

// Reasons attached to server-generated call_end events.
const (
	ReasonNoAnswer         = "no_answer"
	ReasonMaxDuration      = "max_duration"
	ReasonPeerDisconnected = "peer_disconnected"
)

// CallSession lives only in memory on the instance that saw the invite.
type CallSession struct {
	ConversationID uuid.UUID
	Initiator      auth.Identity
	Callee         auth.Identity
	State          CallState
	AnsweredAt     time.Time

	gen   int
	timer *time.Timer
	grace map[string]*graceToken
}

type graceToken struct {
	timer *time.Timer
}

func (s *CallSession) involves(id auth.Identity) bool {
	return s.Initiator == id || s.Callee == id
}

func (s *CallSession) stopTimers() {
	if s.timer != nil {
		s.timer.Stop()
	}
	for key, tok := range s.grace {
		tok.timer.Stop()
		delete(s.grace, key)
	}
}

type callTable struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*CallSession
}

func newCallTable() *callTable {
	return &callTable{sessions: make(map[uuid.UUID]*CallSession)}
}

// Call returns a snapshot of the active call in a conversation.
func (r *Router) Call(conversationID uuid.UUID) (CallSession, bool) {
	r.calls.mu.Lock()
	defer r.calls.mu.Unlock()

	s, ok := r.calls.sessions[conversationID]
	if !ok {
		return CallSession{}, false
	}
	return CallSession{
		ConversationID: s.ConversationID,
		Initiator:      s.Initiator,
		Callee:         s.Callee,
		State:          s.State,
		AnsweredAt:     s.AnsweredAt,
	}, true
}

func (r *Router) callInvite(ctx context.Context, c *Conn, p CallPayload) error {
	conv, err := r.joinedConversation(ctx, c, p.ConversationID)
	if err != nil {
		return err
	}
	caller := c.Identity()
	peer := conv.Peer(caller)
	if p.Target != nil && *p.Target != peer {
		return fmt.Errorf("%w: call target is not the other participant", chat.ErrForbidden)
	}

	invite := r.callDelivery(conv.ID, caller, peer, EventCallInvite, CallEventPayload{
		ConversationID: conv.ID,
		From:           &caller,
		Offer:          p.Offer,
	})

	var out []Delivery
	r.calls.mu.Lock()
	s := r.calls.sessions[conv.ID]
	switch {
	case s == nil:
		s = &CallSession{
			ConversationID: conv.ID,
			Initiator:      caller,
			Callee:         peer,
			State:          CallInvited,
			grace:          make(map[string]*graceToken),
		}
		r.calls.sessions[conv.ID] = s
		r.armLocked(s, r.cfg.RingTimeout, CallInvited, ReasonNoAnswer)
		out = append(out, invite)

	case s.State == CallAnswered:
		r.calls.mu.Unlock()
		return ErrCallConflict

	case s.Initiator == caller:
		// re-sent offer while still ringing
		out = append(out, invite)

	default:
		// glare: both sides invited; the smaller key keeps the initiator slot
		if caller.Key() < s.Initiator.Key() {
			loser := s.Initiator
			s.Initiator, s.Callee = caller, loser
			r.armLocked(s, r.cfg.RingTimeout, CallInvited, ReasonNoAnswer)
			out = append(out, glare(conv.ID, caller, loser), invite)
		} else {
			out = append(out, glare(conv.ID, s.Initiator, caller))
		}
	}
	r.calls.mu.Unlock()

	for _, d := range out {
		r.broadcast(ctx, d)
	}
	return nil
}

func (r *Router) callAnswer(ctx context.Context, c *Conn, p CallPayload) error {
	conv, err := r.joinedConversation(ctx, c, p.ConversationID)
	if err != nil {
		return err
	}
	callee := c.Identity()

	r.calls.mu.Lock()
	s := r.calls.sessions[conv.ID]
	switch {
	case s == nil:
		r.calls.mu.Unlock()
		return ErrCallNotFound
	case s.State != CallInvited:
		r.calls.mu.Unlock()
		return fmt.Errorf("%w: call already answered", ErrCallConflict)
	case s.Initiator == callee:
		r.calls.mu.Unlock()
		return fmt.Errorf("%w: cannot answer your own call", ErrCallConflict)
	}
	s.State = CallAnswered
	s.AnsweredAt = time.Now()
	r.armLocked(s, r.cfg.MaxDuration, CallAnswered, ReasonMaxDuration)
	initiator := s.Initiator
	r.calls.mu.Unlock()

	r.broadcast(ctx, r.callDelivery(conv.ID, callee, initiator, EventCallAnswer, CallEventPayload{
		ConversationID: conv.ID,
		From:           &callee,
		Answer:         p.Answer,
	}))
	return nil
}

func (r *Router) callCandidate(ctx context.Context, c *Conn, p CallPayload) error {
	conv, err := r.joinedConversation(ctx, c, p.ConversationID)
	if err != nil {
		return err
	}
	from := c.Identity()

	r.calls.mu.Lock()
	_, ok := r.calls.sessions[conv.ID]
	r.calls.mu.Unlock()
	if !ok {
		return ErrCallNotFound
	}

	r.broadcast(ctx, r.callDelivery(conv.ID, from, conv.Peer(from), EventCallCandidate, CallEventPayload{
		ConversationID: conv.ID,
		From:           &from,
		Candidate:      p.Candidate,
	}))
	return nil
}

// callEnd only needs participation, so a client that already left the
// room can still hang up. Ending a call that does not exist is a no-op.
func (r *Router) callEnd(ctx context.Context, c *Conn, p CallPayload) error {
	from := c.Identity()
	conv, err := r.participantConversation(ctx, from, p.ConversationID)
	if err != nil {
		return err
	}

	r.calls.mu.Lock()
	s := r.calls.sessions[conv.ID]
	if s == nil {
		r.calls.mu.Unlock()
		return nil
	}
	d := r.endLocked(s, &from, p.Reason)
	r.calls.mu.Unlock()

	r.broadcast(ctx, d)
	return nil
}

// endLocked removes s and builds the call_end fan-out to both sides.
func (r *Router) endLocked(s *CallSession, by *auth.Identity, reason string) Delivery {
	s.stopTimers()
	delete(r.calls.sessions, s.ConversationID)
	if reason == "" {
		reason = "hangup"
	}

	ev, _ := NewEvent(EventCallEnd, CallEventPayload{
		ConversationID: s.ConversationID,
		From:           by,
		Reason:         reason,
	})
	return Delivery{
		Rooms: []uuid.UUID{s.ConversationID},
		To:    []string{s.Initiator.Key(), s.Callee.Key()},
		Event: ev,
	}
}

// armLocked replaces the session timer. The generation check drops a
// timer that fired while the state was moving on.
func (r *Router) armLocked(s *CallSession, d time.Duration, state CallState, reason string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if d <= 0 {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		r.calls.mu.Lock()
		if r.calls.sessions[s.ConversationID] != s || s.gen != gen || s.State != state {
			r.calls.mu.Unlock()
			return
		}
		end := r.endLocked(s, nil, reason)
		r.calls.mu.Unlock()

		r.log.Info().Str("conversation_id", s.ConversationID.String()).Str("reason", reason).Msg("call timed out")
		r.broadcast(context.Background(), end)
	})
}

// disconnected starts the grace timer on every call of id.
func (r *Router) disconnected(id auth.Identity) {
	r.calls.mu.Lock()
	defer r.calls.mu.Unlock()

	key := id.Key()
	for _, s := range r.calls.sessions {
		if !s.involves(id) || s.grace[key] != nil {
			continue
		}
		s := s
		tok := &graceToken{}
		s.grace[key] = tok
		tok.timer = time.AfterFunc(r.cfg.DisconnectGrace, func() {
			r.graceExpired(s, id, tok)
		})
	}
}

func (r *Router) graceExpired(s *CallSession, id auth.Identity, tok *graceToken) {
	r.calls.mu.Lock()
	if r.calls.sessions[s.ConversationID] != s || s.grace[id.Key()] != tok || r.hub.Online(id) {
		r.calls.mu.Unlock()
		return
	}
	end := r.endLocked(s, &id, ReasonPeerDisconnected)
	r.calls.mu.Unlock()

	r.log.Info().Str("conversation_id", s.ConversationID.String()).Str("identity", id.Key()).Msg("call ended after disconnect")
	r.broadcast(context.Background(), end)
}

func (r *Router) reconnected(id auth.Identity) {
	r.calls.mu.Lock()
	defer r.calls.mu.Unlock()

	key := id.Key()
	for _, s := range r.calls.sessions {
		if tok, ok := s.grace[key]; ok {
			tok.timer.Stop()
			delete(s.grace, key)
		}
	}
}

// callDelivery reaches the peer in the room and on their personal channel,
// so a callee who has not opened the conversation still rings.
func (r *Router) callDelivery(conversationID uuid.UUID, from, to auth.Identity, eventType string, payload CallEventPayload) Delivery {
	ev, _ := NewEvent(eventType, payload)
	return Delivery{
		Rooms:  []uuid.UUID{conversationID},
		To:     []string{to.Key()},
		Except: from.Key(),
		Event:  ev,
	}
}

func glare(conversationID uuid.UUID, winner, loser auth.Identity) Delivery {
	ev, _ := NewEvent(EventCallGlare, GlarePayload{ConversationID: conversationID, Initiator: winner})
	return Delivery{To: []string{loser.Key()}, Event: ev}
}
