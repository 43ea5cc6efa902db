package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telecare/internal/auth"
)

type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID]*Message
	byConv        map[uuid.UUID][]uuid.UUID // insertion order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[uuid.UUID]*Conversation),
		messages:      make(map[uuid.UUID]*Message),
		byConv:        make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *MemoryRepository) GetOrCreateConversation(_ context.Context, userID, doctorID uuid.UUID, now time.Time) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conversations {
		if c.IsActive && c.UserID == userID && c.DoctorID == doctorID {
			cp := *c
			return &cp, nil
		}
	}
	c := &Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		DoctorID:  doctorID,
		IsActive:  true,
		CreatedAt: now,
	}
	r.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, viewer auth.Identity) ([]Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conversation
	for _, c := range r.conversations {
		if !c.IsActive || !c.Participant(viewer) {
			continue
		}
		cp := *c
		for _, id := range r.byConv[c.ID] {
			m := r.messages[id]
			if m.SenderID != viewer.ID && !m.IsRead && !m.IsDeleted {
				cp.UnreadCount++
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out, nil
}

func lastActivity(c Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (r *MemoryRepository) InsertMessage(_ context.Context, msg Message) (*Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[msg.ConversationID]
	if !ok {
		return nil, false, ErrConversationNotFound
	}
	if msg.ClientMessageID != "" {
		for _, id := range r.byConv[msg.ConversationID] {
			m := r.messages[id]
			if m.SenderID == msg.SenderID && m.ClientMessageID == msg.ClientMessageID {
				cp := *m
				return &cp, false, nil
			}
		}
	}

	stored := msg
	stored.Attachments = append([]Attachment{}, msg.Attachments...)
	r.messages[stored.ID] = &stored
	r.byConv[stored.ConversationID] = append(r.byConv[stored.ConversationID], stored.ID)

	at := stored.CreatedAt
	c.LastMessage = preview(stored)
	c.LastMessageAt = &at

	cp := stored
	return &cp, true, nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id uuid.UUID) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID uuid.UUID, before Cursor, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Message
	for _, id := range r.byConv[conversationID] {
		m := r.messages[id]
		if !before.IsZero() && !before.olderThan(m) {
			continue
		}
		all = append(all, *m)
	}
	// same ordering as the postgres keyset
	sort.Slice(all, func(i, j int) bool {
		return CursorOf(all[j]).olderThan(&all[i])
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var changed []uuid.UUID
	for _, id := range r.byConv[conversationID] {
		m := r.messages[id]
		if m.SenderID == readerID || m.IsRead || m.IsDeleted {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		m.IsRead = true
		changed = append(changed, id)
	}
	return changed, nil
}

func (r *MemoryRepository) SetDeleted(_ context.Context, id uuid.UUID, deleted bool, now time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	m.IsDeleted = deleted
	if deleted {
		at := now
		m.DeletedAt = &at
	} else {
		m.DeletedAt = nil
	}
	cp := *m
	return &cp, nil
}
