package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/chat"
)

type harness struct {
	router  *Router
	chat    *chat.Service
	conv    *chat.Conversation
	patient auth.Identity
	doctor  auth.Identity
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	svc := chat.NewService(chat.NewMemoryRepository(), zerolog.Nop())
	hub := NewHub(zerolog.Nop())
	r := NewRouter(svc, hub, NewLocalBroadcaster(hub), cfg, zerolog.Nop())

	h := &harness{
		router:  r,
		chat:    svc,
		patient: auth.Identity{Role: auth.RoleUser, ID: uuid.New()},
		doctor:  auth.Identity{Role: auth.RoleDoctor, ID: uuid.New()},
	}
	conv, err := svc.StartConversation(context.Background(), h.patient, h.doctor.ID)
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	h.conv = conv
	return h
}

func (h *harness) connect(id auth.Identity) *Conn {
	c := NewConn(id, nil, 64)
	h.router.Connect(c)
	return c
}

// joined connects id and joins the harness conversation, discarding the
// join acknowledgements.
func (h *harness) joined(t *testing.T, id auth.Identity) *Conn {
	t.Helper()
	c := h.connect(id)
	h.send(c, EventJoinConversation, ConversationRef{ConversationID: h.conv.ID})
	expect(t, c, EventJoinedConversation)
	return c
}

func (h *harness) send(c *Conn, eventType string, payload any) {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	h.router.Dispatch(context.Background(), c, ev)
}

func next(t *testing.T, c *Conn, wait time.Duration) (Event, bool) {
	t.Helper()
	select {
	case frame := <-c.Outbox():
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		return ev, true
	case <-time.After(wait):
		return Event{}, false
	}
}

func expect(t *testing.T, c *Conn, eventType string) Event {
	t.Helper()
	ev, ok := next(t, c, time.Second)
	if !ok {
		t.Fatalf("%s: no %s event", c.Identity().Role, eventType)
	}
	if ev.Type != eventType {
		t.Fatalf("%s: got %s %s, want %s", c.Identity().Role, ev.Type, ev.Payload, eventType)
	}
	return ev
}

func expectNone(t *testing.T, c *Conn) {
	t.Helper()
	if ev, ok := next(t, c, 30*time.Millisecond); ok {
		t.Fatalf("%s: unexpected %s %s", c.Identity().Role, ev.Type, ev.Payload)
	}
}

func expectError(t *testing.T, c *Conn, code string) ErrorPayload {
	t.Helper()
	ev := expect(t, c, EventError)
	var p ErrorPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != code {
		t.Fatalf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
	return p
}

func decode[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", ev.Type, err)
	}
	return v
}
