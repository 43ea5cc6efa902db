package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
)

const defaultSendBuffer = 256

// Conn is one live socket of an authenticated principal.
type Conn struct {
	ID       uuid.UUID
	identity auth.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	// guarded by Hub.mu
	rooms map[uuid.UUID]struct{}
}

func NewConn(identity auth.Identity, ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Conn{
		ID:       uuid.New(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[uuid.UUID]struct{}),
	}
}

func (c *Conn) Identity() auth.Identity { return c.identity }

// Outbox exposes queued frames, mostly for tests without a socket.
func (c *Conn) Outbox() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the write side; the read pump notices the closed socket.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// enqueue never blocks; a client that cannot keep up is dropped.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Delivery addresses an event to conversation rooms and personal
// channels. Each connection receives it at most once. Connections of
// Except are skipped.
type Delivery struct {
	Rooms  []uuid.UUID `json:"rooms,omitempty"`
	To     []string    `json:"to,omitempty"`
	Except string      `json:"except,omitempty"`
	Event  Event       `json:"event"`
}

// Hub is the in-process room table: conversation id to connections, and
// identity key to connections.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Conn]struct{}
	people map[string]map[*Conn]struct{}
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[uuid.UUID]map[*Conn]struct{}),
		people: make(map[string]map[*Conn]struct{}),
		log:    log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := c.identity.Key()
	if h.people[key] == nil {
		h.people[key] = make(map[*Conn]struct{})
	}
	h.people[key][c] = struct{}{}
}

// Unregister drops c everywhere and returns the rooms it was in.
func (h *Hub) Unregister(c *Conn) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := c.identity.Key()
	if set, ok := h.people[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.people, key)
		}
	}

	left := make([]uuid.UUID, 0, len(c.rooms))
	for room := range c.rooms {
		h.removeLocked(c, room)
		left = append(left, room)
	}
	return left
}

// Join returns false when c was already in the room.
func (h *Hub) Join(c *Conn, room uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.rooms[room]; ok {
		return false
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

// Leave returns false when c was not in the room.
func (h *Hub) Leave(c *Conn, room uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return false
	}
	h.removeLocked(c, room)
	return true
}

func (h *Hub) removeLocked(c *Conn, room uuid.UUID) {
	delete(c.rooms, room)
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Joined(c *Conn, room uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := c.rooms[room]
	return ok
}

// Online reports whether id has any live connection on this instance.
func (h *Hub) Online(id auth.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.people[id.Key()]) > 0
}

// InRoom reports whether any connection of id is in room.
func (h *Hub) InRoom(id auth.Identity, room uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		if c.identity == id {
			return true
		}
	}
	return false
}

// Members lists the distinct identities present in room.
func (h *Hub) Members(room uuid.UUID) []auth.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[auth.Identity]bool)
	out := []auth.Identity{}
	for c := range h.rooms[room] {
		if !seen[c.identity] {
			seen[c.identity] = true
			out = append(out, c.identity)
		}
	}
	return out
}

// Deliver fans d out to local connections.
func (h *Hub) Deliver(d Delivery) {
	frame, err := json.Marshal(d.Event)
	if err != nil {
		h.log.Error().Err(err).Str("event", d.Event.Type).Msg("encode frame")
		return
	}

	h.mu.RLock()
	targets := make(map[*Conn]struct{})
	for _, room := range d.Rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	for _, key := range d.To {
		for c := range h.people[key] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if d.Except != "" && c.identity.Key() == d.Except {
			continue
		}
		if !c.enqueue(frame) {
			h.log.Warn().Str("conn_id", c.ID.String()).Str("identity", c.identity.Key()).Msg("dropping slow connection")
			c.Close()
		}
	}
}

// Send queues ev for one connection only.
func (h *Hub) Send(c *Conn, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Type).Msg("encode frame")
		return
	}
	if !c.enqueue(frame) {
		c.Close()
	}
}
