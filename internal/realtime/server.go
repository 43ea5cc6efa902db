package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
)

type TransportConfig struct {
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// AllowedOrigins limits browser origins; "*" or empty allows all.
	AllowedOrigins []string
	HandlerTimeout time.Duration
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	return c
}

// Server upgrades authenticated requests to sockets and pumps events
// between them and the Router.
type Server struct {
	router   *Router
	authn    auth.Authenticator
	cfg      TransportConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewServer(router *Router, authn auth.Authenticator, cfg TransportConfig, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		router: router,
		authn:  authn,
		cfg:    cfg,
		log:    log.With().Str("component", "ws").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return false
}

// ServeHTTP authenticates before upgrading, so a bad credential never
// gets a socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := s.authn.Authenticate(r.Context(), auth.Token(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "unauthorized",
			"details": "missing or invalid bearer token",
		})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := NewConn(id, ws, s.cfg.SendBuffer)
	s.router.Connect(c)
	s.log.Info().Str("identity", id.Key()).Str("conn_id", c.ID.String()).Msg("connected")

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
		s.router.Disconnect(ctx, c)
		cancel()
		s.log.Info().Str("identity", c.Identity().Key()).Str("conn_id", c.ID.String()).Msg("disconnected")
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("conn_id", c.ID.String()).Msg("read error")
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			s.router.replyError(c, "", errInvalidPayload)
			continue
		}

		// one event at a time keeps a sender's messages in order
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
		s.router.Dispatch(ctx, c, ev)
		cancel()
	}
}

func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
