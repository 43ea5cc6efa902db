package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/chat"
	"github.com/hackgods/telecare/internal/payment"
	"github.com/hackgods/telecare/internal/realtime"
)

type RouterConfig struct {
	Locks         *booking.Manager
	Payments      payment.Verifier
	Chat          *chat.Service
	Realtime      *realtime.Router
	Socket        http.Handler
	Authenticator auth.Authenticator
	Health        *HealthHandler
	CORSOrigins   []string
	Log           zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(RecoverMiddleware(cfg.Log))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}).Handler)

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	// the socket authenticates during its own handshake
	if cfg.Socket != nil {
		r.Get("/ws", cfg.Socket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Authenticator))

		b := &bookingHandlers{locks: cfg.Locks, verifier: cfg.Payments, log: cfg.Log}
		r.Post("/lock", b.lockSlot)
		r.Get("/lock/{id}", b.getLock)
		r.Patch("/lock/{id}/cancel", b.cancelLock)
		r.Post("/finalize", b.finalize)
		r.Patch("/bookings/{id}/cancel", b.cancelBooking)
		r.Get("/slots/availability", b.availability)
		r.Get("/doctors/{id}/slots", b.takenSlots)

		c := &chatHandlers{chat: cfg.Chat, router: cfg.Realtime, log: cfg.Log}
		r.Post("/conversations", c.startConversation)
		r.Get("/conversations", c.listConversations)
		r.Patch("/conversations/{id}/read", c.markRead)
		r.Post("/messages", c.sendMessage)
		r.Get("/messages/{conversationId}", c.listMessages)
		r.Patch("/messages/{id}/soft-delete", c.deleteMessage)
		r.Patch("/messages/{id}/restore", c.restoreMessage)
	})

	return r
}
