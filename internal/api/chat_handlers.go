package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/chat"
	"github.com/hackgods/telecare/internal/realtime"
)

// chatHandlers is the REST fallback for clients without a socket.
// Mutations go through the realtime router so socket peers see them too.
type chatHandlers struct {
	chat   *chat.Service
	router *realtime.Router
	log    zerolog.Logger
}

func (h *chatHandlers) startConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	conv, err := h.chat.StartConversation(r.Context(), mustIdentity(r), uuid.MustParse(req.PeerID))
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *chatHandlers) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.ListConversations(r.Context(), mustIdentity(r))
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *chatHandlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	msg, created, err := h.router.SendMessage(r.Context(), mustIdentity(r), req.input())
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

func (h *chatHandlers) listMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "conversationId")
	if !ok {
		return
	}

	q := r.URL.Query()
	var before chat.Cursor
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_before", "before must be an RFC3339 timestamp")
			return
		}
		before.CreatedAt = t
	}
	if raw := q.Get("before_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil || before.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_before_id", "before_id must be a uuid and needs before")
			return
		}
		before.ID = id
	}
	limit := chat.DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, chat.MaxPageSize)
	}

	msgs, err := h.chat.ListMessages(r.Context(), mustIdentity(r), convID, before, limit)
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	resp := MessagesResponse{Messages: msgs}
	if len(msgs) == limit {
		oldest := msgs[0]
		resp.NextBefore = &oldest.CreatedAt
		resp.NextBeforeID = &oldest.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *chatHandlers) deleteMessage(w http.ResponseWriter, r *http.Request) {
	msgID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	msg, err := h.router.DeleteMessage(r.Context(), mustIdentity(r), msgID)
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *chatHandlers) restoreMessage(w http.ResponseWriter, r *http.Request) {
	msgID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	msg, err := h.router.RestoreMessage(r.Context(), mustIdentity(r), msgID)
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *chatHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	// an empty body marks everything unread as read
	var req MarkReadRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		ids = append(ids, uuid.MustParse(raw))
	}

	changed, err := h.router.MarkRead(r.Context(), mustIdentity(r), convID, ids)
	if err != nil {
		handleChatError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{ConversationID: convID, MessageIDs: changed})
}

func handleChatError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message_not_found", err.Error())
	default:
		log.Error().Err(err).Msg("chat request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
