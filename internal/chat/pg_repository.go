package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telecare/internal/auth"
)

const (
	conversationColumns = `id, user_id, doctor_id, last_message, last_message_at, is_active, created_at`
	messageColumns      = `id, conversation_id, sender_id, sender_type, body, message_type, attachments, reply_to,
		COALESCE(client_message_id, ''), is_read, is_deleted, deleted_at, created_at`
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanConversation(row pgx.Row, extra ...any) (*Conversation, error) {
	var c Conversation
	dest := []any{
		&c.ID,
		&c.UserID,
		&c.DoctorID,
		&c.LastMessage,
		&c.LastMessageAt,
		&c.IsActive,
		&c.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var attachments []byte

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.SenderType,
		&m.Body,
		&m.MessageType,
		&attachments,
		&m.ReplyTo,
		&m.ClientMessageID,
		&m.IsRead,
		&m.IsDeleted,
		&m.DeletedAt,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	m.Attachments = []Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}

func (r *PgRepository) GetOrCreateConversation(ctx context.Context, userID, doctorID uuid.UUID, now time.Time) (*Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, doctor_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, doctor_id) WHERE is_active DO NOTHING
		RETURNING `+conversationColumns,
		uuid.New(), userID, doctorID, now)

	c, err := scanConversation(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	// lost the insert: the pair already has its conversation
	row = r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1 AND doctor_id = $2 AND is_active
	`, userID, doctorID)
	return scanConversation(row)
}

func (r *PgRepository) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id)
	return scanConversation(row)
}

func (r *PgRepository) ListConversations(ctx context.Context, viewer auth.Identity) ([]Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.user_id, c.doctor_id, c.last_message, c.last_message_at, c.is_active, c.created_at,
		       (SELECT count(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND NOT m.is_read
		           AND NOT m.is_deleted) AS unread
		FROM conversations c
		WHERE c.is_active
		  AND (($2 = 'user' AND c.user_id = $1) OR ($2 = 'doctor' AND c.doctor_id = $1))
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, viewer.ID, string(viewer.Role))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		var unread int64
		c, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, err
		}
		c.UnreadCount = int(unread)
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertMessage(ctx context.Context, msg Message) (*Message, bool, error) {
	attachments, err := json.Marshal(nonNil(msg.Attachments))
	if err != nil {
		return nil, false, fmt.Errorf("encode attachments: %w", err)
	}
	var clientID *string
	if msg.ClientMessageID != "" {
		clientID = &msg.ClientMessageID
	}

	// insert and preview bump in one statement so readers never see one
	// without the other
	row := r.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO messages (id, conversation_id, sender_id, sender_type, body, message_type,
			                      attachments, reply_to, client_message_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (conversation_id, sender_id, client_message_id) WHERE client_message_id IS NOT NULL
			DO NOTHING
			RETURNING `+messageColumns+`
		), bump AS (
			UPDATE conversations
			SET last_message = $11, last_message_at = $10
			WHERE id = $2 AND EXISTS (SELECT 1 FROM ins)
		)
		SELECT * FROM ins
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.SenderType, msg.Body, msg.MessageType,
		attachments, msg.ReplyTo, clientID, msg.CreatedAt, preview(msg))

	stored, err := scanMessage(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrMessageNotFound) || clientID == nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	row = r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3
	`, msg.ConversationID, msg.SenderID, *clientID)
	stored, err = scanMessage(row)
	if err != nil {
		return nil, false, fmt.Errorf("load duplicate message: %w", err)
	}
	return stored, false, nil
}

func (r *PgRepository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

func (r *PgRepository) ListMessages(ctx context.Context, conversationID uuid.UUID, before Cursor, limit int) ([]Message, error) {
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before.CreatedAt
	}

	rows, err := r.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		) page
		ORDER BY created_at ASC, id ASC
	`, conversationID, cursor, before.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if ids == nil {
		ids = []uuid.UUID{}
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND NOT is_read
		  AND NOT is_deleted
		  AND (cardinality($3::uuid[]) = 0 OR id = ANY($3::uuid[]))
		RETURNING id
	`, conversationID, readerID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	changed, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return changed, nil
}

func (r *PgRepository) SetDeleted(ctx context.Context, id uuid.UUID, deleted bool, now time.Time) (*Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET is_deleted = $2,
		    deleted_at = CASE WHEN $2 THEN $3::timestamptz ELSE NULL END
		WHERE id = $1
		RETURNING `+messageColumns,
		id, deleted, now)
	return scanMessage(row)
}

func nonNil(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}
