package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
)

const messageColumns = `id, chat_id, sender_id, receiver_id, seq, type, content, media_url,
	metadata, deleted, deleted_at, hidden_for, edited, edited_at, original_content,
	reply_to, revealed, revealed_at, created_at`

// foreignKeyViolation is the SQLSTATE raised when a receipt or reaction
// names a message that does not exist.
const foreignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                             model.Message
		typ                           string
		metadata, original            sql.NullString
		deletedAt, editedAt, revealAt sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Seq, &typ, &m.Content, &m.MediaURL,
		&metadata, &m.Deleted, &deletedAt, pq.Array(&m.HiddenFor), &m.Edited, &editedAt, &original,
		&m.ReplyTo, &m.Revealed, &revealAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	if metadata.Valid {
		meta, err := model.DecodeMetadata(m.Type, []byte(metadata.String))
		if err != nil {
			return nil, fmt.Errorf("postgres: message %s: %w", m.ID, err)
		}
		m.Metadata = meta
	}
	if original.Valid {
		v := original.String
		m.OriginalContent = &v
	}
	m.DeletedAt = timePtr(deletedAt)
	m.EditedAt = timePtr(editedAt)
	m.RevealedAt = timePtr(revealAt)
	return &m, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (*model.Chat, error) {
	ctx, done := s.op(ctx, "append_message")
	defer done()

	raw, err := model.EncodeMetadata(msg.Metadata)
	if err != nil {
		return nil, apperr.InvalidArgument("metadata: %v", err)
	}
	var metadata sql.NullString
	if raw != nil {
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	hidden := msg.HiddenFor
	if hidden == nil {
		hidden = []string{}
	}

	var chat *model.Chat
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, msg.ChatID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("chat %s", msg.ChatID)
		}
		if err != nil {
			return err
		}

		const insert = `
			INSERT INTO messages (id, chat_id, sender_id, receiver_id, type, content, media_url,
				metadata, deleted, hidden_for, reply_to, revealed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13)
			RETURNING seq`
		err = tx.QueryRowContext(ctx, insert,
			msg.ID, msg.ChatID, msg.SenderID, msg.ReceiverID, string(msg.Type), msg.Content, msg.MediaURL,
			metadata, msg.Deleted, pq.Array(hidden), msg.ReplyTo, msg.Revealed, msg.CreatedAt,
		).Scan(&msg.Seq)
		if err != nil {
			return err
		}

		if err := insertReceipts(ctx, tx, msg.ID, model.ReceiptDelivered, msg.DeliveredTo); err != nil {
			return err
		}
		if err := insertReceipts(ctx, tx, msg.ID, model.ReceiptRead, msg.ReadBy); err != nil {
			return err
		}

		const touch = `UPDATE chats SET last_message_id = $2, last_message_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, touch, msg.ChatID, msg.ID, msg.CreatedAt); err != nil {
			return err
		}

		const unread = `
			INSERT INTO chat_unread (chat_id, user_id, count) VALUES ($1, $2, 1)
			ON CONFLICT (chat_id, user_id) DO UPDATE SET count = chat_unread.count + 1`
		if _, err := tx.ExecContext(ctx, unread, msg.ChatID, msg.ReceiverID); err != nil {
			return err
		}

		chat, err = getChat(ctx, tx, msg.ChatID)
		return err
	})
	if err != nil {
		return nil, mapErr("append message", err)
	}
	return chat, nil
}

func insertReceipts(ctx context.Context, tx *sql.Tx, messageID string, kind model.ReceiptKind, receipts []model.Receipt) error {
	for _, r := range receipts {
		const query = `
			INSERT INTO message_receipts (message_id, kind, user_id, at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, messageID, string(kind), r.UserID, r.At); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	ctx, done := s.op(ctx, "get_message")
	defer done()
	return s.getMessage(ctx, id)
}

func (s *Store) getMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("message "+id, err)
	}
	if err := s.loadExtras(ctx, []*model.Message{m}); err != nil {
		return nil, mapErr("message "+id, err)
	}
	return m, nil
}

func (s *Store) GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error) {
	ctx, done := s.op(ctx, "get_messages")
	defer done()

	out := make(map[string]*model.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	ctx, done := s.op(ctx, "list_messages")
	defer done()

	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND ($2::bigint = 0 OR seq < $2::bigint)
		ORDER BY seq DESC
		LIMIT NULLIF($3::int, 0)`

	page, err := s.queryMessages(ctx, query, chatID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(page)
	return page, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query messages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("query messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("query messages", err)
	}
	if err := s.loadExtras(ctx, out); err != nil {
		return nil, mapErr("query messages", err)
	}
	return out, nil
}

// loadExtras attaches receipts and reactions to msgs with one query each.
func (s *Store) loadExtras(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		m.ReadBy = []model.Receipt{}
		m.DeliveredTo = []model.Receipt{}
		m.Reactions = []model.Reaction{}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, kind, user_id, at
		FROM message_receipts
		WHERE message_id = ANY($1)
		ORDER BY at, user_id`, pq.Array(ids))
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			id, kind string
			r        model.Receipt
		)
		if err := rows.Scan(&id, &kind, &r.UserID, &r.At); err != nil {
			rows.Close()
			return err
		}
		m := byID[id]
		if model.ReceiptKind(kind) == model.ReceiptRead {
			m.ReadBy = append(m.ReadBy, r)
		} else {
			m.DeliveredTo = append(m.DeliveredTo, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY at, user_id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			r  model.Reaction
		)
		if err := rows.Scan(&id, &r.UserID, &r.Emoji, &r.At); err != nil {
			return err
		}
		byID[id].Reactions = append(byID[id].Reactions, r)
	}
	return rows.Err()
}

func (s *Store) AddReceipt(ctx context.Context, messageID string, kind model.ReceiptKind, userID string, at time.Time) (bool, error) {
	ctx, done := s.op(ctx, "add_receipt")
	defer done()

	const query = `
		INSERT INTO message_receipts (message_id, kind, user_id, at) VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, messageID, string(kind), userID, at)
	if isForeignKeyViolation(err) {
		return false, apperr.NotFound("message %s", messageID)
	}
	if err != nil {
		return false, mapErr("add receipt", err)
	}
	return affected(res)
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	ctx, done := s.op(ctx, "mark_read")
	defer done()

	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const receipt = `
			INSERT INTO message_receipts (message_id, kind, user_id, at) VALUES ($1, 'read', $2, $3)
			ON CONFLICT DO NOTHING`
		res, err := tx.ExecContext(ctx, receipt, messageID, userID, at)
		if isForeignKeyViolation(err) {
			return apperr.NotFound("message %s", messageID)
		}
		if err != nil {
			return err
		}
		if changed, err = affected(res); err != nil || !changed {
			return err
		}

		const decrement = `
			UPDATE chat_unread SET count = count - 1
			WHERE chat_id = (SELECT chat_id FROM messages WHERE id = $1)
			  AND user_id = $2
			  AND count > 0`
		_, err = tx.ExecContext(ctx, decrement, messageID, userID)
		return err
	})
	if err != nil {
		return false, mapErr("mark read", err)
	}
	return changed, nil
}

func (s *Store) MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]string, error) {
	ctx, done := s.op(ctx, "mark_chat_read")
	defer done()

	var changed []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("chat %s", chatID)
		}
		if err != nil {
			return err
		}

		const pending = `
			SELECT m.id
			FROM messages m
			WHERE m.chat_id = $1
			  AND m.receiver_id = $2
			  AND NOT EXISTS (
			      SELECT 1 FROM message_receipts r
			      WHERE r.message_id = m.id AND r.kind = 'read' AND r.user_id = $2)
			ORDER BY m.seq`
		rows, err := tx.QueryContext(ctx, pending, chatID, userID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			changed = append(changed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(changed) > 0 {
			const receipts = `
				INSERT INTO message_receipts (message_id, kind, user_id, at)
				SELECT id, 'read', $2, $3 FROM UNNEST($1::text[]) AS id
				ON CONFLICT DO NOTHING`
			if _, err := tx.ExecContext(ctx, receipts, pq.Array(changed), userID, at); err != nil {
				return err
			}
		}

		const reset = `
			INSERT INTO chat_unread (chat_id, user_id, count) VALUES ($1, $2, 0)
			ON CONFLICT (chat_id, user_id) DO UPDATE SET count = 0`
		_, err = tx.ExecContext(ctx, reset, chatID, userID)
		return err
	})
	if err != nil {
		return nil, mapErr("mark chat read", err)
	}
	return changed, nil
}

func (s *Store) EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error) {
	ctx, done := s.op(ctx, "edit_message")
	defer done()

	const query = `
		UPDATE messages SET
			original_content = CASE WHEN edited THEN original_content ELSE content END,
			content = $2,
			edited = TRUE,
			edited_at = $3
		WHERE id = $1 AND NOT deleted`
	res, err := s.db.ExecContext(ctx, query, id, content, at)
	if err != nil {
		return nil, mapErr("edit message", err)
	}
	if err := requireRow(res, "message "+id); err != nil {
		return nil, err
	}
	return s.getMessage(ctx, id)
}

func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, done := s.op(ctx, "soft_delete")
	defer done()
	return s.guardedUpdate(ctx, id,
		`UPDATE messages SET deleted = TRUE, deleted_at = $2 WHERE id = $1 AND NOT deleted`, at)
}

func (s *Store) HideFor(ctx context.Context, id, userID string) (bool, error) {
	ctx, done := s.op(ctx, "hide_for")
	defer done()
	return s.guardedUpdate(ctx, id, `
		UPDATE messages SET hidden_for = array_append(hidden_for, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(hidden_for))`, userID)
}

func (s *Store) Reveal(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, done := s.op(ctx, "reveal")
	defer done()
	return s.guardedUpdate(ctx, id,
		`UPDATE messages SET revealed = TRUE, revealed_at = $2 WHERE id = $1 AND NOT revealed`, at)
}

// guardedUpdate runs a conditional update on message id. Zero affected rows
// means the condition already held, unless the message is missing.
func (s *Store) guardedUpdate(ctx context.Context, id, query string, arg any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, id, arg)
	if err != nil {
		return false, mapErr("update message", err)
	}
	changed, err := affected(res)
	if err != nil || changed {
		return changed, err
	}
	return false, s.requireMessage(ctx, id)
}

func (s *Store) requireMessage(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapErr("message exists", err)
	}
	if !exists {
		return apperr.NotFound("message %s", id)
	}
	return nil
}

func (s *Store) SetReaction(ctx context.Context, id, userID, emoji string, at time.Time) (*model.Message, error) {
	ctx, done := s.op(ctx, "set_reaction")
	defer done()

	const query = `
		INSERT INTO message_reactions (message_id, user_id, emoji, at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, at = EXCLUDED.at`
	_, err := s.db.ExecContext(ctx, query, id, userID, emoji, at)
	if isForeignKeyViolation(err) {
		return nil, apperr.NotFound("message %s", id)
	}
	if err != nil {
		return nil, mapErr("set reaction", err)
	}
	return s.getMessage(ctx, id)
}

func (s *Store) RemoveReaction(ctx context.Context, id, userID, emoji string) (bool, error) {
	ctx, done := s.op(ctx, "remove_reaction")
	defer done()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		id, userID, emoji)
	if err != nil {
		return false, mapErr("remove reaction", err)
	}
	removed, err := affected(res)
	if err != nil || removed {
		return removed, err
	}
	return false, s.requireMessage(ctx, id)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient("rows affected", err)
	}
	return n > 0, nil
}
