package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/emberapp/matchcore/internal/model"
)

const chatColumns = `id, match_id, participants, last_message_id, last_message_at, is_active, created_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanChat(row rowScanner) (*model.Chat, error) {
	var (
		c      model.Chat
		lastAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.MatchID, pq.Array(&c.Participants), &c.LastMessageID, &lastAt, &c.IsActive, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(lastAt)
	c.Unread = make(map[string]int, len(c.Participants))
	return &c, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	ctx, done := s.op(ctx, "get_chat")
	defer done()

	c, err := getChat(ctx, s.db, id)
	return c, mapErr("chat "+id, err)
}

func getChat(ctx context.Context, q querier, id string) (*model.Chat, error) {
	c, err := scanChat(q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadUnread(ctx, q, []*model.Chat{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	ctx, done := s.op(ctx, "list_chats")
	defer done()

	const query = `
		SELECT ` + chatColumns + `
		FROM chats
		WHERE is_active AND $1 = ANY(participants)
		ORDER BY COALESCE(last_message_at, created_at) DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapErr("list chats", err)
	}
	defer rows.Close()

	var out []*model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, mapErr("list chats", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list chats", err)
	}
	return out, mapErr("list chats", loadUnread(ctx, s.db, out))
}

// loadUnread fills the per-participant counters of chats in one query.
func loadUnread(ctx context.Context, q querier, chats []*model.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	byID := make(map[string]*model.Chat, len(chats))
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT chat_id, user_id, count FROM chat_unread WHERE chat_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chatID, userID string
			count          int
		)
		if err := rows.Scan(&chatID, &userID, &count); err != nil {
			return err
		}
		byID[chatID].Unread[userID] = count
	}
	return rows.Err()
}
