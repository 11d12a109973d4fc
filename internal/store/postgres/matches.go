package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
)

const matchColumns = `id, user_low, user_high, chat_id, is_active, created_at, unmatched_by, unmatched_at`

func scanMatch(row rowScanner) (*model.Match, error) {
	var (
		m           model.Match
		unmatchedAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Users[0], &m.Users[1], &m.ChatID, &m.IsActive, &m.CreatedAt, &m.UnmatchedBy, &unmatchedAt); err != nil {
		return nil, err
	}
	m.UnmatchedAt = timePtr(unmatchedAt)
	return &m, nil
}

// CreateMatchWithChat relies on matches_active_pair_key: the losing writer
// of a concurrent reciprocal swipe inserts nothing and reads the winner.
func (s *Store) CreateMatchWithChat(ctx context.Context, m *model.Match, c *model.Chat) (*model.Match, bool, error) {
	ctx, done := s.op(ctx, "create_match")
	defer done()

	pair := model.CanonicalPair(m.Users[0], m.Users[1])
	out := *m
	out.Users = pair
	out.ChatID = c.ID

	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const insertMatch = `
			INSERT INTO matches (` + matchColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, '', NULL)
			ON CONFLICT (user_low, user_high) WHERE is_active DO NOTHING`

		res, err := tx.ExecContext(ctx, insertMatch, out.ID, pair[0], pair[1], out.ChatID, true, out.CreatedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		inserted = true

		participants := c.Participants
		if len(participants) == 0 {
			participants = pair[:]
		}
		const insertChat = `
			INSERT INTO chats (id, match_id, participants, is_active, created_at)
			VALUES ($1, $2, $3, TRUE, $4)`
		if _, err := tx.ExecContext(ctx, insertChat, c.ID, out.ID, pq.Array(participants), c.CreatedAt); err != nil {
			return err
		}

		const insertUnread = `
			INSERT INTO chat_unread (chat_id, user_id, count)
			SELECT $1, p, 0 FROM UNNEST($2::text[]) AS p`
		_, err = tx.ExecContext(ctx, insertUnread, c.ID, pq.Array(participants))
		return err
	})
	if err != nil {
		return nil, false, mapErr("create match", err)
	}
	if inserted {
		out.IsActive = true
		return &out, true, nil
	}

	existing, err := s.activeMatch(ctx, pair)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, apperr.Conflict("match %s/%s is being created", pair[0], pair[1])
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	ctx, done := s.op(ctx, "get_match")
	defer done()

	m, err := scanMatch(s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("match "+id, err)
	}
	return m, nil
}

func (s *Store) ActiveMatchBetween(ctx context.Context, a, b string) (*model.Match, error) {
	ctx, done := s.op(ctx, "active_match")
	defer done()
	return s.activeMatch(ctx, model.CanonicalPair(a, b))
}

func (s *Store) activeMatch(ctx context.Context, pair [2]string) (*model.Match, error) {
	const query = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE user_low = $1 AND user_high = $2 AND is_active`

	m, err := scanMatch(s.db.QueryRowContext(ctx, query, pair[0], pair[1]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no active match between %s and %s", pair[0], pair[1])
	}
	if err != nil {
		return nil, mapErr("active match", err)
	}
	return m, nil
}

func (s *Store) ListActiveMatches(ctx context.Context, userID string) ([]*model.Match, error) {
	ctx, done := s.op(ctx, "list_matches")
	defer done()

	const query = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE is_active AND (user_low = $1 OR user_high = $1)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapErr("list matches", err)
	}
	defer rows.Close()

	var out []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, mapErr("list matches", err)
		}
		out = append(out, m)
	}
	return out, mapErr("list matches", rows.Err())
}

func (s *Store) Unmatch(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	ctx, done := s.op(ctx, "unmatch")
	defer done()

	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const deactivate = `
			UPDATE matches SET is_active = FALSE, unmatched_by = $2, unmatched_at = $3
			WHERE id = $1 AND is_active
			RETURNING chat_id`

		var chatID string
		err := tx.QueryRowContext(ctx, deactivate, id, actorID, at).Scan(&chatID)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return apperr.NotFound("match %s", id)
			}
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		_, err = tx.ExecContext(ctx, `UPDATE chats SET is_active = FALSE WHERE id = $1`, chatID)
		return err
	})
	if err != nil {
		return false, mapErr("unmatch", err)
	}
	return changed, nil
}
