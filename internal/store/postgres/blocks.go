package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
)

const blockColumns = `id, blocker_id, blocked_id, type, reason, description, is_active, created_at, unblocked_at`

func scanBlock(row rowScanner) (*model.Block, error) {
	var (
		b           model.Block
		typ, reason string
		unblockedAt sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.BlockerID, &b.BlockedID, &typ, &reason, &b.Description, &b.IsActive, &b.CreatedAt, &unblockedAt); err != nil {
		return nil, err
	}
	b.Type = model.BlockType(typ)
	b.Reason = model.BlockReason(reason)
	b.UnblockedAt = timePtr(unblockedAt)
	return &b, nil
}

func (s *Store) ActiveBlock(ctx context.Context, blockerID, blockedID string) (*model.Block, error) {
	ctx, done := s.op(ctx, "active_block")
	defer done()

	const query = `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE blocker_id = $1 AND blocked_id = $2 AND is_active`

	b, err := scanBlock(s.db.QueryRowContext(ctx, query, blockerID, blockedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no active block %s->%s", blockerID, blockedID)
	}
	if err != nil {
		return nil, mapErr("active block", err)
	}
	return b, nil
}

func (s *Store) BlockedEither(ctx context.Context, userID string) ([]string, error) {
	ctx, done := s.op(ctx, "blocked_either")
	defer done()

	const query = `
		SELECT blocked_id FROM blocks WHERE blocker_id = $1 AND is_active
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = $1 AND is_active
		ORDER BY 1`
	return s.queryStrings(ctx, query, userID)
}

func (s *Store) CreateBlock(ctx context.Context, b *model.Block) error {
	ctx, done := s.op(ctx, "create_block")
	defer done()
	return insertBlock(ctx, s.db, b)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBlock(ctx context.Context, ex execer, b *model.Block) error {
	const query = `
		INSERT INTO blocks (` + blockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := ex.ExecContext(ctx, query,
		b.ID, b.BlockerID, b.BlockedID, string(b.Type), string(b.Reason), b.Description,
		b.IsActive, b.CreatedAt, nullTime(b.UnblockedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("%s already blocks %s", b.BlockerID, b.BlockedID)
	}
	return mapErr("insert block", err)
}

// CreateCompleteBlock deletes the pair's chats before their matches; the
// chat rows cascade to messages, receipts, reactions and unread counters.
func (s *Store) CreateCompleteBlock(ctx context.Context, b *model.Block) error {
	ctx, done := s.op(ctx, "create_complete_block")
	defer done()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT TRUE FROM users WHERE id = $1 FOR UPDATE`, b.BlockerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("user %s", b.BlockerID)
		}
		if err != nil {
			return err
		}

		if err := insertBlock(ctx, tx, b); err != nil {
			return err
		}

		const deleteChats = `
			DELETE FROM chats
			WHERE participants @> ARRAY[$1, $2]::text[]`
		if _, err := tx.ExecContext(ctx, deleteChats, b.BlockerID, b.BlockedID); err != nil {
			return err
		}

		const deleteMatches = `
			DELETE FROM matches
			WHERE (user_low = $1 AND user_high = $2) OR (user_low = $2 AND user_high = $1)`
		if _, err := tx.ExecContext(ctx, deleteMatches, b.BlockerID, b.BlockedID); err != nil {
			return err
		}

		const updateList = `
			UPDATE users SET blocked_user_ids = array_append(blocked_user_ids, $2)
			WHERE id = $1 AND NOT ($2 = ANY(blocked_user_ids))`
		_, err = tx.ExecContext(ctx, updateList, b.BlockerID, b.BlockedID)
		return err
	})
	return mapErr("complete block", err)
}

func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string, at time.Time) (*model.Block, error) {
	ctx, done := s.op(ctx, "unblock")
	defer done()

	var out *model.Block
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const deactivate = `
			UPDATE blocks SET is_active = FALSE, unblocked_at = $3
			WHERE blocker_id = $1 AND blocked_id = $2 AND is_active
			RETURNING ` + blockColumns

		b, err := scanBlock(tx.QueryRowContext(ctx, deactivate, blockerID, blockedID, at))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("no active block %s->%s", blockerID, blockedID)
		}
		if err != nil {
			return err
		}
		out = b

		_, err = tx.ExecContext(ctx,
			`UPDATE users SET blocked_user_ids = array_remove(blocked_user_ids, $2) WHERE id = $1`,
			blockerID, blockedID)
		return err
	})
	if err != nil {
		return nil, mapErr("unblock", err)
	}
	return out, nil
}
