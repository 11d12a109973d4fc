package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
)

const swipeColumns = `id, swiper_id, swiped_id, decision, undone, undone_at, created_at, updated_at`

func scanSwipe(row rowScanner) (*model.Swipe, error) {
	var (
		sw       model.Swipe
		decision string
		undoneAt sql.NullTime
	)
	if err := row.Scan(&sw.ID, &sw.SwiperID, &sw.SwipedID, &decision, &sw.Undone, &undoneAt, &sw.CreatedAt, &sw.UpdatedAt); err != nil {
		return nil, err
	}
	sw.Decision = model.Decision(decision)
	sw.UndoneAt = timePtr(undoneAt)
	return &sw, nil
}

func (s *Store) GetSwipe(ctx context.Context, swiperID, swipedID string) (*model.Swipe, error) {
	ctx, done := s.op(ctx, "get_swipe")
	defer done()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+swipeColumns+` FROM swipes WHERE swiper_id = $1 AND swiped_id = $2`,
		swiperID, swipedID)
	sw, err := scanSwipe(row)
	if err != nil {
		return nil, mapErr("swipe "+swiperID+"->"+swipedID, err)
	}
	return sw, nil
}

func (s *Store) InsertSwipe(ctx context.Context, sw *model.Swipe) error {
	ctx, done := s.op(ctx, "insert_swipe")
	defer done()

	const query = `
		INSERT INTO swipes (` + swipeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		sw.ID, sw.SwiperID, sw.SwipedID, string(sw.Decision), sw.Undone, nullTime(sw.UndoneAt), sw.CreatedAt, sw.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("swipe %s->%s already recorded", sw.SwiperID, sw.SwipedID)
	}
	return mapErr("insert swipe", err)
}

func (s *Store) ReactivateSwipe(ctx context.Context, id string, d model.Decision, at time.Time) (*model.Swipe, error) {
	ctx, done := s.op(ctx, "reactivate_swipe")
	defer done()

	const query = `
		UPDATE swipes SET undone = FALSE, undone_at = NULL, decision = $2, updated_at = $3
		WHERE id = $1 AND undone
		RETURNING ` + swipeColumns

	sw, err := scanSwipe(s.db.QueryRowContext(ctx, query, id, string(d), at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.swipeStateErr(ctx, id, "swipe %s is already active")
	}
	if err != nil {
		return nil, mapErr("reactivate swipe", err)
	}
	return sw, nil
}

func (s *Store) LatestActiveSwipe(ctx context.Context, swiperID string) (*model.Swipe, error) {
	ctx, done := s.op(ctx, "latest_swipe")
	defer done()

	const query = `
		SELECT ` + swipeColumns + `
		FROM swipes
		WHERE swiper_id = $1 AND NOT undone
		ORDER BY updated_at DESC, created_at DESC, id DESC
		LIMIT 1`

	sw, err := scanSwipe(s.db.QueryRowContext(ctx, query, swiperID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no swipe to undo")
	}
	if err != nil {
		return nil, mapErr("latest swipe", err)
	}
	return sw, nil
}

func (s *Store) MarkUndone(ctx context.Context, id string, at time.Time) (*model.Swipe, error) {
	ctx, done := s.op(ctx, "mark_undone")
	defer done()

	const query = `
		UPDATE swipes SET undone = TRUE, undone_at = $2
		WHERE id = $1 AND NOT undone
		RETURNING ` + swipeColumns

	sw, err := scanSwipe(s.db.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.swipeStateErr(ctx, id, "swipe %s already undone")
	}
	if err != nil {
		return nil, mapErr("mark undone", err)
	}
	return sw, nil
}

// swipeStateErr distinguishes a missing row from a guarded update that lost
// to a concurrent one.
func (s *Store) swipeStateErr(ctx context.Context, id, conflictFormat string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM swipes WHERE id = $1)`, id).Scan(&exists)
	switch {
	case err != nil:
		return mapErr("swipe state", err)
	case !exists:
		return apperr.NotFound("swipe %s", id)
	default:
		return apperr.Conflict(conflictFormat, id)
	}
}

func (s *Store) ActiveSwipedIDs(ctx context.Context, swiperID string) ([]string, error) {
	ctx, done := s.op(ctx, "active_swiped_ids")
	defer done()

	return s.queryStrings(ctx,
		`SELECT swiped_id FROM swipes WHERE swiper_id = $1 AND NOT undone ORDER BY swiped_id`,
		swiperID)
}

// queryStrings collects a single text column.
func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, mapErr("query ids", err)
		}
		out = append(out, v)
	}
	return out, mapErr("query ids", rows.Err())
}
