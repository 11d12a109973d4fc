// Package swipe is the swipe ledger and match detector. Each like or
// superlike checks for a live reciprocal swipe and, if found, creates the
// Match and its Chat as one unit.
package swipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/notify"
)

// maxMatchAttempts bounds retries when the pair constraint fires but the
// winning match cannot be read back (it was unmatched in between).
const maxMatchAttempts = 3

// Store is the persistence the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	IncrementStats(ctx context.Context, userID string, delta model.Stats) error

	GetSwipe(ctx context.Context, swiperID, swipedID string) (*model.Swipe, error)
	InsertSwipe(ctx context.Context, s *model.Swipe) error
	ReactivateSwipe(ctx context.Context, id string, d model.Decision, at time.Time) (*model.Swipe, error)
	LatestActiveSwipe(ctx context.Context, swiperID string) (*model.Swipe, error)
	MarkUndone(ctx context.Context, id string, at time.Time) (*model.Swipe, error)

	CreateMatchWithChat(ctx context.Context, m *model.Match, c *model.Chat) (*model.Match, bool, error)
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ListActiveMatches(ctx context.Context, userID string) ([]*model.Match, error)
	Unmatch(ctx context.Context, id, actorID string, at time.Time) (bool, error)
}

// BlockChecker answers whether two users are in a block relation.
type BlockChecker interface {
	EitherBlocks(ctx context.Context, a, b string) (bool, error)
}

// Service records swipes and detects matches.
type Service struct {
	store    Store
	blocks   BlockChecker
	notifier notify.Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewService creates a swipe service. notifier may be nil.
func NewService(s Store, blocks BlockChecker, notifier notify.Notifier, log *zap.SugaredLogger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    s,
		blocks:   blocks,
		notifier: notifier,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// Result is the outcome of a swipe. Match is nil unless the swipe completed
// (or found) an active match.
type Result struct {
	Swipe *model.Swipe `json:"swipe"`
	Match *model.Match `json:"match"`
	// NewMatch is true only for the caller that created the match.
	NewMatch bool `json:"newMatch"`
}

// RecordSwipe records swiper's decision about swiped and runs the match
// check for likes and superlikes.
func (s *Service) RecordSwipe(ctx context.Context, swiperID, swipedID, decision string) (*Result, error) {
	d, err := model.ParseDecision(decision)
	if err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}
	if swipedID == "" {
		return nil, apperr.InvalidArgument("swiped user id is required")
	}
	if swiperID == swipedID {
		return nil, apperr.InvalidArgument("cannot swipe on yourself")
	}

	swiper, err := s.store.GetUser(ctx, swiperID)
	if err != nil {
		return nil, fmt.Errorf("swipe: swiper: %w", err)
	}
	swiped, err := s.store.GetUser(ctx, swipedID)
	if err != nil {
		return nil, fmt.Errorf("swipe: swiped: %w", err)
	}
	if !swiped.IsActive || swiped.IsBanned {
		return nil, apperr.NotFound("user %s", swipedID)
	}

	blocked, err := s.blocks.EitherBlocks(ctx, swiperID, swipedID)
	if err != nil {
		return nil, fmt.Errorf("swipe: block check: %w", err)
	}
	if blocked {
		return nil, apperr.Forbidden("interaction with this user is blocked")
	}

	sw, err := s.writeSwipe(ctx, swiperID, swipedID, d)
	if err != nil {
		return nil, err
	}
	metrics.SwipesTotal.WithLabelValues(string(d)).Inc()

	s.bumpSwipeStats(ctx, sw)
	if d == model.DecisionSuperlike {
		s.notify(ctx, notify.Notification{
			UserID:  swipedID,
			Kind:    notify.KindSuperlike,
			ActorID: swiperID,
			RefID:   sw.ID,
			Title:   fmt.Sprintf("%s super liked you", swiper.Name),
		})
	}

	res := &Result{Swipe: sw}
	if !d.Positive() {
		return res, nil
	}

	m, created, err := s.detectMatch(ctx, swiper, swiped)
	if err != nil {
		// The swipe is committed; a failed match check is surfaced so the
		// client retries, and the retry hits the reactivate/conflict path.
		return nil, err
	}
	res.Match = m
	res.NewMatch = created
	return res, nil
}

// writeSwipe inserts a new row, or reactivates the pair's undone row in
// place. A live row is a conflict.
func (s *Service) writeSwipe(ctx context.Context, swiperID, swipedID string, d model.Decision) (*model.Swipe, error) {
	now := s.now().UTC()

	existing, err := s.store.GetSwipe(ctx, swiperID, swipedID)
	switch {
	case err == nil && !existing.Undone:
		return nil, apperr.Conflict("already swiped on this user")
	case err == nil:
		sw, err := s.store.ReactivateSwipe(ctx, existing.ID, d, now)
		if err != nil {
			return nil, fmt.Errorf("swipe: reactivate: %w", err)
		}
		s.log.Debugw("swipe reactivated", "swipe_id", sw.ID, "decision", d)
		return sw, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("swipe: lookup: %w", err)
	}

	sw := &model.Swipe{
		ID:        uuid.NewString(),
		SwiperID:  swiperID,
		SwipedID:  swipedID,
		Decision:  d,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertSwipe(ctx, sw); err != nil {
		return nil, fmt.Errorf("swipe: insert: %w", err)
	}
	return sw, nil
}

// detectMatch looks for a live reciprocal like and creates the match.
//
// Both swipes are committed before either side reads the other, so of two
// concurrent reciprocal likes at least one sees its counterpart. If both do,
// the canonical-pair constraint lets exactly one insert win; the other gets
// the existing match back with created=false.
func (s *Service) detectMatch(ctx context.Context, swiper, swiped *model.User) (*model.Match, bool, error) {
	reverse, err := s.store.GetSwipe(ctx, swiped.ID, swiper.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("swipe: reverse lookup: %w", err)
	}
	if !reverse.CountsTowardMatch() {
		return nil, false, nil
	}

	var (
		m       *model.Match
		created bool
	)
	for attempt := 1; ; attempt++ {
		now := s.now().UTC()
		matchID := uuid.NewString()
		chatID := uuid.NewString()
		pairIDs := model.CanonicalPair(swiper.ID, swiped.ID)

		m, created, err = s.store.CreateMatchWithChat(ctx,
			&model.Match{
				ID:        matchID,
				Users:     pairIDs,
				ChatID:    chatID,
				IsActive:  true,
				CreatedAt: now,
			},
			&model.Chat{
				ID:           chatID,
				MatchID:      matchID,
				Participants: []string{pairIDs[0], pairIDs[1]},
				Unread:       map[string]int{pairIDs[0]: 0, pairIDs[1]: 0},
				IsActive:     true,
				CreatedAt:    now,
			},
		)
		if err == nil {
			break
		}
		if !errors.Is(err, apperr.ErrConflict) || attempt >= maxMatchAttempts {
			return nil, false, fmt.Errorf("swipe: create match: %w", err)
		}
		s.log.Debugw("match insert raced, retrying", "attempt", attempt, "users", pairIDs)
	}

	if !created {
		return m, false, nil
	}

	metrics.MatchesTotal.Inc()
	s.log.Infow("match created", "match_id", m.ID, "chat_id", m.ChatID, "users", m.Users)

	for _, u := range []*model.User{swiper, swiped} {
		if err := s.store.IncrementStats(ctx, u.ID, model.Stats{Matches: 1}); err != nil {
			s.log.Warnw("match counter update failed", "user_id", u.ID, "error", err)
		}
	}
	s.notify(ctx, notify.Notification{
		UserID: swiper.ID, Kind: notify.KindMatch, ActorID: swiped.ID, RefID: m.ID,
		Title: fmt.Sprintf("You matched with %s", swiped.Name),
	})
	s.notify(ctx, notify.Notification{
		UserID: swiped.ID, Kind: notify.KindMatch, ActorID: swiper.ID, RefID: m.ID,
		Title: fmt.Sprintf("You matched with %s", swiper.Name),
	})
	return m, true, nil
}

func (s *Service) bumpSwipeStats(ctx context.Context, sw *model.Swipe) {
	if !sw.Decision.Positive() {
		return
	}
	if err := s.store.IncrementStats(ctx, sw.SwiperID, model.Stats{LikesSent: 1}); err != nil {
		s.log.Warnw("swipe counter update failed", "user_id", sw.SwiperID, "error", err)
	}
	delta := model.Stats{LikesReceived: 1}
	if sw.Decision == model.DecisionSuperlike {
		delta = model.Stats{SuperlikesReceived: 1}
	}
	if err := s.store.IncrementStats(ctx, sw.SwipedID, delta); err != nil {
		s.log.Warnw("swipe counter update failed", "user_id", sw.SwipedID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warnw("notification failed", "user_id", n.UserID, "kind", n.Kind, "error", err)
	}
}

// UndoSwipe marks userID's most recent live swipe as undone. A match the
// swipe helped create is left intact; unmatching is a separate action.
func (s *Service) UndoSwipe(ctx context.Context, userID string) (*model.Swipe, error) {
	for attempt := 0; attempt < 2; attempt++ {
		latest, err := s.store.LatestActiveSwipe(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("swipe: undo: %w", err)
		}
		sw, err := s.store.MarkUndone(ctx, latest.ID, s.now().UTC())
		if errors.Is(err, apperr.ErrConflict) {
			// Another device undid it first; undo the next one back.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("swipe: undo: %w", err)
		}
		s.log.Infow("swipe undone", "swipe_id", sw.ID, "swiper_id", userID)
		return sw, nil
	}
	return nil, apperr.Conflict("undo raced with another request")
}

// Unmatch ends an active match and deactivates its chat. Repeating it is a
// no-op. Fresh reciprocal likes can later start a new match.
func (s *Service) Unmatch(ctx context.Context, actorID, matchID string) (*model.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("swipe: unmatch: %w", err)
	}
	if !m.Has(actorID) {
		return nil, apperr.Forbidden("not a member of this match")
	}
	changed, err := s.store.Unmatch(ctx, matchID, actorID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("swipe: unmatch: %w", err)
	}
	if changed {
		s.log.Infow("match ended", "match_id", matchID, "actor_id", actorID)
	}
	return s.store.GetMatch(ctx, matchID)
}

// ListMatches returns userID's active matches, newest first.
func (s *Service) ListMatches(ctx context.Context, userID string) ([]*model.Match, error) {
	ms, err := s.store.ListActiveMatches(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("swipe: list matches: %w", err)
	}
	return ms, nil
}
