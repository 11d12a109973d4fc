// Package block implements the block gate: a unidirectional suppression
// relation that is checked in both directions wherever two users could
// interact, and that unwinds the pair's match, chat and messages when a
// complete block is created.
package block

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
)

// Store is the persistence the gate needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	ActiveBlock(ctx context.Context, blockerID, blockedID string) (*model.Block, error)
	CreateBlock(ctx context.Context, b *model.Block) error
	CreateCompleteBlock(ctx context.Context, b *model.Block) error
	Unblock(ctx context.Context, blockerID, blockedID string, at time.Time) (*model.Block, error)
}

// Gate creates, removes and answers questions about blocks.
type Gate struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewGate creates a Gate.
func NewGate(s Store, log *zap.SugaredLogger) *Gate {
	return &Gate{store: s, log: logging.OrNop(log), now: time.Now}
}

// Request is a block request as received from a client.
type Request struct {
	BlockerID   string
	BlockedID   string
	Type        string
	Reason      string
	Description string
}

// Block creates a block. A complete block also deletes the pair's match,
// chat and messages in one transaction; if any step fails nothing changes.
func (g *Gate) Block(ctx context.Context, req Request) (*model.Block, error) {
	if req.BlockedID == "" {
		return nil, apperr.InvalidArgument("blocked user id is required")
	}
	if req.BlockerID == req.BlockedID {
		return nil, apperr.InvalidArgument("cannot block yourself")
	}
	typ, err := model.ParseBlockType(req.Type)
	if err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}
	reason, err := model.ParseBlockReason(req.Reason)
	if err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}

	if _, err := g.store.GetUser(ctx, req.BlockedID); err != nil {
		return nil, fmt.Errorf("block: blocked user: %w", err)
	}

	_, err = g.store.ActiveBlock(ctx, req.BlockerID, req.BlockedID)
	switch {
	case err == nil:
		return nil, apperr.Conflict("user is already blocked")
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("block: lookup: %w", err)
	}

	b := &model.Block{
		ID:          uuid.NewString(),
		BlockerID:   req.BlockerID,
		BlockedID:   req.BlockedID,
		Type:        typ,
		Reason:      reason,
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   g.now().UTC(),
	}

	if typ == model.BlockComplete {
		err = g.store.CreateCompleteBlock(ctx, b)
	} else {
		err = g.store.CreateBlock(ctx, b)
	}
	if err != nil {
		return nil, fmt.Errorf("block: create %s: %w", typ, err)
	}

	metrics.BlocksTotal.WithLabelValues(string(typ)).Inc()
	g.log.Infow("user blocked", "block_id", b.ID, "blocker_id", b.BlockerID, "blocked_id", b.BlockedID, "type", typ)
	return b, nil
}

// Unblock lifts blocker's active block on blocked.
func (g *Gate) Unblock(ctx context.Context, blockerID, blockedID string) (*model.Block, error) {
	b, err := g.store.Unblock(ctx, blockerID, blockedID, g.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("block: unblock: %w", err)
	}
	g.log.Infow("user unblocked", "block_id", b.ID, "blocker_id", blockerID, "blocked_id", blockedID)
	return b, nil
}

// CheckStatus reports both directions of the relation between a and b.
func (g *Gate) CheckStatus(ctx context.Context, a, b string) (model.BlockStatus, error) {
	var st model.BlockStatus
	var err error
	if st.ABlocksB, err = g.active(ctx, a, b); err != nil {
		return st, err
	}
	if st.BBlocksA, err = g.active(ctx, b, a); err != nil {
		return st, err
	}
	return st, nil
}

// EitherBlocks reports whether any active block exists between a and b.
func (g *Gate) EitherBlocks(ctx context.Context, a, b string) (bool, error) {
	st, err := g.CheckStatus(ctx, a, b)
	if err != nil {
		return false, err
	}
	return st.Either(), nil
}

func (g *Gate) active(ctx context.Context, blocker, blocked string) (bool, error) {
	_, err := g.store.ActiveBlock(ctx, blocker, blocked)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("block: status: %w", err)
	}
}
