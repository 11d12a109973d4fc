// Package store declares the persistence contracts of the matching and
// messaging core. The memory and postgres sub-packages implement them.
//
// Implementations return apperr.ErrNotFound for missing rows,
// apperr.ErrConflict for uniqueness violations and apperr.ErrTransient for
// storage failures and timeouts.
package store

import (
	"context"
	"time"

	"github.com/emberapp/matchcore/internal/geo"
	"github.com/emberapp/matchcore/internal/model"
)

// CandidateQuery is the filtered, geo-bounded discovery query. Zero values
// disable the corresponding filter.
type CandidateQuery struct {
	RequesterID string
	ExcludeIDs  []string
	Genders     []string
	BornAfter   time.Time // exclusive
	BornBefore  time.Time // inclusive
	Center      *geo.Point
	RadiusKm    float64
	Box         *geo.BoundingBox
	Now         time.Time
	Limit       int
}

// Users reads profiles and writes the few fields this core owns.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	// FindCandidates returns discoverable users matching q. Boosted users
	// come first.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*model.User, error)
	IncrementStats(ctx context.Context, userID string, delta model.Stats) error
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// Swipes is the swipe ledger.
type Swipes interface {
	GetSwipe(ctx context.Context, swiperID, swipedID string) (*model.Swipe, error)
	// InsertSwipe fails with ErrConflict if a row already exists for the pair.
	InsertSwipe(ctx context.Context, s *model.Swipe) error
	// ReactivateSwipe flips an undone row back to live with a new decision.
	// It fails with ErrConflict if the row is not undone.
	ReactivateSwipe(ctx context.Context, id string, d model.Decision, at time.Time) (*model.Swipe, error)
	LatestActiveSwipe(ctx context.Context, swiperID string) (*model.Swipe, error)
	// MarkUndone fails with ErrConflict if the row was undone concurrently.
	MarkUndone(ctx context.Context, id string, at time.Time) (*model.Swipe, error)
	ActiveSwipedIDs(ctx context.Context, swiperID string) ([]string, error)
}

// Matches owns Match and the Chat created alongside it.
type Matches interface {
	// CreateMatchWithChat persists m and c as one unit, guarded by a
	// uniqueness constraint on the canonical pair of active matches. When an
	// active match already exists it is returned with created=false and
	// nothing is written. ErrConflict means the constraint fired but the
	// winning row could not be read back; callers retry.
	CreateMatchWithChat(ctx context.Context, m *model.Match, c *model.Chat) (match *model.Match, created bool, err error)
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ActiveMatchBetween(ctx context.Context, a, b string) (*model.Match, error)
	ListActiveMatches(ctx context.Context, userID string) ([]*model.Match, error)
	// Unmatch deactivates the match and its chat. It reports false when the
	// match was already inactive.
	Unmatch(ctx context.Context, id, actorID string, at time.Time) (bool, error)
}

// Blocks is the block relation.
type Blocks interface {
	ActiveBlock(ctx context.Context, blockerID, blockedID string) (*model.Block, error)
	// BlockedEither lists every user in an active block relation with userID,
	// in either direction.
	BlockedEither(ctx context.Context, userID string) ([]string, error)
	// CreateBlock inserts a messages-only block.
	CreateBlock(ctx context.Context, b *model.Block) error
	// CreateCompleteBlock inserts b and, in the same transaction, deletes the
	// pair's matches, their chats and every message in them, and adds the
	// blocked user to the blocker's block list. Any failure rolls back all of it.
	CreateCompleteBlock(ctx context.Context, b *model.Block) error
	// Unblock deactivates the active block and removes the block-list entry.
	Unblock(ctx context.Context, blockerID, blockedID string, at time.Time) (*model.Block, error)
}

// Chats reads conversations.
type Chats interface {
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListChats(ctx context.Context, userID string) ([]*model.Chat, error)
}

// Messages is the message log of every chat.
type Messages interface {
	// AppendMessage assigns msg.Seq, persists it, sets the chat's last
	// message and increments the receiver's unread counter as one unit.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Chat, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error)
	// ListMessages returns up to limit messages of chatID with Seq below
	// beforeSeq (0 means no bound), oldest first.
	ListMessages(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]*model.Message, error)
	// AddReceipt appends a receipt unless userID already has one of kind.
	AddReceipt(ctx context.Context, messageID string, kind model.ReceiptKind, userID string, at time.Time) (bool, error)
	// MarkMessageRead appends a read receipt and decrements the reader's
	// unread counter (never below zero) when the receipt is new.
	MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	// MarkChatRead zeroes userID's unread counter and adds a read receipt to
	// every message addressed to userID lacking one. It returns the ids of the
	// messages that changed.
	MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]string, error)
	// EditMessage snapshots the original content on the first edit only.
	EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error)
	// SoftDelete sets the global delete flag; false means it was already set.
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)
	// HideFor adds userID to the hide list; false means it was already there.
	HideFor(ctx context.Context, id, userID string) (bool, error)
	SetReaction(ctx context.Context, id, userID, emoji string, at time.Time) (*model.Message, error)
	RemoveReaction(ctx context.Context, id, userID, emoji string) (bool, error)
	// Reveal sets the surprise reveal flag; false means it was already set.
	Reveal(ctx context.Context, id string, at time.Time) (bool, error)
}

// Store is everything the core persists.
type Store interface {
	Users
	Swipes
	Matches
	Blocks
	Chats
	Messages
}
