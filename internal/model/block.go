package model

import (
	"fmt"
	"time"
)

// BlockType selects how much of the relationship a block suppresses.
type BlockType string

const (
	// BlockComplete removes the pair's match, chat and messages.
	BlockComplete BlockType = "complete"
	// BlockMessages only gates future sends.
	BlockMessages BlockType = "messages"
)

// ParseBlockType validates a block type; empty means complete.
func ParseBlockType(s string) (BlockType, error) {
	switch t := BlockType(s); t {
	case "":
		return BlockComplete, nil
	case BlockComplete, BlockMessages:
		return t, nil
	default:
		return "", fmt.Errorf("unknown block type %q", s)
	}
}

// BlockReason is one of a fixed set of reasons.
type BlockReason string

const (
	ReasonSpam          BlockReason = "spam"
	ReasonHarassment    BlockReason = "harassment"
	ReasonInappropriate BlockReason = "inappropriate"
	ReasonFakeProfile   BlockReason = "fake_profile"
	ReasonUnderage      BlockReason = "underage"
	ReasonOther         BlockReason = "other"
)

var validReasons = map[BlockReason]bool{
	ReasonSpam:          true,
	ReasonHarassment:    true,
	ReasonInappropriate: true,
	ReasonFakeProfile:   true,
	ReasonUnderage:      true,
	ReasonOther:         true,
}

// ParseBlockReason validates a reason; empty means other.
func ParseBlockReason(s string) (BlockReason, error) {
	if s == "" {
		return ReasonOther, nil
	}
	r := BlockReason(s)
	if !validReasons[r] {
		return "", fmt.Errorf("unknown block reason %q", s)
	}
	return r, nil
}

// Block is a unidirectional suppression relation. It is checked in both
// directions wherever two users could interact.
type Block struct {
	ID          string      `json:"id"`
	BlockerID   string      `json:"blockerId"`
	BlockedID   string      `json:"blockedId"`
	Type        BlockType   `json:"type"`
	Reason      BlockReason `json:"reason"`
	Description string      `json:"description,omitempty"`
	IsActive    bool        `json:"isActive"`
	CreatedAt   time.Time   `json:"createdAt"`
	UnblockedAt *time.Time  `json:"unblockedAt,omitempty"`
}

// BlockStatus holds the two independent directions of a block relation.
type BlockStatus struct {
	ABlocksB bool `json:"aBlocksB"`
	BBlocksA bool `json:"bBlocksA"`
}

// Either reports whether any direction is blocked.
func (s BlockStatus) Either() bool { return s.ABlocksB || s.BBlocksA }
