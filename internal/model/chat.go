package model

import (
	"maps"
	"slices"
	"time"
)

// Chat is the thread bound to exactly one Match.
type Chat struct {
	ID            string         `json:"id"`
	MatchID       string         `json:"matchId"`
	Participants  []string       `json:"participants"`
	LastMessageID string         `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	Unread        map[string]int `json:"unread"`
	IsActive      bool           `json:"isActive"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// IsParticipant reports whether userID belongs to the chat.
func (c *Chat) IsParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Other returns the counterpart of userID in a one-to-one chat.
func (c *Chat) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// UnreadFor returns the unread counter for userID.
func (c *Chat) UnreadFor(userID string) int {
	return c.Unread[userID]
}

// Clone returns a deep copy.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.Unread = maps.Clone(c.Unread)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}
