package model

import (
	"fmt"
	"time"
)

// Decision is a swipe verdict.
type Decision string

const (
	DecisionLike      Decision = "like"
	DecisionDislike   Decision = "dislike"
	DecisionSuperlike Decision = "superlike"
)

// ParseDecision validates a decision received from a client.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionLike, DecisionDislike, DecisionSuperlike:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Positive reports whether the decision counts toward a match.
func (d Decision) Positive() bool {
	return d == DecisionLike || d == DecisionSuperlike
}

// Swipe is one user's decision about another. At most one row exists per
// ordered pair; undo flips Undone and a re-swipe reactivates the same row.
type Swipe struct {
	ID        string     `json:"id"`
	SwiperID  string     `json:"swiperId"`
	SwipedID  string     `json:"swipedId"`
	Decision  Decision   `json:"decision"`
	Undone    bool       `json:"undone"`
	UndoneAt  *time.Time `json:"undoneAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CountsTowardMatch reports whether the swipe is live and positive.
func (s *Swipe) CountsTowardMatch() bool {
	return !s.Undone && s.Decision.Positive()
}

// Match is confirmed mutual interest. Users holds the canonical (sorted) pair.
type Match struct {
	ID          string     `json:"id"`
	Users       [2]string  `json:"users"`
	ChatID      string     `json:"chatId,omitempty"`
	IsActive    bool       `json:"isActive"`
	CreatedAt   time.Time  `json:"createdAt"`
	UnmatchedBy string     `json:"unmatchedBy,omitempty"`
	UnmatchedAt *time.Time `json:"unmatchedAt,omitempty"`
}

// CanonicalPair orders two user ids so that {a,b} and {b,a} share one key.
func CanonicalPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// Has reports whether userID is one of the two members.
func (m *Match) Has(userID string) bool {
	return m.Users[0] == userID || m.Users[1] == userID
}

// Other returns the member that is not userID.
func (m *Match) Other(userID string) string {
	if m.Users[0] == userID {
		return m.Users[1]
	}
	return m.Users[0]
}
