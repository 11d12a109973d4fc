// Package model contains the entities shared by discovery, the swipe ledger,
// the block gate and the conversation store.
package model

import (
	"slices"
	"time"

	"github.com/emberapp/matchcore/internal/geo"
)

// GenderEveryone in a preference list disables gender filtering.
const GenderEveryone = "everyone"

// Preferences are the requester's discovery filters.
type Preferences struct {
	AgeMin        int      `json:"ageMin"`
	AgeMax        int      `json:"ageMax"`
	MaxDistanceKm float64  `json:"maxDistanceKm"`
	Genders       []string `json:"genders"`
}

// AnyGender reports whether the gender filter is disabled.
func (p Preferences) AnyGender() bool {
	return len(p.Genders) == 0 || slices.Contains(p.Genders, GenderEveryone)
}

// Stats are best-effort aggregate counters. They double as a delta when
// passed to a counter update.
type Stats struct {
	LikesSent          int `json:"likesSent"`
	LikesReceived      int `json:"likesReceived"`
	SuperlikesReceived int `json:"superlikesReceived"`
	Matches            int `json:"matches"`
}

// User is the read-only profile view this core consumes. Profile CRUD lives
// elsewhere; only presence, counters and the block list are written here.
type User struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Gender             string      `json:"gender"`
	BirthDate          time.Time   `json:"birthDate"`
	Location           *geo.Point  `json:"location,omitempty"`
	Preferences        Preferences `json:"preferences"`
	BoostExpiresAt     *time.Time  `json:"boostExpiresAt,omitempty"`
	SubscriptionActive bool        `json:"subscriptionActive"`
	PrimaryPhoto       string      `json:"primaryPhoto,omitempty"`
	PhotoCount         int         `json:"photoCount"`
	IsActive           bool        `json:"isActive"`
	IsBanned           bool        `json:"isBanned"`
	IsOnline           bool        `json:"isOnline"`
	LastSeenAt         *time.Time  `json:"lastSeenAt,omitempty"`
	BlockedUserIDs     []string    `json:"blockedUserIds,omitempty"`
	Stats              Stats       `json:"stats"`
}

// Boosted reports whether the user holds an unexpired profile boost.
func (u *User) Boosted(now time.Time) bool {
	return u.BoostExpiresAt != nil && u.BoostExpiresAt.After(now)
}

// Discoverable reports whether the user may appear in anyone's candidates.
func (u *User) Discoverable() bool {
	return u.IsActive && !u.IsBanned && u.PhotoCount > 0
}

// Age returns the user's age in whole years at now.
func (u *User) Age(now time.Time) int {
	if u.BirthDate.IsZero() {
		return 0
	}
	years := now.Year() - u.BirthDate.Year()
	anniversary := u.BirthDate.AddDate(years, 0, 0)
	if now.Before(anniversary) {
		years--
	}
	return years
}

// Clone returns a deep copy safe to hand out from a store.
func (u *User) Clone() *User {
	c := *u
	if u.Location != nil {
		loc := *u.Location
		c.Location = &loc
	}
	if u.BoostExpiresAt != nil {
		t := *u.BoostExpiresAt
		c.BoostExpiresAt = &t
	}
	if u.LastSeenAt != nil {
		t := *u.LastSeenAt
		c.LastSeenAt = &t
	}
	c.Preferences.Genders = slices.Clone(u.Preferences.Genders)
	c.BlockedUserIDs = slices.Clone(u.BlockedUserIDs)
	return &c
}
