// Package discovery builds and runs the candidate query: explicit preference
// filters plus a geo radius, with boosted profiles first. There is no
// ranking beyond that.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/geo"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Candidate is a discoverable user plus their distance from the requester.
// DistanceKm is nil when either side has no known location.
type Candidate struct {
	User       *model.User `json:"user"`
	DistanceKm *float64    `json:"distanceKm,omitempty"`
	Boosted    bool        `json:"boosted"`
}

// Store is what discovery reads.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	FindCandidates(ctx context.Context, q store.CandidateQuery) ([]*model.User, error)
	ActiveSwipedIDs(ctx context.Context, swiperID string) ([]string, error)
	BlockedEither(ctx context.Context, userID string) ([]string, error)
}

// Service runs discovery.
type Service struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewService creates a discovery service.
func NewService(s Store, log *zap.SugaredLogger) *Service {
	return &Service{store: s, log: logging.OrNop(log), now: time.Now}
}

// NewQuery derives the candidate query from the requester's profile. It is
// pure so the filters can be checked without a store.
func NewQuery(requester *model.User, exclude []string, limit int, now time.Time) store.CandidateQuery {
	q := store.CandidateQuery{
		RequesterID: requester.ID,
		ExcludeIDs:  exclude,
		Now:         now,
		Limit:       clampLimit(limit),
	}

	prefs := requester.Preferences
	if !prefs.AnyGender() {
		q.Genders = slices.Clone(prefs.Genders)
	}

	// Someone is exactly N years old from their Nth birthday up to, but not
	// including, their (N+1)th.
	if prefs.AgeMin > 0 {
		q.BornBefore = now.AddDate(-prefs.AgeMin, 0, 0)
	}
	if prefs.AgeMax > 0 {
		q.BornAfter = now.AddDate(-(prefs.AgeMax + 1), 0, 0)
	}

	if requester.Location != nil && prefs.MaxDistanceKm > 0 {
		center := *requester.Location
		box := geo.BoxAround(center, prefs.MaxDistanceKm)
		q.Center = &center
		q.RadiusKm = prefs.MaxDistanceKm
		q.Box = &box
	}
	return q
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Discover returns candidates for requesterID. It excludes users the
// requester has a live swipe on and users in a block relation with the
// requester in either direction.
func (s *Service) Discover(ctx context.Context, requesterID string, limit int) ([]Candidate, error) {
	requester, err := s.store.GetUser(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("discovery: requester: %w", err)
	}

	swiped, err := s.store.ActiveSwipedIDs(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("discovery: swiped ids: %w", err)
	}
	blocked, err := s.store.BlockedEither(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("discovery: blocked ids: %w", err)
	}
	exclude := append(swiped, blocked...)
	exclude = append(exclude, requester.BlockedUserIDs...)
	slices.Sort(exclude)
	exclude = slices.Compact(exclude)

	now := s.now()
	q := NewQuery(requester, exclude, limit, now)
	users, err := s.store.FindCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("discovery: find: %w", err)
	}

	out := make([]Candidate, 0, len(users))
	for _, u := range users {
		c := Candidate{User: u, Boosted: u.Boosted(now)}
		if requester.Location != nil && u.Location != nil {
			d := geo.DistanceKm(*requester.Location, *u.Location)
			c.DistanceKm = &d
		}
		out = append(out, c)
	}

	// Stores already order boosted users first; keep that stable here too
	// since it is the one ordering clients rely on.
	slices.SortStableFunc(out, func(a, b Candidate) int {
		switch {
		case a.Boosted == b.Boosted:
			return 0
		case a.Boosted:
			return -1
		default:
			return 1
		}
	})

	s.log.Debugw("discover", "requester_id", requesterID, "candidates", len(out), "excluded", len(exclude))
	return out, nil
}
