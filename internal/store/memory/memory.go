// Package memory is an in-process implementation of store.Store. It backs
// the test suites and single-node development runs. A single mutex makes
// every multi-entity operation atomic.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/geo"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/store"
)

var _ store.Store = (*Store)(nil)

type pair struct{ a, b string }

// Store keeps every entity in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	users        map[string]*model.User
	swipes       map[string]*model.Swipe
	swipeByPair  map[pair]string
	matches      map[string]*model.Match
	activeMatch  map[[2]string]string
	chats        map[string]*model.Chat
	messages     map[string]*model.Message
	chatMessages map[string][]string
	blocks       map[string]*model.Block
	activeBlock  map[pair]string
	seq          int64

	faults map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:        make(map[string]*model.User),
		swipes:       make(map[string]*model.Swipe),
		swipeByPair:  make(map[pair]string),
		matches:      make(map[string]*model.Match),
		activeMatch:  make(map[[2]string]string),
		chats:        make(map[string]*model.Chat),
		messages:     make(map[string]*model.Message),
		chatMessages: make(map[string][]string),
		blocks:       make(map[string]*model.Block),
		activeBlock:  make(map[pair]string),
		faults:       make(map[string]error),
	}
}

// Fault points understood by InjectFault.
const (
	FaultBlockInsert         = "block.insert"
	FaultBlockDeleteMatches  = "block.delete_matches"
	FaultBlockDeleteMessages = "block.delete_messages"
	FaultBlockDeleteChats    = "block.delete_chats"
	FaultBlockUpdateList     = "block.update_list"
	FaultAppendMessage       = "message.append"
	FaultIncrementStats      = "user.increment_stats"
)

// InjectFault makes the next operation reaching point fail with err. Faults
// fire once.
func (s *Store) InjectFault(point string, err error) {
	s.mu.Lock()
	s.faults[point] = err
	s.mu.Unlock()
}

// fault must be called with mu held.
func (s *Store) fault(point string) error {
	err, ok := s.faults[point]
	if !ok {
		return nil
	}
	delete(s.faults, point)
	return apperr.Transient(point, err)
}

// PutUser inserts or replaces a profile. Profiles are owned by another
// service; this seeds them.
func (s *Store) PutUser(u *model.User) {
	s.mu.Lock()
	s.users[u.ID] = u.Clone()
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s", id)
	}
	return u.Clone(), nil
}

func (s *Store) FindCandidates(_ context.Context, q store.CandidateQuery) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hit struct {
		user    *model.User
		boosted bool
		dist    float64
	}
	var hits []hit
	for _, u := range s.users {
		if u.ID == q.RequesterID || !u.Discoverable() || slices.Contains(q.ExcludeIDs, u.ID) {
			continue
		}
		if len(q.Genders) > 0 && !slices.Contains(q.Genders, u.Gender) {
			continue
		}
		if !q.BornAfter.IsZero() && !u.BirthDate.After(q.BornAfter) {
			continue
		}
		if !q.BornBefore.IsZero() && u.BirthDate.After(q.BornBefore) {
			continue
		}
		h := hit{user: u, boosted: u.Boosted(q.Now)}
		if q.Center != nil && q.RadiusKm > 0 {
			if u.Location == nil {
				continue
			}
			if q.Box != nil && !q.Box.Contains(*u.Location) {
				continue
			}
			h.dist = geo.DistanceKm(*q.Center, *u.Location)
			if h.dist > q.RadiusKm {
				continue
			}
		}
		hits = append(hits, h)
	}

	slices.SortFunc(hits, func(x, y hit) int {
		if x.boosted != y.boosted {
			if x.boosted {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(x.dist, y.dist); c != 0 {
			return c
		}
		return cmp.Compare(x.user.ID, y.user.ID)
	})

	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	out := make([]*model.User, len(hits))
	for i, h := range hits {
		out[i] = h.user.Clone()
	}
	return out, nil
}

func (s *Store) IncrementStats(_ context.Context, userID string, d model.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(FaultIncrementStats); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s", userID)
	}
	u.Stats.LikesSent += d.LikesSent
	u.Stats.LikesReceived += d.LikesReceived
	u.Stats.SuperlikesReceived += d.SuperlikesReceived
	u.Stats.Matches += d.Matches
	return nil
}

func (s *Store) SetOnline(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("user %s", userID)
	}
	u.IsOnline = online
	if !online {
		u.LastSeenAt = &at
	}
	return nil
}

// ---------------------------------------------------------------------------
// Swipes
// ---------------------------------------------------------------------------

func (s *Store) GetSwipe(_ context.Context, swiperID, swipedID string) (*model.Swipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.swipeByPair[pair{swiperID, swipedID}]
	if !ok {
		return nil, apperr.NotFound("swipe %s->%s", swiperID, swipedID)
	}
	cp := *s.swipes[id]
	return &cp, nil
}

func (s *Store) InsertSwipe(_ context.Context, sw *model.Swipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{sw.SwiperID, sw.SwipedID}
	if _, ok := s.swipeByPair[key]; ok {
		return apperr.Conflict("swipe %s->%s already recorded", sw.SwiperID, sw.SwipedID)
	}
	cp := *sw
	s.swipes[sw.ID] = &cp
	s.swipeByPair[key] = sw.ID
	return nil
}

func (s *Store) ReactivateSwipe(_ context.Context, id string, d model.Decision, at time.Time) (*model.Swipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swipes[id]
	if !ok {
		return nil, apperr.NotFound("swipe %s", id)
	}
	if !sw.Undone {
		return nil, apperr.Conflict("swipe %s is already active", id)
	}
	sw.Undone = false
	sw.UndoneAt = nil
	sw.Decision = d
	sw.UpdatedAt = at
	cp := *sw
	return &cp, nil
}

func (s *Store) LatestActiveSwipe(_ context.Context, swiperID string) (*model.Swipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Swipe
	for _, sw := range s.swipes {
		if sw.SwiperID != swiperID || sw.Undone {
			continue
		}
		if latest == nil || swipeNewer(sw, latest) {
			latest = sw
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("no swipe to undo")
	}
	cp := *latest
	return &cp, nil
}

// swipeNewer orders swipes by updated_at, then created_at, then id, the
// same order the postgres store uses.
func swipeNewer(a, b *model.Swipe) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *Store) MarkUndone(_ context.Context, id string, at time.Time) (*model.Swipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swipes[id]
	if !ok {
		return nil, apperr.NotFound("swipe %s", id)
	}
	if sw.Undone {
		return nil, apperr.Conflict("swipe %s already undone", id)
	}
	sw.Undone = true
	sw.UndoneAt = &at
	cp := *sw
	return &cp, nil
}

func (s *Store) ActiveSwipedIDs(_ context.Context, swiperID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, sw := range s.swipes {
		if sw.SwiperID == swiperID && !sw.Undone {
			ids = append(ids, sw.SwipedID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ---------------------------------------------------------------------------
// Matches
// ---------------------------------------------------------------------------

func (s *Store) CreateMatchWithChat(_ context.Context, m *model.Match, c *model.Chat) (*model.Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.CanonicalPair(m.Users[0], m.Users[1])
	if id, ok := s.activeMatch[key]; ok {
		cp := *s.matches[id]
		return &cp, false, nil
	}

	mc := *m
	mc.Users = key
	mc.ChatID = c.ID
	s.matches[mc.ID] = &mc
	s.activeMatch[key] = mc.ID

	cc := c.Clone()
	cc.MatchID = mc.ID
	s.chats[cc.ID] = cc

	out := mc
	return &out, true, nil
}

func (s *Store) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperr.NotFound("match %s", id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ActiveMatchBetween(_ context.Context, a, b string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeMatch[model.CanonicalPair(a, b)]
	if !ok {
		return nil, apperr.NotFound("no active match between %s and %s", a, b)
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *Store) ListActiveMatches(_ context.Context, userID string) ([]*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Match
	for _, id := range s.activeMatch {
		m := s.matches[id]
		if m.Has(userID) {
			cp := *m
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(x, y *model.Match) int { return y.CreatedAt.Compare(x.CreatedAt) })
	return out, nil
}

func (s *Store) Unmatch(_ context.Context, id, actorID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, apperr.NotFound("match %s", id)
	}
	if !m.IsActive {
		return false, nil
	}
	m.IsActive = false
	m.UnmatchedBy = actorID
	m.UnmatchedAt = &at
	delete(s.activeMatch, m.Users)
	if c, ok := s.chats[m.ChatID]; ok {
		c.IsActive = false
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func (s *Store) ActiveBlock(_ context.Context, blockerID, blockedID string) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeBlock[pair{blockerID, blockedID}]
	if !ok {
		return nil, apperr.NotFound("no active block %s->%s", blockerID, blockedID)
	}
	cp := *s.blocks[id]
	return &cp, nil
}

func (s *Store) BlockedEither(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for p := range s.activeBlock {
		switch userID {
		case p.a:
			ids = append(ids, p.b)
		case p.b:
			ids = append(ids, p.a)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *Store) CreateBlock(_ context.Context, b *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(FaultBlockInsert); err != nil {
		return err
	}
	return s.insertBlock(b)
}

func (s *Store) insertBlock(b *model.Block) error {
	key := pair{b.BlockerID, b.BlockedID}
	if _, ok := s.activeBlock[key]; ok {
		return apperr.Conflict("%s already blocks %s", b.BlockerID, b.BlockedID)
	}
	cp := *b
	s.blocks[b.ID] = &cp
	s.activeBlock[key] = b.ID
	return nil
}

// CreateCompleteBlock checks every fault point before it mutates anything, so
// an injected failure leaves the store exactly as it was.
func (s *Store) CreateCompleteBlock(_ context.Context, b *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activeBlock[pair{b.BlockerID, b.BlockedID}]; ok {
		return apperr.Conflict("%s already blocks %s", b.BlockerID, b.BlockedID)
	}
	blocker, ok := s.users[b.BlockerID]
	if !ok {
		return apperr.NotFound("user %s", b.BlockerID)
	}

	var matchIDs, chatIDs []string
	for id, m := range s.matches {
		if m.Has(b.BlockerID) && m.Has(b.BlockedID) {
			matchIDs = append(matchIDs, id)
		}
	}
	for id, c := range s.chats {
		if c.IsParticipant(b.BlockerID) && c.IsParticipant(b.BlockedID) {
			chatIDs = append(chatIDs, id)
		}
	}

	for _, point := range []string{
		FaultBlockInsert,
		FaultBlockDeleteMatches,
		FaultBlockDeleteMessages,
		FaultBlockDeleteChats,
		FaultBlockUpdateList,
	} {
		if err := s.fault(point); err != nil {
			return err
		}
	}

	if err := s.insertBlock(b); err != nil {
		return err
	}
	for _, id := range matchIDs {
		delete(s.activeMatch, s.matches[id].Users)
		delete(s.matches, id)
	}
	for _, id := range chatIDs {
		for _, mid := range s.chatMessages[id] {
			delete(s.messages, mid)
		}
		delete(s.chatMessages, id)
		delete(s.chats, id)
	}
	if !slices.Contains(blocker.BlockedUserIDs, b.BlockedID) {
		blocker.BlockedUserIDs = append(blocker.BlockedUserIDs, b.BlockedID)
	}
	return nil
}

func (s *Store) Unblock(_ context.Context, blockerID, blockedID string, at time.Time) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{blockerID, blockedID}
	id, ok := s.activeBlock[key]
	if !ok {
		return nil, apperr.NotFound("no active block %s->%s", blockerID, blockedID)
	}
	b := s.blocks[id]
	b.IsActive = false
	b.UnblockedAt = &at
	delete(s.activeBlock, key)
	if u, ok := s.users[blockerID]; ok {
		u.BlockedUserIDs = slices.DeleteFunc(u.BlockedUserIDs, func(x string) bool { return x == blockedID })
	}
	cp := *b
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

func (s *Store) GetChat(_ context.Context, id string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, apperr.NotFound("chat %s", id)
	}
	return c.Clone(), nil
}

func (s *Store) ListChats(_ context.Context, userID string) ([]*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Chat
	for _, c := range s.chats {
		if c.IsActive && c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *model.Chat) int {
		return lastActivity(y).Compare(lastActivity(x))
	})
	return out, nil
}

func lastActivity(c *model.Chat) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
