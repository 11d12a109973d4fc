package swipe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/notify"
	"github.com/emberapp/matchcore/internal/store/memory"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	sent  []notify.Notification
	fails bool
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails {
		return assert.AnError
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

// newService wires a swipe service whose clock advances one second per call,
// so "most recent" is well defined.
func newService(t *testing.T) (*Service, *memory.Store, *recorder) {
	t.Helper()
	st := memory.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		st.PutUser(&model.User{ID: id, Name: id, IsActive: true, PhotoCount: 1})
	}
	rec := &recorder{}
	svc := NewService(st, block.NewGate(st, nil), rec, nil)
	var tick atomic.Int64
	svc.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	return svc, st, rec
}

func TestRecordSwipeNoMatchUntilReciprocated(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	res, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	assert.Nil(t, res.Match)
	assert.Equal(t, model.DecisionLike, res.Swipe.Decision)

	res, err = svc.RecordSwipe(ctx, "bob", "alice", "superlike")
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.True(t, res.NewMatch)
	assert.Equal(t, [2]string{"alice", "bob"}, res.Match.Users)
	assert.NotEmpty(t, res.Match.ChatID)

	c, err := st.GetChat(ctx, res.Match.ChatID)
	require.NoError(t, err)
	assert.Equal(t, res.Match.ID, c.MatchID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Participants)

	alice, _ := st.GetUser(ctx, "alice")
	bob, _ := st.GetUser(ctx, "bob")
	assert.Equal(t, 1, alice.Stats.Matches)
	assert.Equal(t, 1, bob.Stats.Matches)
	assert.Equal(t, 1, alice.Stats.SuperlikesReceived)
	assert.Equal(t, 1, bob.Stats.LikesReceived)
}

func TestRecordSwipeDislikeNeverMatches(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "dislike")
	require.NoError(t, err)
	res, err := svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)
	assert.Nil(t, res.Match)
}

func TestRecordSwipeNotifications(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "superlike")
	require.NoError(t, err)
	assert.Equal(t, []notify.Kind{notify.KindSuperlike}, rec.kinds())

	_, err = svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)
	assert.Equal(t, []notify.Kind{notify.KindSuperlike, notify.KindMatch, notify.KindMatch}, rec.kinds())
}

func TestRecordSwipeSurvivesNotifierFailure(t *testing.T) {
	svc, st, rec := newService(t)
	rec.fails = true
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "superlike")
	require.NoError(t, err)
	res, err := svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)
	require.NotNil(t, res.Match)

	_, err = st.ActiveMatchBetween(ctx, "alice", "bob")
	assert.NoError(t, err)
}

func TestRecordSwipeSurvivesCounterFailure(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	st.InjectFault(memory.FaultIncrementStats, assert.AnError)

	res, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Swipe.ID)
}

func TestRecordSwipeValidation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	st.PutUser(&model.User{ID: "banned", IsActive: true, IsBanned: true})

	tests := []struct {
		name     string
		swiped   string
		decision string
		want     error
	}{
		{"self", "alice", "like", apperr.ErrInvalidArgument},
		{"bad decision", "bob", "maybe", apperr.ErrInvalidArgument},
		{"missing target", "", "like", apperr.ErrInvalidArgument},
		{"unknown target", "nobody", "like", apperr.ErrNotFound},
		{"banned target", "banned", "like", apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordSwipe(ctx, "alice", tt.swiped, tt.decision)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRecordSwipeDuplicateConflicts(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	_, err = svc.RecordSwipe(ctx, "alice", "bob", "dislike")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRecordSwipeBlockedIsForbidden(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	gate := block.NewGate(st, nil)

	_, err := gate.Block(ctx, block.Request{BlockerID: "bob", BlockedID: "alice", Type: "messages"})
	require.NoError(t, err)

	_, err = svc.RecordSwipe(ctx, "alice", "bob", "like")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestUndoThenReswipeReusesRow(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	first, err := svc.RecordSwipe(ctx, "alice", "bob", "dislike")
	require.NoError(t, err)

	undone, err := svc.UndoSwipe(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Swipe.ID, undone.ID)
	assert.True(t, undone.Undone)

	again, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	assert.Equal(t, first.Swipe.ID, again.Swipe.ID)
	assert.Equal(t, model.DecisionLike, again.Swipe.Decision)
	assert.False(t, again.Swipe.Undone)

	ids, err := st.ActiveSwipedIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids)
}

func TestUndoTakesMostRecent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	latest, err := svc.RecordSwipe(ctx, "alice", "carol", "like")
	require.NoError(t, err)

	undone, err := svc.UndoSwipe(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, latest.Swipe.ID, undone.ID)
}

func TestUndoWithoutSwipes(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.UndoSwipe(context.Background(), "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUndoKeepsMatch(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	res, err := svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)
	require.NotNil(t, res.Match)

	_, err = svc.UndoSwipe(ctx, "bob")
	require.NoError(t, err)

	m, err := st.GetMatch(ctx, res.Match.ID)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
}

func TestConcurrentReciprocalSwipesCreateOneMatch(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc, st, rec := newService(t)
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			created atomic.Int32
		)
		for _, p := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
			wg.Add(1)
			go func(swiper, swiped string) {
				defer wg.Done()
				res, err := svc.RecordSwipe(ctx, swiper, swiped, "like")
				if !assert.NoError(t, err) {
					return
				}
				if res.NewMatch {
					created.Add(1)
				}
			}(p[0], p[1])
		}
		wg.Wait()

		require.Equal(t, int32(1), created.Load())
		ms, err := st.ListActiveMatches(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, ms, 1)
		chats, err := st.ListChats(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, chats, 1)

		var matchNotes int
		for _, k := range rec.kinds() {
			if k == notify.KindMatch {
				matchNotes++
			}
		}
		require.Equal(t, 2, matchNotes)
	}
}

func TestUnmatch(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	res, err := svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)

	_, err = svc.Unmatch(ctx, "carol", res.Match.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	m, err := svc.Unmatch(ctx, "alice", res.Match.ID)
	require.NoError(t, err)
	assert.False(t, m.IsActive)
	assert.Equal(t, "alice", m.UnmatchedBy)

	c, err := st.GetChat(ctx, res.Match.ChatID)
	require.NoError(t, err)
	assert.False(t, c.IsActive)

	// Repeating is a no-op.
	m, err = svc.Unmatch(ctx, "bob", res.Match.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", m.UnmatchedBy)

	ms, err := svc.ListMatches(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestNewEpochAfterUnmatch(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	first, err := svc.RecordSwipe(ctx, "bob", "alice", "like")
	require.NoError(t, err)
	_, err = svc.Unmatch(ctx, "bob", first.Match.ID)
	require.NoError(t, err)

	_, err = svc.RecordSwipe(ctx, "alice", "bob", "like")
	assert.ErrorIs(t, err, apperr.ErrConflict, "the old like is still live until undone")

	_, err = svc.UndoSwipe(ctx, "alice")
	require.NoError(t, err)
	second, err := svc.RecordSwipe(ctx, "alice", "bob", "like")
	require.NoError(t, err)
	require.NotNil(t, second.Match)
	assert.True(t, second.NewMatch)
	assert.NotEqual(t, first.Match.ID, second.Match.ID)
}
