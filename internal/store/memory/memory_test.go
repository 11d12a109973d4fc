package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/store"
)

var _ store.Store = (*Store)(nil)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSwipeLedgerTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()

	sw := &model.Swipe{ID: "s1", SwiperID: "a", SwipedID: "b", Decision: model.DecisionLike, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.InsertSwipe(ctx, sw))
	assert.ErrorIs(t, s.InsertSwipe(ctx, sw), apperr.ErrConflict)

	_, err := s.ReactivateSwipe(ctx, "s1", model.DecisionDislike, t0)
	assert.ErrorIs(t, err, apperr.ErrConflict, "live swipe cannot be reactivated")

	undone, err := s.MarkUndone(ctx, "s1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, undone.Undone)
	_, err = s.MarkUndone(ctx, "s1", t0.Add(time.Minute))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	ids, err := s.ActiveSwipedIDs(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, ids)

	again, err := s.ReactivateSwipe(ctx, "s1", model.DecisionSuperlike, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, again.Undone)
	assert.Nil(t, again.UndoneAt)
	assert.Equal(t, model.DecisionSuperlike, again.Decision)

	_, err = s.LatestActiveSwipe(ctx, "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLatestActiveSwipeBreaksTimestampTies(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s := New()
		for _, sw := range []*model.Swipe{
			{ID: "s1", SwiperID: "a", SwipedID: "b", Decision: model.DecisionLike, CreatedAt: t0, UpdatedAt: t0},
			{ID: "s3", SwiperID: "a", SwipedID: "d", Decision: model.DecisionLike, CreatedAt: t0, UpdatedAt: t0},
			{ID: "s2", SwiperID: "a", SwipedID: "c", Decision: model.DecisionLike, CreatedAt: t0, UpdatedAt: t0},
			{ID: "s0", SwiperID: "a", SwipedID: "e", Decision: model.DecisionLike, CreatedAt: t0.Add(-time.Minute), UpdatedAt: t0},
		} {
			require.NoError(t, s.InsertSwipe(ctx, sw))
		}

		latest, err := s.LatestActiveSwipe(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "s3", latest.ID, "equal timestamps resolve by id regardless of map order")
	}
}

func TestCreateMatchWithChatReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()

	m1 := &model.Match{ID: "m1", Users: [2]string{"b", "a"}, IsActive: true, CreatedAt: t0}
	c1 := &model.Chat{ID: "c1", Participants: []string{"a", "b"}, IsActive: true, CreatedAt: t0}
	got, created, err := s.CreateMatchWithChat(ctx, m1, c1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, [2]string{"a", "b"}, got.Users)
	assert.Equal(t, "c1", got.ChatID)

	m2 := &model.Match{ID: "m2", Users: [2]string{"a", "b"}, IsActive: true, CreatedAt: t0}
	c2 := &model.Chat{ID: "c2", Participants: []string{"a", "b"}, IsActive: true, CreatedAt: t0}
	got, created, err = s.CreateMatchWithChat(ctx, m2, c2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m1", got.ID)

	_, err = s.GetChat(ctx, "c2")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "losing chat must not be written")
}

func TestMessagesPagingAndReads(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, err := s.CreateMatchWithChat(ctx,
		&model.Match{ID: "m", Users: [2]string{"a", "b"}, IsActive: true},
		&model.Chat{ID: "c", Participants: []string{"a", "b"}, IsActive: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		chat, err := s.AppendMessage(ctx, &model.Message{
			ID: fmt.Sprintf("msg%d", i), ChatID: "c", SenderID: "a", ReceiverID: "b",
			Type: model.TypeText, Content: "hi", CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, chat.Unread["b"])
	}

	page, err := s.ListMessages(ctx, "c", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "msg3", page[0].ID)
	assert.Equal(t, "msg4", page[1].ID)

	older, err := s.ListMessages(ctx, "c", page[0].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, older, 3)

	ok, err := s.MarkMessageRead(ctx, "msg0", "b", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkMessageRead(ctx, "msg0", "b", t0)
	require.NoError(t, err)
	assert.False(t, ok, "second read receipt is a no-op")

	changed, err := s.MarkChatRead(ctx, "c", "b", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg1", "msg2", "msg3", "msg4"}, changed)

	chat, err := s.GetChat(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, chat.Unread["b"])
}

func TestCreateCompleteBlockFaultLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutUser(&model.User{ID: "a", IsActive: true})
	s.PutUser(&model.User{ID: "b", IsActive: true})
	_, _, err := s.CreateMatchWithChat(ctx,
		&model.Match{ID: "m", Users: [2]string{"a", "b"}, IsActive: true},
		&model.Chat{ID: "c", Participants: []string{"a", "b"}, IsActive: true})
	require.NoError(t, err)

	b := &model.Block{ID: "blk", BlockerID: "a", BlockedID: "b", Type: model.BlockComplete, Reason: model.ReasonSpam, IsActive: true, CreatedAt: t0}
	s.InjectFault(FaultBlockDeleteChats, errors.New("disk on fire"))
	err = s.CreateCompleteBlock(ctx, b)
	assert.ErrorIs(t, err, apperr.ErrTransient)

	_, err = s.GetChat(ctx, "c")
	require.NoError(t, err, "failed block must not remove the chat")
	_, err = s.ActiveBlock(ctx, "a", "b")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.CreateCompleteBlock(ctx, b))
	_, err = s.GetChat(ctx, "c")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.ActiveMatchBetween(ctx, "a", "b")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, u.BlockedUserIDs)

	either, err := s.BlockedEither(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, either)
}
