package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/store/memory"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const chatID = "chat-ab"

type fixture struct {
	svc  *Service
	st   *memory.Store
	gate *block.Gate
	ctx  context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	for _, id := range []string{"a", "b", "c"} {
		st.PutUser(&model.User{ID: id, Name: id, IsActive: true, PhotoCount: 1})
	}
	_, _, err := st.CreateMatchWithChat(context.Background(),
		&model.Match{ID: "match-ab", Users: model.CanonicalPair("a", "b"), IsActive: true, CreatedAt: now},
		&model.Chat{ID: chatID, Participants: []string{"a", "b"}, Unread: map[string]int{}, IsActive: true, CreatedAt: now},
	)
	require.NoError(t, err)

	gate := block.NewGate(st, nil)
	svc := NewService(st, gate, nil)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, st: st, gate: gate, ctx: context.Background()}
}

func (f *fixture) send(t *testing.T, from, content string) *model.Message {
	t.Helper()
	msg, _, err := f.svc.Send(f.ctx, SendInput{ChatID: chatID, SenderID: from, Content: content})
	require.NoError(t, err)
	return msg
}

func TestSendUpdatesChat(t *testing.T) {
	f := newFixture(t)

	msg, c, err := f.svc.Send(f.ctx, SendInput{ChatID: chatID, SenderID: "a", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "b", msg.ReceiverID)
	assert.Equal(t, model.TypeText, msg.Type)
	assert.Positive(t, msg.Seq)
	assert.Equal(t, msg.ID, c.LastMessageID)
	require.NotNil(t, c.LastMessageAt)
	assert.Equal(t, 1, c.UnreadFor("b"))
	assert.Equal(t, 0, c.UnreadFor("a"))
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"unknown chat", SendInput{ChatID: "nope", SenderID: "a", Content: "x"}, apperr.ErrNotFound},
		{"outsider", SendInput{ChatID: chatID, SenderID: "c", Content: "x"}, apperr.ErrForbidden},
		{"empty text", SendInput{ChatID: chatID, SenderID: "a"}, apperr.ErrInvalidArgument},
		{"bad type", SendInput{ChatID: chatID, SenderID: "a", Type: "video", Content: "x"}, apperr.ErrInvalidArgument},
		{"image without url", SendInput{ChatID: chatID, SenderID: "a", Type: "image"}, apperr.ErrInvalidArgument},
		{"metadata on text", SendInput{ChatID: chatID, SenderID: "a", Content: "x", Metadata: json.RawMessage(`{"a":1}`)}, apperr.ErrInvalidArgument},
		{"reply elsewhere", SendInput{ChatID: chatID, SenderID: "a", Content: "x", ReplyTo: "ghost"}, apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Send(f.ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	msgs, err := f.st.ListMessages(f.ctx, chatID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendBlockedEitherDirection(t *testing.T) {
	for _, blocker := range []string{"a", "b"} {
		t.Run(blocker+" blocks", func(t *testing.T) {
			f := newFixture(t)
			_, err := f.gate.Block(f.ctx, block.Request{BlockerID: blocker, BlockedID: map[string]string{"a": "b", "b": "a"}[blocker], Type: "messages"})
			require.NoError(t, err)

			_, _, err = f.svc.Send(f.ctx, SendInput{ChatID: chatID, SenderID: "a", Content: "hi"})
			assert.ErrorIs(t, err, apperr.ErrForbidden)

			c, err := f.st.GetChat(f.ctx, chatID)
			require.NoError(t, err)
			assert.Empty(t, c.LastMessageID)
			assert.Equal(t, 0, c.UnreadFor("b"))
		})
	}
}

func TestSendToInactiveChat(t *testing.T) {
	f := newFixture(t)
	_, err := f.st.Unmatch(f.ctx, "match-ab", "a", now)
	require.NoError(t, err)

	_, _, err = f.svc.Send(f.ctx, SendInput{ChatID: chatID, SenderID: "a", Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSendMediaWithMetadata(t *testing.T) {
	f := newFixture(t)
	msg, _, err := f.svc.Send(f.ctx, SendInput{
		ChatID: chatID, SenderID: "a", Type: "voice", MediaURL: "https://cdn/v.ogg",
		Metadata: json.RawMessage(`{"durationSec": 4.5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.VoiceMeta{DurationSec: 4.5}, msg.Metadata)
}

func TestMarkChatReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.send(t, "a", "one")
	f.send(t, "a", "two")
	f.send(t, "b", "mine")

	_, ids, err := f.svc.MarkChatRead(f.ctx, "b", chatID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, ids, err = f.svc.MarkChatRead(f.ctx, "b", chatID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	c, err := f.st.GetChat(f.ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.UnreadFor("b"))
	assert.Equal(t, 1, c.UnreadFor("a"))

	msgs, err := f.st.ListMessages(f.ctx, chatID, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ReceiverID == "b" {
			assert.Len(t, m.ReadBy, 1)
			assert.Equal(t, "b", m.ReadBy[0].UserID)
		} else {
			assert.Empty(t, m.ReadBy)
		}
	}

	_, _, err = f.svc.MarkChatRead(f.ctx, "c", chatID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestMarkReadReceiverOnly(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "a", "hi")

	_, _, err := f.svc.MarkRead(f.ctx, "a", msg.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, changed, err := f.svc.MarkRead(f.ctx, "b", msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = f.svc.MarkRead(f.ctx, "b", msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	c, _ := f.st.GetChat(f.ctx, chatID)
	assert.Equal(t, 0, c.UnreadFor("b"))
}

func TestDeliveryStateNeverRegresses(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "a", "hi")

	_, _, err := f.svc.MarkRead(f.ctx, "b", msg.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(f.ctx, "b", msg.ID)
	require.NoError(t, err)

	views, err := f.svc.ListMessages(f.ctx, "a", chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.StateRead, views[0].Status)
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "a", "first")

	_, err := f.svc.Edit(f.ctx, "b", msg.ID, "hijack")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Edit(f.ctx, "a", msg.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	edited, err := f.svc.Edit(f.ctx, "a", msg.ID, "second")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "second", edited.Content)

	edited, err = f.svc.Edit(f.ctx, "a", msg.ID, "third")
	require.NoError(t, err)
	require.NotNil(t, edited.OriginalContent)
	assert.Equal(t, "first", *edited.OriginalContent)

	_, _, err = f.svc.Delete(f.ctx, "a", msg.ID, ScopeEveryone)
	require.NoError(t, err)
	_, err = f.svc.Edit(f.ctx, "a", msg.ID, "fourth")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteVisibility(t *testing.T) {
	f := newFixture(t)
	gone := f.send(t, "a", "for everyone")
	hidden := f.send(t, "b", "hide from a")
	f.send(t, "a", "stays")

	_, _, err := f.svc.Delete(f.ctx, "b", gone.ID, ScopeEveryone)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, changed, err := f.svc.Delete(f.ctx, "a", gone.ID, ScopeEveryone)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = f.svc.Delete(f.ctx, "a", gone.ID, ScopeEveryone)
	require.NoError(t, err)
	assert.False(t, changed)

	_, changed, err = f.svc.Delete(f.ctx, "a", hidden.ID, ScopeMe)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = f.svc.Delete(f.ctx, "a", hidden.ID, ScopeMe)
	require.NoError(t, err)
	assert.False(t, changed)

	contents := func(viewer string) []string {
		views, err := f.svc.ListMessages(f.ctx, viewer, chatID, 0, 0)
		require.NoError(t, err)
		var out []string
		for _, v := range views {
			out = append(out, v.Content)
		}
		return out
	}
	assert.Equal(t, []string{"stays"}, contents("a"))
	assert.Equal(t, []string{"hide from a", "stays"}, contents("b"))

	stored, err := f.st.GetMessage(f.ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, "for everyone", stored.Content)
}

func TestReactReplacesEarlierReaction(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "b", "hi")

	_, err := f.svc.React(f.ctx, "a", msg.ID, "❤️")
	require.NoError(t, err)
	got, err := f.svc.React(f.ctx, "a", msg.ID, "😂")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "a", got.Reactions[0].UserID)
	assert.Equal(t, "😂", got.Reactions[0].Emoji)

	_, err = f.svc.React(f.ctx, "a", msg.ID, "🍕")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.React(f.ctx, "c", msg.ID, "👍")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, changed, err := f.svc.Unreact(f.ctx, "a", msg.ID, "❤️")
	require.NoError(t, err)
	assert.False(t, changed)
	got, changed, err = f.svc.Unreact(f.ctx, "a", msg.ID, "😂")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, got.Reactions)
}

func TestSurpriseReveal(t *testing.T) {
	f := newFixture(t)
	msg, _, err := f.svc.Send(f.ctx, SendInput{
		ChatID: chatID, SenderID: "a", Type: "surprise", Content: "dinner friday?",
		Metadata: json.RawMessage(`{"hint":"a question"}`),
	})
	require.NoError(t, err)
	plain := f.send(t, "a", "plain")

	views, err := f.svc.ListMessages(f.ctx, "b", chatID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, views[0].Content)
	assert.Equal(t, model.SurpriseMeta{Hint: "a question"}, views[0].Metadata)

	views, err = f.svc.ListMessages(f.ctx, "a", chatID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "dinner friday?", views[0].Content)

	_, _, err = f.svc.Reveal(f.ctx, "a", msg.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, _, err = f.svc.Reveal(f.ctx, "b", plain.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	revealed, changed, err := f.svc.Reveal(f.ctx, "b", msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, revealed.Revealed)
	_, changed, err = f.svc.Reveal(f.ctx, "b", msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	views, err = f.svc.ListMessages(f.ctx, "b", chatID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "dinner friday?", views[0].Content)
}

func TestReplyResolvedAtReadTime(t *testing.T) {
	f := newFixture(t)
	orig := f.send(t, "a", "what time?")
	reply, _, err := f.svc.Send(f.ctx, SendInput{ChatID: chatID, SenderID: "b", Content: "eight", ReplyTo: orig.ID})
	require.NoError(t, err)
	assert.Equal(t, orig.ID, reply.ReplyTo)

	views, err := f.svc.ListMessages(f.ctx, "a", chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.NotNil(t, views[1].Reply)
	assert.Equal(t, "what time?", views[1].Reply.Content)

	_, err = f.svc.Edit(f.ctx, "a", orig.ID, "what time exactly?")
	require.NoError(t, err)
	views, err = f.svc.ListMessages(f.ctx, "b", chatID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "what time exactly?", views[1].Reply.Content)

	_, _, err = f.svc.Delete(f.ctx, "a", orig.ID, ScopeEveryone)
	require.NoError(t, err)
	views, err = f.svc.ListMessages(f.ctx, "b", chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Reply.Deleted)
	assert.Empty(t, views[0].Reply.Content)
}

func TestListMessagesPaging(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		f.send(t, "a", s)
	}

	page, err := f.svc.ListMessages(f.ctx, "b", chatID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "4", page[0].Content)
	assert.Equal(t, "5", page[1].Content)

	older, err := f.svc.ListMessages(f.ctx, "b", chatID, page[0].Seq, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "2", older[0].Content)
	assert.Equal(t, "3", older[1].Content)

	_, err = f.svc.ListMessages(f.ctx, "c", chatID, 0, 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestListChats(t *testing.T) {
	f := newFixture(t)
	f.send(t, "a", "hello there")

	sums, err := f.svc.ListChats(f.ctx, "b")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "a", sums[0].With)
	assert.Equal(t, 1, sums[0].UnreadCount)
	require.NotNil(t, sums[0].LastMessage)
	assert.Equal(t, "hello there", sums[0].LastMessage.Content)
	assert.Equal(t, model.StateSent, sums[0].LastMessage.Status)

	sums, err = f.svc.ListChats(f.ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestParseDeleteScope(t *testing.T) {
	s, err := ParseDeleteScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeEveryone, s)
	s, err = ParseDeleteScope("me")
	require.NoError(t, err)
	assert.Equal(t, ScopeMe, s)
	_, err = ParseDeleteScope("them")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
