package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/presence"
	"github.com/emberapp/matchcore/internal/protocol"
	"github.com/emberapp/matchcore/internal/ratelimit"
	"github.com/emberapp/matchcore/internal/store/memory"
	"github.com/emberapp/matchcore/internal/ws"
)

const chatID = "chat-ab"

type frame struct {
	conn string
	data map[string]any
}

// fakeTransport records frames instead of writing to sockets.
type fakeTransport struct {
	conns  *ws.ConnectionManager
	mu     sync.Mutex
	frames []frame
}

func (f *fakeTransport) record(c *ws.Connection, data []byte) {
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.mu.Lock()
	f.frames = append(f.frames, frame{conn: c.ID, data: m})
	f.mu.Unlock()
}

func (f *fakeTransport) Send(c *ws.Connection, data []byte) error {
	f.record(c, data)
	return nil
}

func (f *fakeTransport) Broadcast(group string, data []byte) int {
	members := f.conns.Members(group)
	for _, c := range members {
		f.record(c, data)
	}
	return len(members)
}

func (f *fakeTransport) Connections() *ws.ConnectionManager { return f.conns }

// received returns the frames of typ written to conn.
func (f *fakeTransport) received(conn, typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		if fr.conn == conn && fr.data["type"] == typ {
			out = append(out, fr.data)
		}
	}
	return out
}

type fixture struct {
	gw        *Gateway
	st        *memory.Store
	transport *fakeTransport
	presence  *presence.Registry
	dispatch  *ws.MessageDispatcher
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	st := memory.New()
	st.PutUser(&model.User{ID: "a", Name: "Alice", IsActive: true, PhotoCount: 1})
	st.PutUser(&model.User{ID: "b", Name: "Bob", IsActive: true, PhotoCount: 1})
	st.PutUser(&model.User{ID: "c", Name: "Carol", IsActive: true, PhotoCount: 1})
	now := time.Now()
	_, _, err := st.CreateMatchWithChat(context.Background(),
		&model.Match{ID: "match-ab", Users: model.CanonicalPair("a", "b"), IsActive: true, CreatedAt: now},
		&model.Chat{ID: chatID, Participants: []string{"a", "b"}, Unread: map[string]int{}, IsActive: true, CreatedAt: now},
	)
	require.NoError(t, err)

	f := &fixture{
		st:        st,
		transport: &fakeTransport{conns: ws.NewConnectionManager()},
		presence:  presence.NewRegistry(),
	}
	bus := delivery.NewLocalBus()
	conv := chat.NewService(st, block.NewGate(st, nil), nil)
	pipeline := delivery.NewPipeline(conv, bus, f.presence, st, nil, nil)

	f.gw = New(f.transport, pipeline, f.presence, st, ratelimit.NewLocal(), limits, nil)
	bus.Subscribe(f.gw.Deliver)

	f.dispatch = ws.NewMessageDispatcher(f.transport, nil)
	f.gw.Register(f.dispatch)
	return f
}

func (f *fixture) connect(id, user, name string) *ws.Connection {
	c := &ws.Connection{ID: id, UserID: user, DisplayName: name}
	f.transport.conns.Add(c)
	f.gw.OnConnect(c)
	return c
}

func (f *fixture) disconnect(c *ws.Connection) {
	// The server removes the connection from the manager before the callback.
	f.transport.conns.Leave(c, delivery.UserGroup(c.UserID))
	f.gw.OnDisconnect(c)
}

func (f *fixture) send(c *ws.Connection, v map[string]any) {
	data, _ := json.Marshal(v)
	f.dispatch.Dispatch(c, data)
}

// refreshTracker records heartbeat refreshes on top of a local registry.
type refreshTracker struct {
	*presence.Registry
	mu        sync.Mutex
	refreshed []string
}

func (r *refreshTracker) Refresh(_ context.Context, userID string) error {
	r.mu.Lock()
	r.refreshed = append(r.refreshed, userID)
	r.mu.Unlock()
	return nil
}

func (f *fixture) online(t *testing.T, id string) bool {
	t.Helper()
	u, err := f.st.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.IsOnline
}

func TestConnectLifecycleAcrossDevices(t *testing.T) {
	f := newFixture(t, DefaultLimits())

	phone := f.connect("a-phone", "a", "Alice")
	require.Len(t, f.transport.received("a-phone", protocol.TypeConnected), 1)
	assert.Equal(t, "a-phone", f.transport.received("a-phone", protocol.TypeConnected)[0]["connectionId"])
	assert.True(t, f.transport.conns.InGroup(phone, delivery.UserGroup("a")))
	assert.True(t, f.online(t, "a"))

	laptop := f.connect("a-laptop", "a", "Alice")
	assert.Equal(t, 2, f.presence.Count("a"))

	f.disconnect(phone)
	assert.True(t, f.online(t, "a"), "one device still connected")

	f.disconnect(laptop)
	assert.False(t, f.online(t, "a"))
	u, err := f.st.GetUser(context.Background(), "a")
	require.NoError(t, err)
	assert.NotNil(t, u.LastSeenAt)
}

func TestJoinChatRequiresParticipant(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	a := f.connect("a1", "a", "Alice")
	c := f.connect("c1", "c", "Carol")

	f.send(c, map[string]any{"type": "join-chat", "chatId": chatID})
	errs := f.transport.received("c1", protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeForbidden, errs[0]["code"])
	assert.False(t, f.transport.conns.InGroup(c, delivery.ChatGroup(chatID)))

	f.send(a, map[string]any{"type": "join-chat", "chatId": chatID})
	assert.Len(t, f.transport.received("a1", protocol.TypeChatJoined), 1)
	assert.True(t, f.transport.conns.InGroup(a, delivery.ChatGroup(chatID)))

	f.send(a, map[string]any{"type": "leave-chat", "chatId": chatID})
	assert.False(t, f.transport.conns.InGroup(a, delivery.ChatGroup(chatID)))
}

func TestSendMessageReachesEveryReceiverDevice(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	a := f.connect("a1", "a", "Alice")
	f.connect("b-phone", "b", "Bob")
	f.connect("b-laptop", "b", "Bob")

	f.send(a, map[string]any{"type": "send-message", "chatId": chatID, "content": "hey", "clientId": "tmp-1"})

	assert.Len(t, f.transport.received("b-phone", protocol.TypeNewMessage), 1)
	assert.Len(t, f.transport.received("b-laptop", protocol.TypeNewMessage), 1)
	assert.Len(t, f.transport.received("a1", protocol.TypeMessageDelivered), 1, "receiver is online")
	assert.Empty(t, f.transport.received("a1", protocol.TypeError))
}

func TestSendMessageSenderDevicesSeeOwnView(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	phone := f.connect("a-phone", "a", "Alice")
	laptop := f.connect("a-laptop", "a", "Alice")
	b := f.connect("b1", "b", "Bob")
	for _, c := range []*ws.Connection{phone, laptop, b} {
		f.send(c, map[string]any{"type": "join-chat", "chatId": chatID})
	}

	f.send(phone, map[string]any{"type": "send-message", "chatId": chatID, "content": "hey"})
	f.send(phone, map[string]any{"type": "send-message", "chatId": chatID, "messageType": "surprise", "content": "picnic sunday"})

	content := func(fr map[string]any) any { return fr["message"].(map[string]any)["content"] }

	own := f.transport.received("a-laptop", protocol.TypeNewMessage)
	require.Len(t, own, 2, "one copy per message, none from the chat group")
	assert.Equal(t, "hey", content(own[0]))
	assert.Equal(t, "picnic sunday", content(own[1]))

	theirs := f.transport.received("b1", protocol.TypeNewMessage)
	require.Len(t, theirs, 4, "personal group and chat group")
	assert.Empty(t, content(theirs[2]))
	assert.Empty(t, content(theirs[3]))
}

func TestSendMessageErrorEchoesClientID(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	a := f.connect("a1", "a", "Alice")

	f.send(a, map[string]any{"type": "send-message", "chatId": chatID, "content": "", "clientId": "tmp-9"})

	errs := f.transport.received("a1", protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeInvalidArgument, errs[0]["code"])
	assert.Equal(t, "tmp-9", errs[0]["clientId"])
	assert.Equal(t, protocol.TypeSendMessage, errs[0]["action"])
}

func TestSendMessageRateLimited(t *testing.T) {
	limits := DefaultLimits()
	limits.Message = ratelimit.Rule{Key: "rl:msg:", Limit: 2, Window: time.Hour}
	f := newFixture(t, limits)
	a := f.connect("a1", "a", "Alice")
	f.connect("b1", "b", "Bob")

	for i := 0; i < 3; i++ {
		f.send(a, map[string]any{"type": "send-message", "chatId": chatID, "content": "spam"})
	}

	assert.Len(t, f.transport.received("b1", protocol.TypeNewMessage), 2)
	errs := f.transport.received("a1", protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeRateLimited, errs[0]["code"])
}

func TestTypingIsThrottledPerConnection(t *testing.T) {
	limits := DefaultLimits()
	limits.Typing = ratelimit.Rule{Key: "rl:typing:", Limit: 1, Window: time.Hour}
	f := newFixture(t, limits)
	a := f.connect("a1", "a", "Alice")
	b := f.connect("b1", "b", "Bob")
	f.send(b, map[string]any{"type": "join-chat", "chatId": chatID})

	f.send(a, map[string]any{"type": "typing-start", "chatId": chatID})
	f.send(a, map[string]any{"type": "typing-start", "chatId": chatID})

	assert.Len(t, f.transport.received("b1", protocol.TypeUserTyping), 1)
	assert.Empty(t, f.transport.received("a1", protocol.TypeError), "dropped indicators are silent")
}

func TestReadAndDeleteActions(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	a := f.connect("a1", "a", "Alice")
	b := f.connect("b1", "b", "Bob")

	f.send(a, map[string]any{"type": "send-message", "chatId": chatID, "content": "one"})
	msgs := f.transport.received("b1", protocol.TypeNewMessage)
	require.Len(t, msgs, 1)
	id := msgs[0]["message"].(map[string]any)["id"].(string)

	f.send(b, map[string]any{"type": "mark-chat-read", "chatId": chatID})
	assert.Len(t, f.transport.received("a1", protocol.TypeReadReceipt), 1)

	f.send(b, map[string]any{"type": "delete-message", "messageId": id, "scope": "everyone"})
	errs := f.transport.received("b1", protocol.TypeError)
	require.Len(t, errs, 1, "only the sender deletes for everyone")
	assert.Equal(t, apperr.CodeForbidden, errs[0]["code"])

	f.send(a, map[string]any{"type": "delete-message", "messageId": id, "scope": "bogus"})
	assert.Len(t, f.transport.received("a1", protocol.TypeError), 1)

	f.send(a, map[string]any{"type": "delete-message", "messageId": id})
	assert.Len(t, f.transport.received("b1", protocol.TypeMessageDeleted), 1)
}

func TestHeartbeatRefreshesPresenceOncePerUser(t *testing.T) {
	tr := &refreshTracker{Registry: presence.NewRegistry()}
	gw := New(&fakeTransport{conns: ws.NewConnectionManager()}, nil, tr, memory.New(), nil, DefaultLimits(), nil)

	gw.OnHeartbeat([]*ws.Connection{
		{ID: "a-phone", UserID: "a"},
		{ID: "b1", UserID: "b"},
		{ID: "a-laptop", UserID: "a"},
	})
	assert.Equal(t, []string{"a", "b"}, tr.refreshed)

	gw.OnHeartbeat(nil)
	assert.Len(t, tr.refreshed, 2)
}

func TestAckDeliveredNotifiesSenderOnce(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	a := f.connect("a1", "a", "Alice")

	f.send(a, map[string]any{"type": "send-message", "chatId": chatID, "content": "while you were out"})
	assert.Empty(t, f.transport.received("a1", protocol.TypeMessageDelivered), "receiver offline")

	msgs, err := f.st.ListMessages(context.Background(), chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	b := f.connect("b1", "b", "Bob")
	f.send(b, map[string]any{"type": "ack-delivered", "messageId": id})
	delivered := f.transport.received("a1", protocol.TypeMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, id, delivered[0]["messageId"])
	assert.Equal(t, "b", delivered[0]["recipientId"])

	f.send(b, map[string]any{"type": "ack-delivered", "messageId": id})
	assert.Len(t, f.transport.received("a1", protocol.TypeMessageDelivered), 1, "repeat ack is a no-op")
	assert.Empty(t, f.transport.received("b1", protocol.TypeError))

	f.send(a, map[string]any{"type": "ack-delivered", "messageId": id})
	errs := f.transport.received("a1", protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeForbidden, errs[0]["code"])

	f.send(b, map[string]any{"type": "ack-delivered"})
	errs = f.transport.received("b1", protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, apperr.CodeInvalidArgument, errs[0]["code"])
}
