// Package gateway binds WebSocket connections to the delivery pipeline. It
// owns the per-connection lifecycle (presence, group membership, the
// connected event) and translates client actions into pipeline calls.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/presence"
	"github.com/emberapp/matchcore/internal/protocol"
	"github.com/emberapp/matchcore/internal/ratelimit"
	"github.com/emberapp/matchcore/internal/ws"
)

// Transport is the part of the WebSocket server the gateway writes through.
type Transport interface {
	Send(conn *ws.Connection, data []byte) error
	Broadcast(group string, data []byte) int
	Connections() *ws.ConnectionManager
}

// OnlineSetter persists the user's visible online flag.
type OnlineSetter interface {
	SetOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// Limits are the per-user and per-connection throttles applied to actions.
type Limits struct {
	Message ratelimit.Rule // per user, shared across gateways
	Typing  ratelimit.Rule // per connection, local only
}

// DefaultLimits returns the production throttles.
func DefaultLimits() Limits {
	return Limits{
		Message: ratelimit.RuleMessage,
		Typing:  ratelimit.RuleFromRate("rl:typing:", 2, 4),
	}
}

// lifecycleTimeout bounds presence and profile writes on connect/disconnect.
const lifecycleTimeout = 3 * time.Second

// Gateway handles connection lifecycle and client actions.
type Gateway struct {
	transport Transport
	pipeline  *delivery.Pipeline
	presence  presence.Tracker
	users     OnlineSetter
	limiter   ratelimit.Checker
	typing    *ratelimit.Local
	limits    Limits
	log       *zap.SugaredLogger
	now       func() time.Time
}

// New creates a Gateway. limiter may be nil to disable message throttling.
func New(transport Transport, pipeline *delivery.Pipeline, tracker presence.Tracker, users OnlineSetter, limiter ratelimit.Checker, limits Limits, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		transport: transport,
		pipeline:  pipeline,
		presence:  tracker,
		users:     users,
		limiter:   limiter,
		typing:    ratelimit.NewLocal(),
		limits:    limits,
		log:       logging.OrNop(log).Named("gateway"),
		now:       time.Now,
	}
}

// Register installs the action handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinChat, g.handleJoinChat)
	d.Register(protocol.TypeLeaveChat, g.handleLeaveChat)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeTypingStart, g.handleTyping)
	d.Register(protocol.TypeTypingStop, g.handleTyping)
	d.Register(protocol.TypeMarkRead, g.handleMarkRead)
	d.Register(protocol.TypeAckDelivered, g.handleAckDelivered)
	d.Register(protocol.TypeMarkChatRead, g.handleMarkChatRead)
	d.Register(protocol.TypeReact, g.handleReact)
	d.Register(protocol.TypeUnreact, g.handleReact)
	d.Register(protocol.TypeDeleteMessage, g.handleDelete)
	d.Register(protocol.TypeEditMessage, g.handleEdit)
	d.Register(protocol.TypeRevealSurprise, g.handleReveal)
}

// Deliver writes a bus event to the local members of its group. It is the
// bus subscriber on every gateway instance.
func (g *Gateway) Deliver(ev delivery.Event) {
	var n int
	if ev.ExcludeUser == "" {
		n = g.transport.Broadcast(ev.Group, ev.Data)
	} else {
		for _, c := range g.transport.Connections().Members(ev.Group) {
			if c.UserID == ev.ExcludeUser {
				continue
			}
			if err := g.transport.Send(c, ev.Data); err != nil {
				g.log.Debugw("send failed", "type", ev.Type, "conn", c.ID, "error", err)
				continue
			}
			n++
		}
	}
	if n == 0 {
		g.log.Debugw("no local recipients", "group", ev.Group, "type", ev.Type)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// OnConnect joins the connection to its user's group, counts it towards
// presence and greets the client.
func (g *Gateway) OnConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	g.transport.Connections().Join(c, delivery.UserGroup(c.UserID))

	first, err := g.presence.Connect(ctx, c.UserID)
	if err != nil {
		g.log.Warnw("presence connect failed", "user", c.UserID, "conn", c.ID, "error", err)
	}
	if first {
		metrics.OnlineUsers.Inc()
		if err := g.users.SetOnline(ctx, c.UserID, true, g.now()); err != nil {
			g.log.Warnw("set online failed", "user", c.UserID, "error", err)
		}
	}

	g.send(c, protocol.TypeConnected, protocol.ConnectedMsg{UserID: c.UserID, ConnectionID: c.ID})
}

// OnDisconnect releases the connection's presence. The user goes offline
// only when their last connection closes.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	g.typing.Forget(c.ID, g.limits.Typing)

	last, err := g.presence.Disconnect(ctx, c.UserID)
	if err != nil {
		g.log.Warnw("presence disconnect failed", "user", c.UserID, "conn", c.ID, "error", err)
		return
	}
	if last {
		metrics.OnlineUsers.Dec()
		if err := g.users.SetOnline(ctx, c.UserID, false, g.now()); err != nil {
			g.log.Warnw("set offline failed", "user", c.UserID, "error", err)
		}
	}
}

// OnHeartbeat keeps presence alive for every user still holding a
// connection, once per user per tick.
func (g *Gateway) OnHeartbeat(conns []*ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	seen := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		if err := g.presence.Refresh(ctx, c.UserID); err != nil {
			g.log.Warnw("presence refresh failed", "user", c.UserID, "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleJoinChat(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ChatRefMsg)
	if m.ChatID == "" {
		return apperr.InvalidArgument("chatId is required")
	}
	if _, err := g.pipeline.Conversation().Participant(ctx, m.ChatID, c.UserID); err != nil {
		return err
	}
	g.transport.Connections().Join(c, delivery.ChatGroup(m.ChatID))
	g.send(c, protocol.TypeChatJoined, protocol.ChatJoinedMsg{ChatID: m.ChatID})
	return nil
}

func (g *Gateway) handleLeaveChat(_ context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ChatRefMsg)
	g.transport.Connections().Leave(c, delivery.ChatGroup(m.ChatID))
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SendMessageMsg)
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, c.UserID, g.limits.Message)
		if err != nil {
			g.log.Warnw("message limiter failed", "user", c.UserID, "error", err)
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return apperr.ErrRateLimited
		}
	}

	_, err := g.pipeline.SendMessage(ctx, identity(c), chat.SendInput{
		ChatID:   m.ChatID,
		Type:     m.MsgType,
		Content:  m.Content,
		MediaURL: m.MediaURL,
		ReplyTo:  m.ReplyTo,
		Metadata: m.Metadata,
	})
	return err
}

// handleTyping drops indicators over the local budget without telling the
// client; they are advisory.
func (g *Gateway) handleTyping(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ChatRefMsg)
	if ok, _ := g.typing.Allow(ctx, c.ID, g.limits.Typing); !ok {
		return nil
	}
	return g.pipeline.Typing(ctx, identity(c), m.ChatID, m.Type == protocol.TypeTypingStart)
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.MessageRefMsg)
	return g.pipeline.MarkRead(ctx, identity(c), m.MessageID)
}

func (g *Gateway) handleAckDelivered(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.MessageRefMsg)
	if m.MessageID == "" {
		return apperr.InvalidArgument("messageId is required")
	}
	return g.pipeline.Acknowledge(ctx, identity(c), m.MessageID)
}

func (g *Gateway) handleMarkChatRead(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ChatRefMsg)
	_, err := g.pipeline.MarkChatRead(ctx, identity(c), m.ChatID)
	return err
}

func (g *Gateway) handleReact(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.ReactMsg)
	var err error
	if m.Type == protocol.TypeUnreact {
		_, err = g.pipeline.Unreact(ctx, identity(c), m.MessageID, m.Emoji)
	} else {
		_, err = g.pipeline.React(ctx, identity(c), m.MessageID, m.Emoji)
	}
	return err
}

func (g *Gateway) handleDelete(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteMessageMsg)
	scope, err := chat.ParseDeleteScope(m.Scope)
	if err != nil {
		return err
	}
	_, err = g.pipeline.Delete(ctx, identity(c), m.MessageID, scope)
	return err
}

func (g *Gateway) handleEdit(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.EditMessageMsg)
	_, err := g.pipeline.Edit(ctx, identity(c), m.MessageID, m.Content)
	return err
}

func (g *Gateway) handleReveal(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.MessageRefMsg)
	_, err := g.pipeline.Reveal(ctx, identity(c), m.MessageID)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func identity(c *ws.Connection) auth.Identity {
	return auth.Identity{UserID: c.UserID, DisplayName: c.DisplayName}
}

func (g *Gateway) send(c *ws.Connection, typ string, payload interface{}) {
	data, err := protocol.NewServerMessage(typ, payload)
	if err != nil {
		g.log.Errorw("encode frame failed", "type", typ, "error", err)
		return
	}
	if err := g.transport.Send(c, data); err != nil {
		g.log.Debugw("send failed", "type", typ, "conn", c.ID, "error", err)
	}
}
