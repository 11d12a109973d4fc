package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage. A returned error is sent
// back to the client as an error event.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// Sender writes a frame to one connection. *Server implements it.
type Sender interface {
	Send(conn *Connection, data []byte) error
}

// defaultHandlerTimeout bounds the work done for one inbound frame.
const defaultHandlerTimeout = 10 * time.Second

// MessageDispatcher routes inbound frames to registered handlers by type.
// Application pings are answered internally; malformed frames, unknown
// types and handler failures produce error events.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	timeout  time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewMessageDispatcher creates a dispatcher that replies through sender.
// sender may be nil and set later with SetSender, since the server needs
// Dispatch as its callback.
func NewMessageDispatcher(sender Sender, log *zap.SugaredLogger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		timeout:  defaultHandlerTimeout,
		log:      logging.OrNop(log).Named("dispatch"),
		now:      time.Now,
	}
}

// SetSender assigns the reply path.
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a MessageHandler with a message type, replacing any
// earlier registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debugw("parse error", "conn", conn.ID, "error", err)
		d.reply(conn, protocol.NewErrorMessage("parse_error", "invalid message format", msgType, ""))
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debugw("unsupported message type", "type", msgType, "conn", conn.ID)
		d.reply(conn, protocol.NewErrorMessage("unsupported_type", "unsupported message type", msgType, ""))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := handler(ctx, conn, msg); err != nil {
		code := apperr.Code(err)
		if code == apperr.CodeInternal || code == apperr.CodeTransient {
			d.log.Errorw("handler failed", "type", msgType, "conn", conn.ID, "user", conn.UserID, "error", err)
		}
		d.reply(conn, protocol.NewErrorMessage(code, apperr.Message(err), msgType, clientID(msg)))
	}
}

func clientID(msg interface{}) string {
	if m, ok := msg.(protocol.SendMessageMsg); ok {
		return m.ClientID
	}
	return ""
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{At: d.now().UnixMilli()})
	if err != nil {
		d.log.Errorw("failed to build pong", "conn", conn.ID, "error", err)
		return
	}
	d.reply(conn, data)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if d.sender == nil {
		return
	}
	if err := d.sender.Send(conn, data); err != nil {
		d.log.Debugw("reply failed", "conn", conn.ID, "error", err)
	}
}
