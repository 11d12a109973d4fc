// Package protocol defines the WebSocket frames exchanged between clients and
// the gateway. Every frame is a JSON object whose "type" field names the
// action (client to server) or event (server to client).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberapp/matchcore/internal/model"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server actions.
const (
	TypeJoinChat       = "join-chat"
	TypeLeaveChat      = "leave-chat"
	TypeSendMessage    = "send-message"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypeMarkRead       = "mark-read"
	TypeAckDelivered   = "ack-delivered"
	TypeMarkChatRead   = "mark-chat-read"
	TypeReact          = "react"
	TypeUnreact        = "unreact"
	TypeDeleteMessage  = "delete-message"
	TypeEditMessage    = "edit-message"
	TypeRevealSurprise = "reveal-surprise"
	TypePing           = "ping"
)

// Server -> Client events.
const (
	TypeConnected         = "connected"
	TypeChatJoined        = "chat-joined"
	TypeNewMessage        = "new-message"
	TypeMessageDelivered  = "message-delivered"
	TypeReadReceipt       = "message-read-receipt"
	TypeMessageReaction   = "message-reaction"
	TypeMessageDeleted    = "message-deleted"
	TypeMessageEdited     = "message-edited"
	TypeSurpriseRevealed  = "surprise-revealed"
	TypeUserTyping        = "user-typing"
	TypeUserStoppedTyping = "user-stopped-typing"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON for deferred parsing into a
// concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full frame and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatRefMsg is any action that only names a chat: join-chat, leave-chat,
// typing-start, typing-stop and mark-chat-read.
type ChatRefMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// SendMessageMsg submits a new message.
type SendMessageMsg struct {
	Type     string          `json:"type"`
	ChatID   string          `json:"chatId"`
	Content  string          `json:"content"`
	MsgType  string          `json:"messageType"`
	MediaURL string          `json:"mediaUrl"`
	ReplyTo  string          `json:"replyTo"`
	Metadata json.RawMessage `json:"metadata"`
	// ClientID is echoed back in errors so the client can match a failed send.
	ClientID string `json:"clientId"`
}

// MessageRefMsg is any action on one message: mark-read, ack-delivered and
// reveal-surprise.
type MessageRefMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// ReactMsg sets or removes a reaction.
type ReactMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Emoji     string `json:"emoji"`
}

// DeleteMessageMsg deletes a message for everyone or hides it for the sender
// of the frame.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Scope     string `json:"scope"`
}

// EditMessageMsg replaces the content of a text message.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Sender is the denormalized identity attached to events so clients need no
// extra profile fetch.
type Sender struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

// ConnectedMsg confirms an authenticated connection.
type ConnectedMsg struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// ChatJoinedMsg confirms a join-chat.
type ChatJoinedMsg struct {
	ChatID string `json:"chatId"`
}

// NewMessageMsg carries a freshly persisted message.
type NewMessageMsg struct {
	Message any    `json:"message"`
	Sender  Sender `json:"sender"`
}

// MessageDeliveredMsg tells a sender that the receiver's device got the
// message.
type MessageDeliveredMsg struct {
	MessageID   string    `json:"messageId"`
	ChatID      string    `json:"chatId"`
	RecipientID string    `json:"recipientId"`
	At          time.Time `json:"at"`
}

// ReadReceiptMsg reports messages read by ReaderID.
type ReadReceiptMsg struct {
	ChatID     string    `json:"chatId"`
	MessageIDs []string  `json:"messageIds"`
	ReaderID   string    `json:"readerId"`
	At         time.Time `json:"at"`
}

// ReactionMsg carries the reaction list after a react or unreact.
type ReactionMsg struct {
	MessageID string           `json:"messageId"`
	ChatID    string           `json:"chatId"`
	UserID    string           `json:"userId"`
	Emoji     string           `json:"emoji"`
	Removed   bool             `json:"removed"`
	Reactions []model.Reaction `json:"reactions"`
	Sender    Sender           `json:"sender"`
}

// MessageDeletedMsg reports a delete for everyone, or a delete for me to the
// requester's own devices.
type MessageDeletedMsg struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Scope     string `json:"scope"`
	DeletedBy string `json:"deletedBy"`
}

// MessageEditedMsg carries the new content of an edited message.
type MessageEditedMsg struct {
	MessageID string     `json:"messageId"`
	ChatID    string     `json:"chatId"`
	Content   string     `json:"content"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	Sender    Sender     `json:"sender"`
}

// SurpriseRevealedMsg carries the uncovered content of a surprise message.
type SurpriseRevealedMsg struct {
	MessageID  string     `json:"messageId"`
	ChatID     string     `json:"chatId"`
	Content    string     `json:"content"`
	MediaURL   string     `json:"mediaUrl,omitempty"`
	RevealedAt *time.Time `json:"revealedAt,omitempty"`
	RevealedBy Sender     `json:"revealedBy"`
}

// TypingMsg relays a typing indicator to the chat group.
type TypingMsg struct {
	ChatID string `json:"chatId"`
	User   Sender `json:"user"`
}

// ErrorMsg reports a rejected action.
type ErrorMsg struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Action   string `json:"action,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	At int64 `json:"at"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw frame into a typed client message. It
// returns the action type, the decoded struct and any error. Unknown and
// server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat, TypeLeaveChat, TypeTypingStart, TypeTypingStop, TypeMarkChatRead:
		var m ChatRefMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead, TypeAckDelivered, TypeRevealSurprise:
		var m MessageRefMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReact, TypeUnreact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a JSON object and sets its "type" key
// to msgType. payload must marshal to a JSON object (or be nil).
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage encodes an error event. It never fails.
func NewErrorMessage(code, message, action, clientID string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message, Action: action, ClientID: clientID})
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"internal error"}`)
	}
	return data
}
