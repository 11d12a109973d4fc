package model

import (
	"fmt"
	"slices"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVoice    MessageType = "voice"
	TypeFile     MessageType = "file"
	TypeGif      MessageType = "gif"
	TypeSurprise MessageType = "surprise"
)

// ParseMessageType validates a type; empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case "":
		return TypeText, nil
	case TypeText, TypeImage, TypeVoice, TypeFile, TypeGif, TypeSurprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown message type %q", s)
	}
}

// HasMedia reports whether the type is carried by a media reference.
func (t MessageType) HasMedia() bool {
	switch t {
	case TypeImage, TypeVoice, TypeFile, TypeGif:
		return true
	}
	return false
}

// AllowedReactions is the fixed reaction set.
var AllowedReactions = []string{"❤️", "😂", "😮", "😢", "😡", "👍"}

// ValidReaction reports whether emoji is in AllowedReactions.
func ValidReaction(emoji string) bool {
	return slices.Contains(AllowedReactions, emoji)
}

// Receipt is one (user, timestamp) entry of delivery or read evidence.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// ReceiptKind selects which evidence list a receipt goes to.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Reaction is a single user's emoji on a message.
type Reaction struct {
	UserID string    `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

// DeliveryState is the per-recipient display state.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// Rank orders states so they can only move forward.
func (s DeliveryState) Rank() int {
	switch s {
	case StateRead:
		return 2
	case StateDelivered:
		return 1
	default:
		return 0
	}
}

// Message belongs to one chat. ReadBy and DeliveredTo are append-only and
// hold at most one entry per user.
type Message struct {
	ID              string      `json:"id"`
	ChatID          string      `json:"chatId"`
	SenderID        string      `json:"senderId"`
	ReceiverID      string      `json:"receiverId"`
	Seq             int64       `json:"seq"`
	Type            MessageType `json:"type"`
	Content         string      `json:"content,omitempty"`
	MediaURL        string      `json:"mediaUrl,omitempty"`
	Metadata        Metadata    `json:"metadata,omitempty"`
	ReadBy          []Receipt   `json:"readBy"`
	DeliveredTo     []Receipt   `json:"deliveredTo"`
	Reactions       []Reaction  `json:"reactions"`
	Deleted         bool        `json:"deleted"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty"`
	HiddenFor       []string    `json:"-"`
	Edited          bool        `json:"edited"`
	EditedAt        *time.Time  `json:"editedAt,omitempty"`
	OriginalContent *string     `json:"-"`
	ReplyTo         string      `json:"replyTo,omitempty"`
	Revealed        bool        `json:"revealed"`
	RevealedAt      *time.Time  `json:"revealedAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// VisibleTo is the read-time visibility predicate. Deletion never mutates
// stored content.
func (m *Message) VisibleTo(userID string) bool {
	return !m.Deleted && !slices.Contains(m.HiddenFor, userID)
}

// HasReceipt reports whether userID already has an entry of kind.
func (m *Message) HasReceipt(kind ReceiptKind, userID string) bool {
	list := m.DeliveredTo
	if kind == ReceiptRead {
		list = m.ReadBy
	}
	return slices.ContainsFunc(list, func(r Receipt) bool { return r.UserID == userID })
}

// AddReceipt appends an entry for userID unless one exists. It reports
// whether the list changed.
func (m *Message) AddReceipt(kind ReceiptKind, userID string, at time.Time) bool {
	if m.HasReceipt(kind, userID) {
		return false
	}
	r := Receipt{UserID: userID, At: at}
	if kind == ReceiptRead {
		m.ReadBy = append(m.ReadBy, r)
	} else {
		m.DeliveredTo = append(m.DeliveredTo, r)
	}
	return true
}

// DeliveryState reduces the evidence lists for recipient to one state. Read
// wins over delivered regardless of the order the entries were appended in.
func (m *Message) DeliveryState(recipient string) DeliveryState {
	switch {
	case m.HasReceipt(ReceiptRead, recipient):
		return StateRead
	case m.HasReceipt(ReceiptDelivered, recipient):
		return StateDelivered
	default:
		return StateSent
	}
}

// SetReaction replaces userID's reaction, keeping one per user.
func (m *Message) SetReaction(userID, emoji string, at time.Time) {
	m.Reactions = slices.DeleteFunc(m.Reactions, func(r Reaction) bool { return r.UserID == userID })
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, At: at})
}

// RemoveReaction deletes the (userID, emoji) entry and reports whether it
// was present.
func (m *Message) RemoveReaction(userID, emoji string) bool {
	n := len(m.Reactions)
	m.Reactions = slices.DeleteFunc(m.Reactions, func(r Reaction) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
	return len(m.Reactions) != n
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	c.DeliveredTo = slices.Clone(m.DeliveredTo)
	c.Reactions = slices.Clone(m.Reactions)
	c.HiddenFor = slices.Clone(m.HiddenFor)
	if m.OriginalContent != nil {
		s := *m.OriginalContent
		c.OriginalContent = &s
	}
	return &c
}
