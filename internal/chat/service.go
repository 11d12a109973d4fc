// Package chat is the conversation store: it owns every rule about who may
// write to a chat and how messages read back. Broadcasting the results is
// the delivery package's job.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	previewRunes = 80
)

// DeleteScope selects between delete-for-everyone and delete-for-me.
type DeleteScope string

const (
	ScopeEveryone DeleteScope = "everyone"
	ScopeMe       DeleteScope = "me"
)

// ParseDeleteScope validates a scope; empty means everyone.
func ParseDeleteScope(s string) (DeleteScope, error) {
	switch d := DeleteScope(s); d {
	case "":
		return ScopeEveryone, nil
	case ScopeEveryone, ScopeMe:
		return d, nil
	default:
		return "", apperr.InvalidArgument("unknown delete scope %q", s)
	}
}

// Store is the persistence the conversation service needs.
type Store interface {
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListChats(ctx context.Context, userID string) ([]*model.Chat, error)

	AppendMessage(ctx context.Context, msg *model.Message) (*model.Chat, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error)
	ListMessages(ctx context.Context, chatID string, beforeSeq int64, limit int) ([]*model.Message, error)
	AddReceipt(ctx context.Context, messageID string, kind model.ReceiptKind, userID string, at time.Time) (bool, error)
	MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	MarkChatRead(ctx context.Context, chatID, userID string, at time.Time) ([]string, error)
	EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)
	HideFor(ctx context.Context, id, userID string) (bool, error)
	SetReaction(ctx context.Context, id, userID, emoji string, at time.Time) (*model.Message, error)
	RemoveReaction(ctx context.Context, id, userID, emoji string) (bool, error)
	Reveal(ctx context.Context, id string, at time.Time) (bool, error)
}

// BlockChecker answers whether two users are in a block relation.
type BlockChecker interface {
	EitherBlocks(ctx context.Context, a, b string) (bool, error)
}

// Service applies conversation rules on top of a Store.
type Service struct {
	store  Store
	blocks BlockChecker
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewService creates a conversation service.
func NewService(s Store, blocks BlockChecker, log *zap.SugaredLogger) *Service {
	return &Service{store: s, blocks: blocks, log: logging.OrNop(log), now: time.Now}
}

// SendInput is a new message as submitted by its sender.
type SendInput struct {
	ChatID   string          `json:"chatId"`
	SenderID string          `json:"-"`
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	MediaURL string          `json:"mediaUrl"`
	ReplyTo  string          `json:"replyTo"`
	Metadata json.RawMessage `json:"metadata"`
}

// Send persists a message. Nothing is written unless the chat exists and is
// active, the sender belongs to it, neither side blocks the other and the
// content is valid.
func (s *Service) Send(ctx context.Context, in SendInput) (*model.Message, *model.Chat, error) {
	if in.ChatID == "" {
		return nil, nil, apperr.InvalidArgument("chat id is required")
	}
	c, err := s.Participant(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return nil, nil, err
	}
	if !c.IsActive {
		return nil, nil, apperr.Forbidden("chat is no longer active")
	}
	receiver := c.Other(in.SenderID)

	blocked, err := s.blocks.EitherBlocks(ctx, in.SenderID, receiver)
	if err != nil {
		return nil, nil, fmt.Errorf("chat: block check: %w", err)
	}
	if blocked {
		return nil, nil, apperr.Forbidden("messaging this user is blocked")
	}

	t, err := model.ParseMessageType(in.Type)
	if err != nil {
		return nil, nil, apperr.InvalidArgument("%v", err)
	}
	if err := ValidateContent(t, in.Content, in.MediaURL); err != nil {
		return nil, nil, apperr.InvalidArgument("%v", err)
	}
	meta, err := model.DecodeMetadata(t, in.Metadata)
	if err != nil {
		return nil, nil, apperr.InvalidArgument("%v", err)
	}
	if in.ReplyTo != "" {
		target, err := s.store.GetMessage(ctx, in.ReplyTo)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, fmt.Errorf("chat: reply target: %w", err)
		}
		if err != nil || target.ChatID != c.ID {
			return nil, nil, apperr.InvalidArgument("reply target is not in this chat")
		}
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		ChatID:     c.ID,
		SenderID:   in.SenderID,
		ReceiverID: receiver,
		Type:       t,
		Content:    in.Content,
		MediaURL:   in.MediaURL,
		Metadata:   meta,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  s.now().UTC(),
	}
	updated, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("chat: append: %w", err)
	}
	return msg, updated, nil
}

// Participant loads a chat and checks that userID belongs to it.
func (s *Service) Participant(ctx context.Context, chatID, userID string) (*model.Chat, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if !c.IsParticipant(userID) {
		return nil, apperr.Forbidden("not a participant of this chat")
	}
	return c, nil
}

// member loads a message and checks that userID is its sender or receiver.
func (s *Service) member(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return nil, apperr.Forbidden("not a participant of this chat")
	}
	return msg, nil
}

// Message returns a message its sender or receiver may see.
func (s *Service) Message(ctx context.Context, viewerID, messageID string) (*model.Message, error) {
	return s.visible(ctx, messageID, viewerID)
}

// visible is member plus the read-time visibility predicate.
func (s *Service) visible(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := s.member(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if !msg.VisibleTo(userID) {
		return nil, apperr.NotFound("message %s", messageID)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Receipts
// ---------------------------------------------------------------------------

// MarkDelivered records that recipient's device received the message.
func (s *Service) MarkDelivered(ctx context.Context, recipientID, messageID string) (bool, error) {
	msg, err := s.member(ctx, messageID, recipientID)
	if err != nil {
		return false, err
	}
	if msg.ReceiverID != recipientID {
		return false, apperr.Forbidden("only the receiver acknowledges delivery")
	}
	changed, err := s.store.AddReceipt(ctx, messageID, model.ReceiptDelivered, recipientID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("chat: mark delivered: %w", err)
	}
	return changed, nil
}

// MarkRead records an explicit read of one message by its receiver.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (*model.Message, bool, error) {
	msg, err := s.member(ctx, messageID, readerID)
	if err != nil {
		return nil, false, err
	}
	if msg.ReceiverID != readerID {
		return nil, false, apperr.Forbidden("only the receiver marks a message read")
	}
	changed, err := s.store.MarkMessageRead(ctx, messageID, readerID, s.now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("chat: mark read: %w", err)
	}
	return msg, changed, nil
}

// MarkChatRead zeroes userID's unread counter and reads every message
// addressed to them. Calling it twice changes nothing the second time.
func (s *Service) MarkChatRead(ctx context.Context, userID, chatID string) (*model.Chat, []string, error) {
	c, err := s.Participant(ctx, chatID, userID)
	if err != nil {
		return nil, nil, err
	}
	ids, err := s.store.MarkChatRead(ctx, chatID, userID, s.now().UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("chat: mark chat read: %w", err)
	}
	return c, ids, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Edit replaces the content of a text message. Only the sender may edit and
// a deleted message no longer exists for editing.
func (s *Service) Edit(ctx context.Context, actorID, messageID, content string) (*model.Message, error) {
	msg, err := s.member(ctx, messageID, actorID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, apperr.NotFound("message %s", messageID)
	}
	if msg.SenderID != actorID {
		return nil, apperr.Forbidden("only the sender may edit a message")
	}
	if msg.Type != model.TypeText {
		return nil, apperr.InvalidArgument("only text messages can be edited")
	}
	if err := ValidateMessage(content); err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}
	edited, err := s.store.EditMessage(ctx, messageID, content, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chat: edit: %w", err)
	}
	return edited, nil
}

// Delete removes a message for everyone (sender only) or hides it for the
// actor. It reports false when the message was already in that state.
func (s *Service) Delete(ctx context.Context, actorID, messageID string, scope DeleteScope) (*model.Message, bool, error) {
	msg, err := s.member(ctx, messageID, actorID)
	if err != nil {
		return nil, false, err
	}

	var changed bool
	switch scope {
	case ScopeEveryone:
		if msg.SenderID != actorID {
			return nil, false, apperr.Forbidden("only the sender may delete for everyone")
		}
		changed, err = s.store.SoftDelete(ctx, messageID, s.now().UTC())
	case ScopeMe:
		changed, err = s.store.HideFor(ctx, messageID, actorID)
	default:
		return nil, false, apperr.InvalidArgument("unknown delete scope %q", scope)
	}
	if err != nil {
		return nil, false, fmt.Errorf("chat: delete: %w", err)
	}
	return msg, changed, nil
}

// React sets actorID's reaction, replacing any earlier one.
func (s *Service) React(ctx context.Context, actorID, messageID, emoji string) (*model.Message, error) {
	if !model.ValidReaction(emoji) {
		return nil, apperr.InvalidArgument("reaction %q is not allowed", emoji)
	}
	if _, err := s.visible(ctx, messageID, actorID); err != nil {
		return nil, err
	}
	msg, err := s.store.SetReaction(ctx, messageID, actorID, emoji, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chat: react: %w", err)
	}
	return msg, nil
}

// Unreact removes actorID's emoji reaction if present.
func (s *Service) Unreact(ctx context.Context, actorID, messageID, emoji string) (*model.Message, bool, error) {
	if !model.ValidReaction(emoji) {
		return nil, false, apperr.InvalidArgument("reaction %q is not allowed", emoji)
	}
	msg, err := s.visible(ctx, messageID, actorID)
	if err != nil {
		return nil, false, err
	}
	changed, err := s.store.RemoveReaction(ctx, messageID, actorID, emoji)
	if err != nil {
		return nil, false, fmt.Errorf("chat: unreact: %w", err)
	}
	if changed {
		msg.RemoveReaction(actorID, emoji)
	}
	return msg, changed, nil
}

// Reveal uncovers a surprise message. Only its receiver may reveal it and
// revealing cannot be undone.
func (s *Service) Reveal(ctx context.Context, actorID, messageID string) (*model.Message, bool, error) {
	msg, err := s.visible(ctx, messageID, actorID)
	if err != nil {
		return nil, false, err
	}
	if msg.Type != model.TypeSurprise {
		return nil, false, apperr.InvalidArgument("message is not a surprise")
	}
	if msg.ReceiverID != actorID {
		return nil, false, apperr.Forbidden("only the receiver may reveal a surprise")
	}
	at := s.now().UTC()
	changed, err := s.store.Reveal(ctx, messageID, at)
	if err != nil {
		return nil, false, fmt.Errorf("chat: reveal: %w", err)
	}
	if changed {
		msg.Revealed = true
		msg.RevealedAt = &at
	}
	return msg, changed, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// ReplyPreview is the resolved target of a reply.
type ReplyPreview struct {
	ID       string            `json:"id"`
	SenderID string            `json:"senderId,omitempty"`
	Type     model.MessageType `json:"type,omitempty"`
	Content  string            `json:"content,omitempty"`
	Deleted  bool              `json:"deleted"`
}

// MessageView is a message as one viewer sees it.
type MessageView struct {
	*model.Message
	// Status is the counterpart's delivery state for the viewer's own
	// messages and the viewer's own state otherwise.
	Status model.DeliveryState `json:"status"`
	Reply  *ReplyPreview       `json:"reply,omitempty"`
}

// ChatSummary is one row of a user's chat list.
type ChatSummary struct {
	*model.Chat
	With        string       `json:"with"`
	UnreadCount int          `json:"unreadCount"`
	LastMessage *MessageView `json:"lastMessage,omitempty"`
}

// ListMessages returns a page of viewer's chat, oldest first, with deleted
// and hidden messages left out.
func (s *Service) ListMessages(ctx context.Context, viewerID, chatID string, beforeSeq int64, limit int) ([]MessageView, error) {
	if _, err := s.Participant(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	msgs, err := s.store.ListMessages(ctx, chatID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	replies, err := s.ReplyTargets(ctx, msgs)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		if !m.VisibleTo(viewerID) {
			continue
		}
		views = append(views, View(m, viewerID, replies))
	}
	return views, nil
}

// ReplyTargets loads the messages that msgs reply to, keyed by id.
func (s *Service) ReplyTargets(ctx context.Context, msgs []*model.Message) (map[string]*model.Message, error) {
	var ids []string
	for _, m := range msgs {
		if m.ReplyTo != "" {
			ids = append(ids, m.ReplyTo)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	out, err := s.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("chat: reply targets: %w", err)
	}
	return out, nil
}

// View renders m for viewerID. replies holds resolved reply targets by id;
// a missing or invisible target renders as deleted.
func View(m *model.Message, viewerID string, replies map[string]*model.Message) MessageView {
	v := MessageView{Message: withhold(m, viewerID)}
	if viewerID == m.SenderID {
		v.Status = m.DeliveryState(m.ReceiverID)
	} else {
		v.Status = m.DeliveryState(viewerID)
	}
	if m.ReplyTo != "" {
		v.Reply = &ReplyPreview{ID: m.ReplyTo, Deleted: true}
		if target, ok := replies[m.ReplyTo]; ok && target.VisibleTo(viewerID) {
			target = withhold(target, viewerID)
			v.Reply = &ReplyPreview{
				ID:       target.ID,
				SenderID: target.SenderID,
				Type:     target.Type,
				Content:  truncate(target.Content, previewRunes),
			}
		}
	}
	return v
}

// withhold hides unrevealed surprise content from everyone but its sender.
func withhold(m *model.Message, viewerID string) *model.Message {
	if m.Type != model.TypeSurprise || m.Revealed || viewerID == m.SenderID {
		return m
	}
	cp := m.Clone()
	cp.Content = ""
	cp.MediaURL = ""
	return cp
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

// ListChats returns userID's active chats, most recent activity first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	chats, err := s.store.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list chats: %w", err)
	}

	var lastIDs []string
	for _, c := range chats {
		if c.LastMessageID != "" {
			lastIDs = append(lastIDs, c.LastMessageID)
		}
	}
	var last map[string]*model.Message
	if len(lastIDs) > 0 {
		if last, err = s.store.GetMessages(ctx, lastIDs); err != nil {
			return nil, fmt.Errorf("chat: last messages: %w", err)
		}
	}

	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		sum := ChatSummary{Chat: c, With: c.Other(userID), UnreadCount: c.UnreadFor(userID)}
		if m, ok := last[c.LastMessageID]; ok && m.VisibleTo(userID) {
			v := View(m, userID, nil)
			v.Reply = nil
			sum.LastMessage = &v
		}
		out = append(out, sum)
	}
	return out, nil
}
