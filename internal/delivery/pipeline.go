// Package delivery turns conversation writes into broadcast events and drives
// the per-recipient sent, delivered and read states. Every broadcast is fire
// and forget: the persisted message is the source of truth and the events
// only tell connected clients to refresh.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/notify"
	"github.com/emberapp/matchcore/internal/presence"
	"github.com/emberapp/matchcore/internal/protocol"
)

const notifyPreviewRunes = 100

// Users resolves profile fields shown next to events.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Pipeline wraps the conversation service with broadcasting.
type Pipeline struct {
	conv     *chat.Service
	bus      Bus
	presence presence.Tracker
	users    Users
	notifier notify.Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewPipeline creates a delivery pipeline. notifier may be nil.
func NewPipeline(conv *chat.Service, bus Bus, tracker presence.Tracker, users Users, notifier notify.Notifier, log *zap.SugaredLogger) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pipeline{
		conv:     conv,
		bus:      bus,
		presence: tracker,
		users:    users,
		notifier: notifier,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// Conversation exposes the wrapped service for reads.
func (p *Pipeline) Conversation() *chat.Service {
	return p.conv
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage persists a message, pushes it to the receiver and the chat
// group, and marks it delivered when the receiver has a live connection.
// The sender's own devices get the sender's view through their personal
// group and are skipped in the chat group.
func (p *Pipeline) SendMessage(ctx context.Context, actor auth.Identity, in chat.SendInput) (*model.Message, error) {
	in.SenderID = actor.UserID
	msg, _, err := p.conv.Send(ctx, in)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	sender := p.sender(ctx, actor)
	targets := p.replyTargets(ctx, msg)
	received := protocol.NewMessageMsg{Message: chat.View(msg, msg.ReceiverID, targets), Sender: sender}
	p.emit(ctx, protocol.TypeNewMessage, received, UserGroup(msg.ReceiverID))
	p.emitExcept(ctx, protocol.TypeNewMessage, received, msg.SenderID, ChatGroup(msg.ChatID))
	p.emit(ctx, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: chat.View(msg, msg.SenderID, targets),
		Sender:  sender,
	}, UserGroup(msg.SenderID))

	online, err := p.presence.IsOnline(ctx, msg.ReceiverID)
	if err != nil {
		p.log.Warnw("presence lookup failed", "user_id", msg.ReceiverID, "error", err)
	}
	if online {
		p.markDelivered(ctx, msg)
	}

	body := msg.Content
	if msg.Type == model.TypeSurprise {
		body = "sent you a surprise"
	} else if msg.Type.HasMedia() && body == "" {
		body = fmt.Sprintf("sent a %s", msg.Type)
	}
	if err := p.notifier.Notify(ctx, notify.Notification{
		UserID:  msg.ReceiverID,
		Kind:    notify.KindMessage,
		ActorID: actor.UserID,
		RefID:   msg.ChatID,
		Title:   sender.Name,
		Body:    truncate(body, notifyPreviewRunes),
	}); err != nil {
		p.log.Warnw("message notification failed", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// replyTargets loads the message msg replies to, for the preview carried in
// each participant's view. Surprise content stays withheld in the
// receiver's view.
func (p *Pipeline) replyTargets(ctx context.Context, msg *model.Message) map[string]*model.Message {
	if msg.ReplyTo == "" {
		return nil
	}
	targets, err := p.conv.ReplyTargets(ctx, []*model.Message{msg})
	if err != nil {
		p.log.Warnw("reply preview lookup failed", "message_id", msg.ID, "error", err)
	}
	return targets
}

// markDelivered appends the delivered receipt and confirms it to the sender.
// A failure here leaves the message in the sent state for the client to
// reconcile on its next fetch.
func (p *Pipeline) markDelivered(ctx context.Context, msg *model.Message) {
	changed, err := p.conv.MarkDelivered(ctx, msg.ReceiverID, msg.ID)
	if err != nil {
		p.log.Warnw("mark delivered failed", "message_id", msg.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	p.emit(ctx, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		MessageID:   msg.ID,
		ChatID:      msg.ChatID,
		RecipientID: msg.ReceiverID,
		At:          p.now().UTC(),
	}, UserGroup(msg.SenderID))
}

// Acknowledge records a delivery reported by the receiver's client, for
// messages that arrived while no connection was live.
func (p *Pipeline) Acknowledge(ctx context.Context, actor auth.Identity, messageID string) error {
	changed, err := p.conv.MarkDelivered(ctx, actor.UserID, messageID)
	if err != nil || !changed {
		return err
	}
	msg, err := p.conv.Message(ctx, actor.UserID, messageID)
	if err != nil {
		return err
	}
	p.emit(ctx, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		MessageID:   msg.ID,
		ChatID:      msg.ChatID,
		RecipientID: actor.UserID,
		At:          p.now().UTC(),
	}, UserGroup(msg.SenderID))
	return nil
}

// MarkRead records an explicit read of one message.
func (p *Pipeline) MarkRead(ctx context.Context, actor auth.Identity, messageID string) error {
	msg, changed, err := p.conv.MarkRead(ctx, actor.UserID, messageID)
	if err != nil || !changed {
		return err
	}
	p.emit(ctx, protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
		ChatID:     msg.ChatID,
		MessageIDs: []string{msg.ID},
		ReaderID:   actor.UserID,
		At:         p.now().UTC(),
	}, UserGroup(msg.SenderID), UserGroup(msg.ReceiverID))
	return nil
}

// MarkChatRead reads every message addressed to the actor in a chat and
// reports the ones that changed.
func (p *Pipeline) MarkChatRead(ctx context.Context, actor auth.Identity, chatID string) ([]string, error) {
	c, ids, err := p.conv.MarkChatRead(ctx, actor.UserID, chatID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	p.emit(ctx, protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
		ChatID:     chatID,
		MessageIDs: ids,
		ReaderID:   actor.UserID,
		At:         p.now().UTC(),
	}, participantGroups(c)...)
	return ids, nil
}

// Edit changes a text message and pushes the new content.
func (p *Pipeline) Edit(ctx context.Context, actor auth.Identity, messageID, content string) (*model.Message, error) {
	msg, err := p.conv.Edit(ctx, actor.UserID, messageID, content)
	if err != nil {
		return nil, err
	}
	p.emit(ctx, protocol.TypeMessageEdited, protocol.MessageEditedMsg{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		EditedAt:  msg.EditedAt,
		Sender:    p.sender(ctx, actor),
	}, messageGroups(msg)...)
	return msg, nil
}

// Delete removes a message for everyone or hides it for the actor. A delete
// for me is only announced to the actor's own devices.
func (p *Pipeline) Delete(ctx context.Context, actor auth.Identity, messageID string, scope chat.DeleteScope) (bool, error) {
	msg, changed, err := p.conv.Delete(ctx, actor.UserID, messageID, scope)
	if err != nil || !changed {
		return changed, err
	}
	groups := messageGroups(msg)
	if scope == chat.ScopeMe {
		groups = []string{UserGroup(actor.UserID)}
	}
	p.emit(ctx, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Scope:     string(scope),
		DeletedBy: actor.UserID,
	}, groups...)
	return true, nil
}

// React sets the actor's reaction.
func (p *Pipeline) React(ctx context.Context, actor auth.Identity, messageID, emoji string) (*model.Message, error) {
	msg, err := p.conv.React(ctx, actor.UserID, messageID, emoji)
	if err != nil {
		return nil, err
	}
	p.emitReaction(ctx, actor, msg, emoji, false)
	return msg, nil
}

// Unreact removes the actor's reaction if present.
func (p *Pipeline) Unreact(ctx context.Context, actor auth.Identity, messageID, emoji string) (*model.Message, error) {
	msg, changed, err := p.conv.Unreact(ctx, actor.UserID, messageID, emoji)
	if err != nil {
		return nil, err
	}
	if changed {
		p.emitReaction(ctx, actor, msg, emoji, true)
	}
	return msg, nil
}

func (p *Pipeline) emitReaction(ctx context.Context, actor auth.Identity, msg *model.Message, emoji string, removed bool) {
	p.emit(ctx, protocol.TypeMessageReaction, protocol.ReactionMsg{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		UserID:    actor.UserID,
		Emoji:     emoji,
		Removed:   removed,
		Reactions: msg.Reactions,
		Sender:    p.sender(ctx, actor),
	}, messageGroups(msg)...)
}

// Reveal uncovers a surprise message for both participants.
func (p *Pipeline) Reveal(ctx context.Context, actor auth.Identity, messageID string) (*model.Message, error) {
	msg, changed, err := p.conv.Reveal(ctx, actor.UserID, messageID)
	if err != nil {
		return nil, err
	}
	if changed {
		p.emit(ctx, protocol.TypeSurpriseRevealed, protocol.SurpriseRevealedMsg{
			MessageID:  msg.ID,
			ChatID:     msg.ChatID,
			Content:    msg.Content,
			MediaURL:   msg.MediaURL,
			RevealedAt: msg.RevealedAt,
			RevealedBy: p.sender(ctx, actor),
		}, messageGroups(msg)...)
	}
	return msg, nil
}

// Typing relays a typing indicator to the chat group. Nothing is persisted.
func (p *Pipeline) Typing(ctx context.Context, actor auth.Identity, chatID string, typing bool) error {
	if _, err := p.conv.Participant(ctx, chatID, actor.UserID); err != nil {
		return err
	}
	typ := protocol.TypeUserStoppedTyping
	if typing {
		typ = protocol.TypeUserTyping
	}
	p.emit(ctx, typ, protocol.TypingMsg{
		ChatID: chatID,
		User:   protocol.Sender{ID: actor.UserID, Name: actor.DisplayName},
	}, ChatGroup(chatID))
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *Pipeline) emit(ctx context.Context, typ string, payload interface{}, groups ...string) {
	p.emitExcept(ctx, typ, payload, "", groups...)
}

// emitExcept publishes to groups, skipping the connections of excludeUser.
func (p *Pipeline) emitExcept(ctx context.Context, typ string, payload interface{}, excludeUser string, groups ...string) {
	data, err := protocol.NewServerMessage(typ, payload)
	if err != nil {
		p.log.Errorw("encode event failed", "type", typ, "error", err)
		return
	}
	for _, g := range groups {
		if err := p.bus.Publish(ctx, Event{Group: g, Type: typ, Data: data, ExcludeUser: excludeUser}); err != nil {
			p.log.Warnw("publish event failed", "type", typ, "group", g, "error", err)
			continue
		}
		metrics.DeliveryEventsTotal.WithLabelValues(typ).Inc()
	}
}

// sender builds the denormalized identity for event payloads. The display
// name comes from the authenticated identity; the photo is best effort.
func (p *Pipeline) sender(ctx context.Context, actor auth.Identity) protocol.Sender {
	s := protocol.Sender{ID: actor.UserID, Name: actor.DisplayName}
	if p.users == nil {
		return s
	}
	u, err := p.users.GetUser(ctx, actor.UserID)
	if err != nil {
		p.log.Debugw("sender profile lookup failed", "user_id", actor.UserID, "error", err)
		return s
	}
	if s.Name == "" {
		s.Name = u.Name
	}
	s.Photo = u.PrimaryPhoto
	return s
}

func messageGroups(m *model.Message) []string {
	return []string{UserGroup(m.SenderID), UserGroup(m.ReceiverID)}
}

func participantGroups(c *model.Chat) []string {
	groups := make([]string, 0, len(c.Participants))
	for _, id := range c.Participants {
		groups = append(groups, UserGroup(id))
	}
	return groups
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
