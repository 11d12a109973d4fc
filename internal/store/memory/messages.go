package memory

import (
	"context"
	"slices"
	"time"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/model"
)

func (s *Store) AppendMessage(_ context.Context, msg *model.Message) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[msg.ChatID]
	if !ok {
		return nil, apperr.NotFound("chat %s", msg.ChatID)
	}
	if err := s.fault(FaultAppendMessage); err != nil {
		return nil, err
	}

	s.seq++
	msg.Seq = s.seq
	s.messages[msg.ID] = msg.Clone()
	s.chatMessages[msg.ChatID] = append(s.chatMessages[msg.ChatID], msg.ID)

	at := msg.CreatedAt
	c.LastMessageID = msg.ID
	c.LastMessageAt = &at
	if c.Unread == nil {
		c.Unread = make(map[string]int)
	}
	c.Unread[msg.ReceiverID]++
	return c.Clone(), nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s", id)
	}
	return m.Clone(), nil
}

func (s *Store) GetMessages(_ context.Context, ids []string) (map[string]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Message, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m.Clone()
		}
	}
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.chatMessages[chatID]

	// ids are in Seq order; walk backwards to take the newest page.
	var page []*model.Message
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.messages[ids[i]]
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		page = append(page, m.Clone())
		if limit > 0 && len(page) == limit {
			break
		}
	}
	slices.Reverse(page)
	return page, nil
}

func (s *Store) AddReceipt(_ context.Context, messageID string, kind model.ReceiptKind, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, apperr.NotFound("message %s", messageID)
	}
	return m.AddReceipt(kind, userID, at), nil
}

func (s *Store) MarkMessageRead(_ context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, apperr.NotFound("message %s", messageID)
	}
	if !m.AddReceipt(model.ReceiptRead, userID, at) {
		return false, nil
	}
	if c, ok := s.chats[m.ChatID]; ok && c.Unread[userID] > 0 {
		c.Unread[userID]--
	}
	return true, nil
}

func (s *Store) MarkChatRead(_ context.Context, chatID, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %s", chatID)
	}

	var changed []string
	for _, id := range s.chatMessages[chatID] {
		m := s.messages[id]
		if m.ReceiverID != userID {
			continue
		}
		if m.AddReceipt(model.ReceiptRead, userID, at) {
			changed = append(changed, id)
		}
	}
	if c.Unread == nil {
		c.Unread = make(map[string]int)
	}
	c.Unread[userID] = 0
	return changed, nil
}

func (s *Store) EditMessage(_ context.Context, id, content string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return nil, apperr.NotFound("message %s", id)
	}
	if !m.Edited {
		original := m.Content
		m.OriginalContent = &original
	}
	m.Content = content
	m.Edited = true
	m.EditedAt = &at
	return m.Clone(), nil
}

func (s *Store) SoftDelete(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, apperr.NotFound("message %s", id)
	}
	if m.Deleted {
		return false, nil
	}
	m.Deleted = true
	m.DeletedAt = &at
	return true, nil
}

func (s *Store) HideFor(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, apperr.NotFound("message %s", id)
	}
	if slices.Contains(m.HiddenFor, userID) {
		return false, nil
	}
	m.HiddenFor = append(m.HiddenFor, userID)
	return true, nil
}

func (s *Store) SetReaction(_ context.Context, id, userID, emoji string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s", id)
	}
	m.SetReaction(userID, emoji, at)
	return m.Clone(), nil
}

func (s *Store) RemoveReaction(_ context.Context, id, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, apperr.NotFound("message %s", id)
	}
	return m.RemoveReaction(userID, emoji), nil
}

func (s *Store) Reveal(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, apperr.NotFound("message %s", id)
	}
	if m.Revealed {
		return false, nil
	}
	m.Revealed = true
	m.RevealedAt = &at
	return true, nil
}
