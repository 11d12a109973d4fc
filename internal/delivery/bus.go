package delivery

import (
	"context"
	"encoding/json"
	"sync"
)

// Group prefixes. A user's personal group reaches every device they have
// connected; a chat group reaches connections that joined that chat.
const (
	userGroupPrefix = "user:"
	chatGroupPrefix = "chat:"
)

// UserGroup returns the personal broadcast group of userID.
func UserGroup(userID string) string { return userGroupPrefix + userID }

// ChatGroup returns the broadcast group of chatID.
func ChatGroup(chatID string) string { return chatGroupPrefix + chatID }

// Event is one outbound frame addressed to a group. Data is the encoded
// server frame, ready to write to a socket. Connections of ExcludeUser in
// the group are skipped.
type Event struct {
	Group       string          `json:"group"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
}

// Bus carries events from the pipeline to whichever gateway holds the
// group's connections.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

// LocalBus delivers events synchronously to in-process subscribers. It serves
// single-instance deployments and tests.
type LocalBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewLocalBus returns a bus with no subscribers.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Subscribe registers fn for every published event.
func (b *LocalBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}
