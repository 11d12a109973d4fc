// Package notify hands "create notification" requests to the external
// notification service. Every call is best effort: callers log failures and
// carry on, and nothing here can roll back a committed write.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the event a notification is about.
type Kind string

const (
	KindSuperlike Kind = "superlike"
	KindMatch     Kind = "match"
	KindMessage   Kind = "message"
)

var validKinds = map[Kind]bool{
	KindSuperlike: true,
	KindMatch:     true,
	KindMessage:   true,
}

// Notification is one request to notify UserID.
type Notification struct {
	UserID    string    `json:"userId"`
	Kind      Kind      `json:"kind"`
	ActorID   string    `json:"actorId,omitempty"`
	RefID     string    `json:"refId,omitempty"` // match, chat or message id
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the fields every sink relies on.
func (n Notification) Validate() error {
	if n.UserID == "" {
		return fmt.Errorf("notify: missing user id")
	}
	if !validKinds[n.Kind] {
		return fmt.Errorf("notify: invalid kind %q", n.Kind)
	}
	return nil
}

func (n Notification) encode() ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal: %w", err)
	}
	return data, nil
}

// Decode parses a notification published by one of the sinks.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("notify: unmarshal: %w", err)
	}
	return n, n.Validate()
}

// Notifier delivers notification requests.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
