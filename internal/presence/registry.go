// Package presence tracks how many live connections each user holds. A user
// is online while the count is above zero, so several devices can be
// connected at once.
package presence

import (
	"context"
	"sync"
)

// Tracker is the presence counter. Connect and Disconnect report the
// transitions that flip the user's visible online flag.
type Tracker interface {
	// Connect increments the count and reports whether it was the first.
	Connect(ctx context.Context, userID string) (first bool, err error)
	// Disconnect decrements the count and reports whether it reached zero.
	// Extra disconnects never drive the count negative.
	Disconnect(ctx context.Context, userID string) (last bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Refresh marks a still connected user as alive. Shared counters expire
	// without it.
	Refresh(ctx context.Context, userID string) error
}

// Registry is the process-wide counter map used by a single gateway.
type Registry struct {
	mu     sync.RWMutex
	counts map[string]int
}

var _ Tracker = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int)}
}

func (r *Registry) Connect(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[userID]++
	return r.counts[userID] == 1, nil
}

func (r *Registry) Disconnect(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(r.counts, userID)
		return true, nil
	}
	r.counts[userID] = n - 1
	return false, nil
}

func (r *Registry) IsOnline(_ context.Context, userID string) (bool, error) {
	return r.Count(userID) > 0, nil
}

// Count returns the live connection count for userID.
// Refresh is a no-op; the registry lives and dies with its process.
func (r *Registry) Refresh(context.Context, string) error { return nil }

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[userID]
}

// OnlineUsers returns how many users hold at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.counts)
}
