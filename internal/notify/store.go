package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists notifications in PostgreSQL for the notification service
// to fan out.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts n. The kind is validated before insertion.
func (s *Store) Create(ctx context.Context, n Notification) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	id := uuid.NewString()
	const query = `
		INSERT INTO notifications (id, user_id, kind, actor_id, ref_id, title, body, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		id,
		n.UserID,
		string(n.Kind),
		n.ActorID,
		n.RefID,
		n.Title,
		n.Body,
		n.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("notify: insert: %w", err)
	}
	return id, nil
}

// CountUnread returns how many notifications userID has not opened yet.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id = $1
		  AND read_at IS NULL`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("notify: count unread: %w", err)
	}
	return count, nil
}

// Notify implements Notifier by writing straight to the table. The notifier
// process uses it as the terminal sink.
func (s *Store) Notify(ctx context.Context, n Notification) error {
	_, err := s.Create(ctx, n)
	return err
}
