package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification row.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	if n == nil {
		return nil, errors.New("notification is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO notifications
(user_id, event_type, title, message, related_object_id, related_object_type)
VALUES (?,?,?,?,?,?)`,
		n.UserID, string(n.EventType), n.Title, n.Message, n.RelatedObjectID, n.RelatedObjectType)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	n.ID = id
	return n, nil
}

// ListForUser returns the user's notifications newest first. unreadOnly limits
// to unread rows.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, user_id, event_type, title, message, is_read, related_object_id,
related_object_type, created_at, read_at FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var eventType string
		var relatedID sql.NullInt64
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &eventType, &n.Title, &n.Message, &n.IsRead,
			&relatedID, &n.RelatedObjectType, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		n.EventType = models.NotificationEventType(eventType)
		if relatedID.Valid {
			v := relatedID.Int64
			n.RelatedObjectID = &v
		}
		if readAt.Valid {
			v := readAt.Time
			n.ReadAt = &v
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flags a notification as read with the read timestamp.
func (r *NotificationRepository) MarkRead(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}
