package models

import "time"

// NotificationEventType names the event that produced a notification.
type NotificationEventType string

const (
	EventDeliveryAssigned     NotificationEventType = "delivery_assigned"
	EventRouteOptimized       NotificationEventType = "route_optimized"
	EventRouteOptimizedAdmin  NotificationEventType = "route_optimized_admin"
	EventOrderDelivered       NotificationEventType = "order_delivered"
	EventOrderFailed          NotificationEventType = "order_failed"
	EventOrderCancelled       NotificationEventType = "order_cancelled"
)

// Notification is a per-user message row. Writes are async, delivered over the task queue.
type Notification struct {
	ID                int64                 `db:"id" json:"id"`
	UserID            int64                 `db:"user_id" json:"user_id"`
	EventType         NotificationEventType `db:"event_type" json:"event_type"`
	Title             string                `db:"title" json:"title"`
	Message           string                `db:"message" json:"message"`
	IsRead            bool                  `db:"is_read" json:"is_read"`
	RelatedObjectID   *int64                `db:"related_object_id" json:"related_object_id,omitempty"`
	RelatedObjectType string                `db:"related_object_type" json:"related_object_type,omitempty"`
	CreatedAt         time.Time             `db:"created_at" json:"created_at"`
	ReadAt            *time.Time            `db:"read_at" json:"read_at,omitempty"`
}
