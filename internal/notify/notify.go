// Package notify persists per-user notifications and pushes them to the
// user's WebSocket group. Writes are asynchronous through the task queue when
// one is available.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"dronedispatch/internal/queue"
	"dronedispatch/internal/telemetry"
	"dronedispatch/models"
	"dronedispatch/repository"
)

// TaskCreateNotification is the queue task type for async notification writes.
const TaskCreateNotification = "notify.create"

// Service creates notifications.
type Service struct {
	repo  repository.NotificationRepositoryI
	hub   *telemetry.Hub
	queue *queue.Queue // nil writes inline
}

// New wires a Service. q may be nil to force inline writes (tests).
func New(repo repository.NotificationRepositoryI, hub *telemetry.Hub, q *queue.Queue) *Service {
	s := &Service{repo: repo, hub: hub, queue: q}
	if q != nil {
		q.Register(TaskCreateNotification, func(ctx context.Context, args json.RawMessage) error {
			var n models.Notification
			if err := json.Unmarshal(args, &n); err != nil {
				return err
			}
			return s.create(ctx, &n)
		})
	}
	return s
}

// Notify records a notification for the user and pushes it to their group.
func (s *Service) Notify(ctx context.Context, userID int64, event models.NotificationEventType, title, message string, relatedID *int64, relatedType string) {
	n := &models.Notification{
		UserID:            userID,
		EventType:         event,
		Title:             title,
		Message:           message,
		RelatedObjectID:   relatedID,
		RelatedObjectType: relatedType,
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, TaskCreateNotification, n, 0); err == nil {
			return
		}
		// Broker unavailable; fall through to the inline write.
	}
	if err := s.create(ctx, n); err != nil {
		log.Printf("notify: create for user %d: %v", userID, err)
	}
}

func (s *Service) create(ctx context.Context, n *models.Notification) error {
	created, err := s.repo.Create(ctx, n)
	if err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Broadcast(telemetry.UserGroup(created.UserID), telemetry.Message{
			Type: "delivery_update",
			Data: created,
		})
	}
	return nil
}
