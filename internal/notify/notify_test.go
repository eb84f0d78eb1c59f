package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dronedispatch/internal/telemetry"
	"dronedispatch/internal/testutil"
	"dronedispatch/models"
	"dronedispatch/repository"
)

func TestNotify_InlineWriteAndPush(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "notify_inline")
	users := repository.NewUserRepository(d)
	repo := repository.NewNotificationRepository(d)
	hub := telemetry.NewHub()
	svc := New(repo, hub, nil)

	u, err := users.Create(context.Background(), "alice", "alice@example.com", models.RoleCustomer)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sub := hub.Subscribe(telemetry.UserGroup(u.ID))
	defer sub.Close()

	orderID := int64(7)
	svc.Notify(context.Background(), u.ID, models.EventDeliveryAssigned,
		"Drone Dispatched", "Drone SN-1 is en route.", &orderID, "delivery_order")

	rows, err := repo.ListForUser(context.Background(), u.ID, true, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("notifications = %d, want 1", len(rows))
	}
	if rows[0].EventType != models.EventDeliveryAssigned || rows[0].RelatedObjectID == nil {
		t.Fatalf("notification row mismatch: %+v", rows[0])
	}

	select {
	case payload := <-sub.C:
		var msg telemetry.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "delivery_update" {
			t.Fatalf("pushed type = %s, want delivery_update", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no push received on the user group")
	}
}
