package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dronedispatch/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The tracking endpoint is consumed by first-party dashboards; origin
	// enforcement belongs to the reverse proxy in front of the core.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = time.Second

// clientCommand is what subscribers send over the socket.
type clientCommand struct {
	Type    string `json:"type"` // subscribe_drone | unsubscribe_drone
	DroneID int64  `json:"drone_id"`
}

// WSHandler upgrades tracking connections, authenticates them, and bridges hub
// subscriptions onto the socket with a single writer goroutine per connection.
type WSHandler struct {
	Hub    *Hub
	Secret string
	Users  auth.UserLookup
}

// ServeHTTP implements the ws/tracking/ endpoint. Unauthenticated connections
// are rejected before the upgrade completes into a subscription.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browser WebSocket clients cannot set headers; accept ?token=.
		if tok := r.URL.Query().Get("token"); tok != "" {
			header = "Bearer " + tok
		}
	}
	principal, err := auth.ParseBearer(header, h.Secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.Users.GetByUsername(r.Context(), principal.Name)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: upgrade failed: %v", err)
		return
	}

	sub := h.Hub.Subscribe(GroupDroneUpdates, UserGroup(user.ID))
	go writeLoop(conn, sub)
	readLoop(conn, sub)
}

// writeLoop drains the subscription onto the socket. One goroutine per
// connection keeps per-subscriber ordering; a send that cannot complete within
// the write timeout drops the connection.
func writeLoop(conn *websocket.Conn, sub *Subscription) {
	defer conn.Close()
	for payload := range sub.C {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			sub.Close()
			return
		}
	}
}

func readLoop(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("telemetry: invalid client message: %v", err)
			continue
		}
		switch cmd.Type {
		case "subscribe_drone":
			if cmd.DroneID > 0 {
				sub.Join(DroneGroup(cmd.DroneID))
			}
		case "unsubscribe_drone":
			if cmd.DroneID > 0 {
				sub.Leave(DroneGroup(cmd.DroneID))
			}
		}
	}
}

// DroneGroup names the per-drone broadcast group.
func DroneGroup(droneID int64) string {
	return fmt.Sprintf("drone_%d", droneID)
}

// UserGroup names the per-user broadcast group.
func UserGroup(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}
