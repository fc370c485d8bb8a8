package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yeremiapane/replisync/utils"
)

// Event types
const (
	EventSyncStatus       = "sync_status"
	EventSyncProgress     = "sync_progress"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
	EventSyncError        = "sync_error"
	EventPrimarySwitched  = "primary_switched"
)

const writeWait = 5 * time.Second

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Time  time.Time   `json:"time"`
}

// Broadcaster is what the sync services need from the hub.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Hub fans events out to connected operator consoles.
type Hub struct {
	clients map[*websocket.Conn]string // conn -> operator
	mutex   sync.Mutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]string)}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, operator string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[conn] = operator
	utils.InfoLogger.Debugf("Event client registered: %s (%d connected)", operator, len(h.clients))
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Broadcast sends one event to every client. Clients that fail a write are dropped.
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := Message{Event: event, Data: data, Time: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		utils.ErrorLogger.Printf("Error marshaling event %s: %v", event, err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for conn, operator := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			utils.InfoLogger.Warnf("Dropping event client %s: %v", operator, err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Discard is a Broadcaster that drops every event.
type Discard struct{}

func (Discard) Broadcast(string, interface{}) {}
