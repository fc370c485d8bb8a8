package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yeremiapane/replisync/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type EventsController struct {
	Hub *events.Hub
}

func NewEventsController(hub *events.Hub) *EventsController {
	return &EventsController{Hub: hub}
}

// Stream -> websocket endpoint for sync, conflict and switch events
func (ec *EventsController) Stream(c *gin.Context) {
	role, _ := c.Get("role")
	if role != "admin" && role != "super_admin" {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ec.Hub.RegisterClient(ws, operator(c))

	// Clients only listen; reads detect the disconnect.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	ec.Hub.UnregisterClient(ws)
}
