package controller

import (
	"time"

	"mailwarm/notify"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const livePingInterval = 30 * time.Second

// LiveController streams engine events to dashboard websocket clients.
type LiveController struct {
	hub    *notify.Hub
	buffer int
	log    *logrus.Entry
}

func NewLiveController(hub *notify.Hub, buffer int, log *logrus.Entry) *LiveController {
	if buffer <= 0 {
		buffer = 64
	}
	return &LiveController{hub: hub, buffer: buffer, log: log}
}

// Upgrade rejects plain HTTP requests to the feed.
func (lc *LiveController) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream forwards hub events until the client goes away. A sender query
// parameter narrows the feed to one account's events.
func (lc *LiveController) Stream(conn *websocket.Conn) {
	defer conn.Close()

	filter := conn.Query("sender")
	events, cancel := lc.hub.Subscribe(lc.buffer)
	defer cancel()

	// Client frames are ignored; reading surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && !matchesSender(ev, filter) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				lc.log.WithError(err).Debug("Live feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func matchesSender(ev notify.Event, sender string) bool {
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return false
	}
	s, _ := payload["sender"].(string)
	return s == sender
}
