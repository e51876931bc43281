package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"spot-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTopics are the bus events pushed to every websocket client.
var wsTopics = []events.Event{
	events.EventPriceTick,
	events.EventSignal,
	events.EventConnectionState,
	events.EventPositionOpened,
	events.EventPositionUpdated,
	events.EventPositionClosed,
	events.EventStatusChange,
	events.EventRuntimeStats,
	events.EventNotification,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	stream, unsub := s.Bus.Subscribe(256, wsTopics...)
	defer unsub()

	// Discard client frames but notice disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for env := range stream {
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}
}
