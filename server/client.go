package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// client is one websocket connection on the event stream
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
	id   string
}

// readPump drains the connection so pongs and close frames are processed.
// The stream is one-way; anything the peer sends is ignored.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump owns every write to the connection
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debugw("Event write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.ctx.Done():
			return
		}
	}
}
