package broadcast

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client pumps hub events to one websocket observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *Subscriber
	log  *slog.Logger
}

// Serve subscribes conn to hub and starts its pumps. first, when non-nil, is
// called after subscribing and its result written before any queued event,
// so nothing published in between is lost.
func Serve(hub *Hub, conn *websocket.Conn, first func() []byte, logger *slog.Logger) *Client {
	c := &Client{hub: hub, conn: conn, sub: hub.Subscribe(), log: logger.With("remote", conn.RemoteAddr().String())}
	var msg []byte
	if first != nil {
		msg = first()
	}
	go c.writePump(msg)
	go c.readPump()
	return c
}

// readPump only services control frames; observers do not send commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", "err", err)
			}
			return
		}
	}
}

func (c *Client) writePump(first []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		if n := c.sub.Dropped(); n > 0 {
			c.log.Info("websocket observer lagged", "dropped", n)
		}
	}()
	if first != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, first); err != nil {
			c.hub.Unsubscribe(c.sub)
			return
		}
	}
	for {
		select {
		case msg, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.Unsubscribe(c.sub)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unsubscribe(c.sub)
				return
			}
		}
	}
}
