package relay

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collaborative-report-sync/protocol"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// Client is one websocket connection of one user inside a room. A user
// with several tabs open holds several clients.
type Client struct {
	ID     string
	UserID string
	Name   string
	Email  string

	room *Room
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
}

// readPump owns the connection's read side. It decodes inbound frames,
// hands them to the room, and unregisters the client when the
// connection drops. Undecodable frames are logged and skipped; only
// transport errors end the connection.
func (c *Client) readPump() {
	defer func() {
		c.room.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.room.readWait()))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("connection dropped")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.room.readWait()))

		msg, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEvent) {
				c.log.Debug().Str("type", string(msg.Type)).Msg("dropping unknown event")
			} else {
				c.log.Warn().Err(err).Msg("dropping undecodable frame")
			}
			continue
		}
		c.room.submit(frame{client: c, msg: msg, raw: raw})
	}
}

// writePump serializes all writes to the connection. The room closes
// the send channel to drop the client.
func (c *Client) writePump() {
	defer c.conn.Close()
	for raw := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
