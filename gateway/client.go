package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	readLimit  = 512 * 1024
	sendBuffer = 16
)

// inbound is what a participant sends over the socket.
type inbound struct {
	Type   string          `json:"type"`
	RoomId string          `json:"roomId,omitempty"`
	Move   json.RawMessage `json:"move,omitempty"`
}

// outbound is what the coordinator sends back.
type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(id string, conn *websocket.Conn, log zerolog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan outbound, sendBuffer),
		done: make(chan struct{}),
		log:  log.With().Str("conn", id).Logger(),
	}
}

// Publish implements coordinator.Publisher. Fire and forget: delivery to
// a client that is gone or has stopped draining its buffer is a drop,
// never a stall, so a wedged reader cannot block its opponent's pipeline.
func (c *client) Publish(ctx context.Context, name string, data interface{}) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- outbound{Type: name, Payload: data}:
		return nil
	default:
		dropMessage()
		c.log.Debug().Str("name", name).Msg("send buffer full, dropping")
		return nil
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

func (c *client) readPump(g *Gateway) {
	defer func() {
		c.close()
		// Stops further relay deliveries before the socket is forgotten.
		g.coord.Disconnect(context.Background(), c.id)
		decConnections()
		c.log.Info().Msg("disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if closeErr.Code == websocket.CloseNormalClosure ||
					closeErr.Code == websocket.CloseGoingAway ||
					closeErr.Code == websocket.CloseNoStatusReceived {
					return
				}
			}
			c.log.Debug().Err(err).Msg("read failed")
			return
		}
		g.dispatch(c, message)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
