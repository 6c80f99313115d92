// Package gateway is the websocket front door for participants that talk
// to the coordinator directly: joinRoom/move/resetGame in, assignColor/
// opponentMove/gameReset out, disconnect on socket close.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hxann.com/chess-coordinator/coordinator"
)

// Coordinator is the session coordinator surface the gateway drives.
type Coordinator interface {
	Join(ctx context.Context, roomId, connId string, pub coordinator.Publisher) (coordinator.Role, error)
	Relay(ctx context.Context, connId, claimedRoomId string, payload json.RawMessage)
	Reset(ctx context.Context, connId string)
	Disconnect(ctx context.Context, connId string)
}

type Gateway struct {
	coord    Coordinator
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(coord Coordinator, log zerolog.Logger) *Gateway {
	return &Gateway{
		coord: coord,
		log:   log.With().Str("s", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Backend is running!"))
	})
	mux.HandleFunc("/ws", g.handleWS)
	return mux
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, g.log)
	incConnections()
	g.log.Info().Str("conn", c.id).Msg("connected")

	go c.writePump()
	go c.readPump(g)
}

func (g *Gateway) dispatch(c *client, message []byte) {
	var in inbound
	if err := json.Unmarshal(message, &in); err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed message")
		return
	}

	ctx := context.Background()
	switch in.Type {
	case coordinator.JoinRoom.String():
		if in.RoomId == "" {
			// The only room id validation there is.
			return
		}
		// A full room means no response at all, by contract.
		_, _ = g.coord.Join(ctx, in.RoomId, c.id, c)
	case coordinator.Move.String():
		g.coord.Relay(ctx, c.id, in.RoomId, in.Move)
	case coordinator.ResetGame.String():
		g.coord.Reset(ctx, c.id)
	default:
		c.log.Debug().Str("type", in.Type).Msg("ignoring unknown message type")
	}
}
