package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Announcers are the message names the coordinator publishes to a
// participant. The values are the wire names the game client listens for.
type Announcers int

const (
	AssignColor Announcers = iota
	OpponentMove
	GameReset
)

func (a Announcers) String() string {
	return [...]string{"assignColor", "opponentMove", "gameReset"}[a]
}

// Actions are the message names participants send.
type Actions int

const (
	JoinRoom Actions = iota
	Move
	ResetGame
)

func (a Actions) String() string {
	return [...]string{"joinRoom", "move", "resetGame"}[a]
}

// Publisher delivers one named message to a single participant. Ably
// realtime channels satisfy it directly; the websocket gateway wraps its
// client connections into one.
type Publisher interface {
	Publish(ctx context.Context, name string, data interface{}) error
}

// Janitor schedules deletion of signaling records for a room. Records of
// generations below keepGen are stale; math.MaxUint64 discards them all.
type Janitor interface {
	Schedule(ctx context.Context, roomId string, keepGen uint64) error
}

// Coordinator pairs participants into rooms, relays their events, and
// tears sessions down. It owns the registry; nothing else mutates it.
type Coordinator struct {
	reg     *Registry
	janitor Janitor
	log     zerolog.Logger

	mu      sync.Mutex
	senders map[string]Publisher
}

func New(reg *Registry, janitor Janitor, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		reg:     reg,
		janitor: janitor,
		log:     log.With().Str("s", "coord").Logger(),
		senders: make(map[string]Publisher),
	}
}

// Join admits a participant and, on success, announces its color on pub.
// A full room is a silent no-op for the newcomer: nothing is published
// and the returned error is ErrRoomFull so callers can account for it
// without surfacing anything.
func (c *Coordinator) Join(ctx context.Context, roomId, connId string, pub Publisher) (Role, error) {
	role, err := c.reg.Join(roomId, connId)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			joinsRejected.Inc()
			c.log.Debug().Str("room", roomId).Str("conn", connId).Msg("join rejected, room full")
		}
		return RoleNone, err
	}

	c.mu.Lock()
	c.senders[connId] = pub
	c.mu.Unlock()

	joinsTotal.Inc()
	roomsActive.Set(float64(c.reg.Len()))
	c.log.Info().Str("room", roomId).Str("conn", connId).Str("color", role.Color()).Msg("joined")

	if err := pub.Publish(ctx, AssignColor.String(), role.Color()); err != nil {
		c.log.Warn().Err(err).Str("conn", connId).Msg("assignColor publish failed")
	}
	return role, nil
}

// Relay forwards payload verbatim to the other member of the sender's
// room. Fire and forget: a missing opponent means the event is dropped.
// Room membership is derived from the connection, so claimedRoomId is
// only checked against it, never trusted.
func (c *Coordinator) Relay(ctx context.Context, connId, claimedRoomId string, payload json.RawMessage) {
	room, ok := c.reg.RoomOf(connId)
	if !ok || (claimedRoomId != "" && claimedRoomId != room.Id()) {
		relaysDropped.Inc()
		return
	}
	c.publishToOpponent(ctx, room.Id(), connId, OpponentMove.String(), payload)
}

// Reset bumps the room generation, tells the other member to reinitialize
// locally, and hands the previous generation's signaling records to the
// janitor. Membership is unchanged.
func (c *Coordinator) Reset(ctx context.Context, connId string) {
	room, ok := c.reg.RoomOf(connId)
	if !ok {
		return
	}
	gen, ok := c.reg.Reset(room.Id())
	if !ok {
		return
	}
	resetsTotal.Inc()
	c.log.Info().Str("room", room.Id()).Uint64("generation", gen).Msg("reset")

	if err := c.janitor.Schedule(ctx, room.Id(), gen); err != nil {
		c.log.Warn().Err(err).Str("room", room.Id()).Msg("signaling cleanup scheduling failed")
	}
	// The new generation rides along so the peer can re-key its handshake.
	c.publishToOpponent(ctx, room.Id(), connId, GameReset.String(), strconv.FormatUint(gen, 10))
}

// Disconnect detaches the participant's publisher before touching the
// registry, so an in-flight relay racing this call delivers to it at most
// once more and then only drops. Safe to call for unknown connections.
func (c *Coordinator) Disconnect(ctx context.Context, connId string) {
	c.mu.Lock()
	delete(c.senders, connId)
	c.mu.Unlock()

	roomId, emptied := c.reg.Leave(connId)
	if roomId == "" {
		return
	}
	disconnectsTotal.Inc()
	roomsActive.Set(float64(c.reg.Len()))
	c.log.Info().Str("room", roomId).Str("conn", connId).Bool("emptied", emptied).Msg("left")

	if emptied {
		// The room is gone; every signaling record under it is garbage.
		if err := c.janitor.Schedule(ctx, roomId, math.MaxUint64); err != nil {
			c.log.Warn().Err(err).Str("room", roomId).Msg("signaling cleanup scheduling failed")
		}
	}
}

func (c *Coordinator) publishToOpponent(ctx context.Context, roomId, senderConn, name string, data interface{}) {
	members := c.reg.MembersOf(roomId, senderConn)
	if len(members) == 0 {
		relaysDropped.Inc()
		return
	}
	for _, m := range members {
		c.mu.Lock()
		pub := c.senders[m]
		c.mu.Unlock()
		if pub == nil {
			relaysDropped.Inc()
			continue
		}
		if err := pub.Publish(ctx, name, data); err != nil {
			c.log.Warn().Err(err).Str("conn", m).Str("name", name).Msg("publish failed")
			continue
		}
		relaysTotal.Inc()
	}
}
