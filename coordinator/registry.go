package coordinator

import (
	"errors"
	"sync"
)

var (
	ErrEmptyRoomId = errors.New("room id is empty")
	ErrRoomFull    = errors.New("room is full")
	ErrAlreadyIn   = errors.New("participant already belongs to a room")
)

type Role int

const (
	RoleNone Role = iota
	RoleFirst
	RoleSecond
)

func (r Role) String() string {
	return [...]string{"none", "first", "second"}[r]
}

// Color maps a role to the chess color sent on the wire.
func (r Role) Color() string {
	switch r {
	case RoleFirst:
		return "white"
	case RoleSecond:
		return "black"
	}
	return ""
}

type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
)

// Room holds at most two participants in join order. The slice order is
// the role order: members[0] is first, members[1] is second.
type Room struct {
	mu         sync.Mutex
	id         string
	members    []string
	generation uint64
}

func (r *Room) Id() string { return r.id }

func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch len(r.members) {
	case 1:
		return PhaseWaiting
	case 2:
		return PhaseActive
	}
	return PhaseEmpty
}

func (r *Room) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Registry owns the room table. The registry mutex guards the two maps
// only; each room carries its own mutex so operations on independent
// rooms never serialize on membership changes.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]*Room),
	}
}

// Join admits connId into roomId, creating the room on first join. The
// returned role is determined solely by arrival order. A full room is not
// an error the caller should surface: the protocol is that the third
// joiner simply never hears back.
func (reg *Registry) Join(roomId, connId string) (Role, error) {
	if roomId == "" {
		return RoleNone, ErrEmptyRoomId
	}

	reg.mu.Lock()
	if _, ok := reg.byConn[connId]; ok {
		reg.mu.Unlock()
		return RoleNone, ErrAlreadyIn
	}
	room, ok := reg.rooms[roomId]
	if !ok {
		room = &Room{id: roomId, generation: 1}
		reg.rooms[roomId] = room
	}

	// Membership is mutated while still holding the registry lock so a
	// concurrent Leave cannot observe and delete the room in between.
	// Both critical sections are a handful of map and slice operations.
	room.mu.Lock()
	if len(room.members) >= 2 {
		room.mu.Unlock()
		// The room existed before this call iff it had members.
		reg.mu.Unlock()
		return RoleNone, ErrRoomFull
	}
	room.members = append(room.members, connId)
	role := Role(len(room.members))
	room.mu.Unlock()

	reg.byConn[connId] = room
	reg.mu.Unlock()
	return role, nil
}

// Leave removes connId from whatever room it occupies. Idempotent. It
// reports the room id and whether the room was emptied and discarded.
func (reg *Registry) Leave(connId string) (roomId string, emptied bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.byConn[connId]
	if !ok {
		return "", false
	}
	delete(reg.byConn, connId)

	room.mu.Lock()
	for i, m := range room.members {
		if m == connId {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	empty := len(room.members) == 0
	room.mu.Unlock()

	if empty {
		delete(reg.rooms, room.id)
	}
	return room.id, empty
}

// RoomOf reports the room connId currently belongs to. Sender identity is
// always derived from the connection, never from payload content.
func (reg *Registry) RoomOf(connId string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.byConn[connId]
	return room, ok
}

// MembersOf returns the current members of roomId in join order,
// excluding exceptConn.
func (reg *Registry) MembersOf(roomId, exceptConn string) []string {
	reg.mu.Lock()
	room, ok := reg.rooms[roomId]
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]string, 0, len(room.members))
	for _, m := range room.members {
		if m != exceptConn {
			out = append(out, m)
		}
	}
	return out
}

// Reset bumps the room's generation counter. Membership is untouched.
func (reg *Registry) Reset(roomId string) (uint64, bool) {
	reg.mu.Lock()
	room, ok := reg.rooms[roomId]
	reg.mu.Unlock()
	if !ok {
		return 0, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.generation++
	return room.generation, true
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
