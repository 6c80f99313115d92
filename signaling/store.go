// Package signaling brokers the offer/answer/candidate handshake between
// the two members of a room through a shared document store. The store is
// eventually consistent and may replay change notifications, including a
// writer's own writes, so everything applied from it must be idempotent.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrNotReady is returned when a joiner reads a handshake record before
// the initiator has published an offer. Recoverable by retrying.
var ErrNotReady = errors.New("handshake not ready")

// Key addresses one handshake. Records are namespaced by generation so a
// mid-handshake reset cannot leak candidates into the next game.
type Key struct {
	Room       string
	Generation uint64
}

func (k Key) String() string {
	return k.Room + ":" + strconv.FormatUint(k.Generation, 10)
}

// Side names the two candidate collections.
type Side int

const (
	Offerer Side = iota
	Answerer
)

func (s Side) String() string {
	return [...]string{"offerer", "answerer"}[s]
}

func (s Side) Collection() string {
	return [...]string{"offerCandidates", "answerCandidates"}[s]
}

func (s Side) Other() Side {
	if s == Offerer {
		return Answerer
	}
	return Offerer
}

// Record is the handshake document. The answer is merged in after the
// offer; a merge never clobbers the sibling field.
type Record struct {
	Offer  json.RawMessage `json:"offer,omitempty"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// Store is the external document store the handshake runs over:
// create/merge/read on the record, insert-only candidate collections, and
// change notifications scoped to one key.
type Store interface {
	// PutOffer creates the record for key with its offer field set.
	PutOffer(ctx context.Context, key Key, offer json.RawMessage) error

	// MergeAnswer sets the answer field, leaving the offer untouched even
	// if the writes race.
	MergeAnswer(ctx context.Context, key Key, answer json.RawMessage) error

	// Read returns the record. ErrNotReady if no offer exists yet.
	Read(ctx context.Context, key Key) (Record, error)

	// AddCandidate appends one candidate blob to a side's collection.
	AddCandidate(ctx context.Context, key Key, side Side, cand json.RawMessage) error

	// Candidates returns a side's collection in insertion order.
	Candidates(ctx context.Context, key Key, side Side) ([]json.RawMessage, error)

	// Watch delivers a ping whenever anything under key changes. Pings
	// are coalesced; one ping is buffered up front so a new listener
	// syncs against current state immediately. The returned cancel stops
	// the subscription.
	Watch(ctx context.Context, key Key) (<-chan struct{}, func(), error)

	// Clear deletes every record of the room whose generation is below
	// keepGen.
	Clear(ctx context.Context, roomId string, keepGen uint64) error
}
