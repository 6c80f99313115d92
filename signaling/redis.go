package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

// RedisStore keeps handshake records in Redis: a hash per key for the
// record (field-level writes give merge semantics for free), a list per
// candidate collection, and a pub/sub channel per key for change fan-out.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func recordKey(key Key) string {
	return "call:" + key.String()
}

func candidatesKey(key Key, side Side) string {
	return recordKey(key) + ":" + side.Collection()
}

func notifyChannel(key Key) string {
	return "callch:" + key.String()
}

func (s *RedisStore) PutOffer(ctx context.Context, key Key, offer json.RawMessage) error {
	if err := s.rdb.HSet(ctx, recordKey(key), fieldOffer, string(offer)).Err(); err != nil {
		return fmt.Errorf("error writing offer for %s: %w", key, err)
	}
	return s.notify(ctx, key)
}

func (s *RedisStore) MergeAnswer(ctx context.Context, key Key, answer json.RawMessage) error {
	if err := s.rdb.HSet(ctx, recordKey(key), fieldAnswer, string(answer)).Err(); err != nil {
		return fmt.Errorf("error merging answer for %s: %w", key, err)
	}
	return s.notify(ctx, key)
}

func (s *RedisStore) Read(ctx context.Context, key Key) (Record, error) {
	m, err := s.rdb.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("error reading record for %s: %w", key, err)
	}
	if m[fieldOffer] == "" {
		return Record{}, ErrNotReady
	}
	rec := Record{Offer: json.RawMessage(m[fieldOffer])}
	if a := m[fieldAnswer]; a != "" {
		rec.Answer = json.RawMessage(a)
	}
	return rec, nil
}

func (s *RedisStore) AddCandidate(ctx context.Context, key Key, side Side, cand json.RawMessage) error {
	if err := s.rdb.RPush(ctx, candidatesKey(key, side), string(cand)).Err(); err != nil {
		return fmt.Errorf("error appending %s candidate for %s: %w", side, key, err)
	}
	return s.notify(ctx, key)
}

func (s *RedisStore) Candidates(ctx context.Context, key Key, side Side) ([]json.RawMessage, error) {
	vals, err := s.rdb.LRange(ctx, candidatesKey(key, side), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing %s candidates for %s: %w", side, key, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (s *RedisStore) Watch(ctx context.Context, key Key) (<-chan struct{}, func(), error) {
	sub := s.rdb.Subscribe(ctx, notifyChannel(key))
	// Force the subscription onto the wire before the caller relies on it.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("error subscribing to %s: %w", key, err)
	}

	out := make(chan struct{}, 1)
	out <- struct{}{} // initial sync ping

	go func() {
		defer close(out)
		for range sub.Channel() {
			select {
			case out <- struct{}{}:
			default: // a ping is already pending, coalesce
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) Clear(ctx context.Context, roomId string, keepGen uint64) error {
	prefix := "call:" + roomId + ":"
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var stale []string
	for iter.Next(ctx) {
		k := iter.Val()
		gen, ok := generationOf(strings.TrimPrefix(k, prefix))
		if ok && gen < keepGen {
			stale = append(stale, k)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning records for room %s: %w", roomId, err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, stale...).Err(); err != nil {
		return fmt.Errorf("error deleting %d stale records for room %s: %w", len(stale), roomId, err)
	}
	return nil
}

// generationOf parses the generation out of a key suffix shaped like
// "<gen>" or "<gen>:<collection>".
func generationOf(suffix string) (uint64, bool) {
	if i := strings.IndexByte(suffix, ':'); i >= 0 {
		suffix = suffix[:i]
	}
	gen, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

func (s *RedisStore) notify(ctx context.Context, key Key) error {
	if err := s.rdb.Publish(ctx, notifyChannel(key), "update").Err(); err != nil {
		return fmt.Errorf("error notifying watchers of %s: %w", key, err)
	}
	return nil
}
