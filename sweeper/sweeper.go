// Package sweeper garbage-collects signaling records. Rooms are queued in
// a Redis sorted set scored by due time; a sweep deletes every record of
// a room below its recorded keep-generation. Sweeps are serialized across
// processes with a per-room redsync lock, because the store is shared and
// two coordinators may schedule the same room.
package sweeper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/rs/zerolog"

	"hxann.com/chess-coordinator/shared"
)

const (
	SweepTime    = 2 * time.Second
	IdleTrigger  = 10 // after this many empty rounds, idle mode is on
	IdleInterval = 10 * time.Second

	dueSetKey   = "sweepRooms"
	keepHashKey = "sweepKeep"
)

// RecordClearer is the slice of the signaling store the sweeper needs.
type RecordClearer interface {
	Clear(ctx context.Context, roomId string, keepGen uint64) error
}

type Sweeper struct {
	rdb   *redis.Client
	rs    *redsync.Redsync
	store RecordClearer
	log   zerolog.Logger

	idleRounds int
	sleepUntil time.Time
}

func New(rdb *redis.Client, rs *redsync.Redsync, store RecordClearer, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		rdb:        rdb,
		rs:         rs,
		store:      store,
		log:        log.With().Str("s", "sweep").Logger(),
		sleepUntil: time.Now(),
	}
}

// Schedule marks roomId due for sweeping now, keeping generations at or
// above keepGen. Scheduling the same room again only tightens the bound.
func (s *Sweeper) Schedule(ctx context.Context, roomId string, keepGen uint64) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, keepHashKey, roomId, strconv.FormatUint(keepGen, 10))
	pipe.ZAdd(ctx, dueSetKey, &redis.Z{Score: float64(time.Now().UnixMicro()), Member: roomId})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error scheduling sweep of room %s: %w", roomId, err)
	}
	return nil
}

// Run returns the sweep loop for an errgroup.
func (s *Sweeper) Run(ctx context.Context) func() error {
	return func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(s.sleepUntil)):
				s.trySweep(ctx)
			}
		}
	}
}

func (s *Sweeper) trySweep(ctx context.Context) {
	zs, err := s.rdb.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
		Key:   dueSetKey,
		Start: 0,
		Stop:  0,
	}).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("error reading due set")
		s.backOff()
		return
	}
	if len(zs) == 0 {
		s.backOff()
		return
	}

	candidate := zs[0]
	roomId := candidate.Member.(string)
	due := time.UnixMicro(int64(candidate.Score))
	if time.Now().Before(due) {
		if wait := time.Until(due); wait < SweepTime/2 {
			s.idleOff()
			s.sleepUntil = due
		} else {
			s.backOff()
		}
		return
	}
	s.idleOff()

	mutex := s.rs.NewMutex(shared.RoomLockName(roomId))
	if err := mutex.Lock(); err != nil {
		s.log.Error().Err(err).Str("room", roomId).Msg("error acquiring room lock")
		s.sleepUntil = time.Now().Add(SweepTime / 2)
		return
	}
	defer func() {
		if ok, err := mutex.Unlock(); !ok || err != nil {
			s.log.Error().Err(err).Str("room", roomId).Msg("error releasing room lock")
		}
	}()

	// Another sweeper may have raced us here and already handled the
	// room; the score check after the lock detects that.
	score, err := s.rdb.ZScore(ctx, dueSetKey, roomId).Result()
	if err == redis.Nil || (err == nil && score != candidate.Score) {
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("room", roomId).Msg("error rechecking due set")
		return
	}

	keepGen := uint64(math.MaxUint64)
	if v, err := s.rdb.HGet(ctx, keepHashKey, roomId).Result(); err == nil {
		if parsed, perr := strconv.ParseUint(v, 10, 64); perr == nil {
			keepGen = parsed
		}
	}

	if err := s.store.Clear(ctx, roomId, keepGen); err != nil {
		s.log.Error().Err(err).Str("room", roomId).Msg("sweep failed, leaving room queued")
		s.sleepUntil = time.Now().Add(SweepTime)
		return
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, dueSetKey, roomId)
	pipe.HDel(ctx, keepHashKey, roomId)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).Str("room", roomId).Msg("error dequeueing swept room")
	}
	s.log.Info().Str("room", roomId).Uint64("keep", keepGen).Msg("swept")
}

func (s *Sweeper) backOff() {
	if s.idleRounds >= IdleTrigger {
		s.sleepUntil = time.Now().Add(IdleInterval)
		return
	}
	s.idleRounds++
	s.sleepUntil = time.Now().Add(SweepTime / 2)
}

func (s *Sweeper) idleOff() {
	s.idleRounds = 0
}
