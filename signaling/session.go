package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PeerHandle is the local peer-connection primitive a handshake drives.
// Implementations wrap whatever WebRTC stack the participant runs; the
// session never looks inside the blobs it passes through.
type PeerHandle interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetRemoteDescription(ctx context.Context, desc json.RawMessage) error
	AddCandidate(ctx context.Context, cand json.RawMessage) error
}

// Session runs one side of the handshake for one (room, generation).
//
// Candidate application is trickle tolerant: candidates observed before
// the remote description are buffered and flushed once it lands, and
// every candidate is applied at most once no matter how often the store
// replays its change notifications.
type Session struct {
	store Store
	peer  PeerHandle
	key   Key
	log   zerolog.Logger

	mu        sync.Mutex
	side      Side
	remoteSet bool
	applied   map[string]struct{}
	pending   []json.RawMessage
}

func NewSession(store Store, peer PeerHandle, key Key, log zerolog.Logger) *Session {
	return &Session{
		store:   store,
		peer:    peer,
		key:     key,
		log:     log.With().Str("s", "signal").Str("key", key.String()).Logger(),
		applied: make(map[string]struct{}),
	}
}

// Offer runs the initiator side: publish the local offer, then watch the
// record until an answer appears and consume the answerer's candidates.
// Blocks until ctx is canceled (room teardown or disconnect).
func (s *Session) Offer(ctx context.Context) error {
	s.setSide(Offerer)
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("error creating offer: %w", err)
	}
	if err := s.store.PutOffer(ctx, s.key, offer); err != nil {
		return err
	}
	s.log.Debug().Msg("offer published")
	return s.watch(ctx)
}

// Answer runs the joiner side: read the initiator's offer, apply it,
// merge the local answer in, then consume the offerer's candidates.
// Returns ErrNotReady if no offer has been published yet; that is a hard
// failure for this attempt, recoverable by retrying later. Blocks until
// ctx is canceled.
func (s *Session) Answer(ctx context.Context) error {
	s.setSide(Answerer)
	rec, err := s.store.Read(ctx, s.key)
	if err != nil {
		return err
	}
	if err := s.applyRemote(ctx, rec.Offer); err != nil {
		return err
	}
	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("error creating answer: %w", err)
	}
	if err := s.store.MergeAnswer(ctx, s.key, answer); err != nil {
		return err
	}
	s.log.Debug().Msg("answer merged")
	return s.watch(ctx)
}

// PublishCandidate puts one locally discovered candidate into this side's
// collection for the other side to consume.
func (s *Session) PublishCandidate(ctx context.Context, cand json.RawMessage) error {
	return s.store.AddCandidate(ctx, s.key, s.getSide(), cand)
}

func (s *Session) setSide(side Side) {
	s.mu.Lock()
	s.side = side
	s.mu.Unlock()
}

func (s *Session) getSide() Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side
}

func (s *Session) watch(ctx context.Context) error {
	ch, cancel, err := s.store.Watch(ctx, s.key)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.sync(ctx); err != nil {
				s.log.Warn().Err(err).Msg("sync failed")
			}
		}
	}
}

// sync reconciles local peer state with whatever the store currently
// holds. Called on every change notification; must tolerate replays.
func (s *Session) sync(ctx context.Context) error {
	if s.getSide() == Offerer {
		rec, err := s.store.Read(ctx, s.key)
		if err != nil {
			return err
		}
		if rec.Answer != nil {
			if err := s.applyRemote(ctx, rec.Answer); err != nil {
				return err
			}
		}
	}

	cands, err := s.store.Candidates(ctx, s.key, s.getSide().Other())
	if err != nil {
		return err
	}
	for _, cand := range cands {
		if err := s.applyCandidate(ctx, cand); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote applies the remote description once; later calls are no-ops.
// Any candidates buffered while it was missing are flushed after it. The
// guards roll back on failure so the next change notification retries
// instead of silently losing the description or a candidate.
func (s *Session) applyRemote(ctx context.Context, desc json.RawMessage) error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		return nil
	}
	s.remoteSet = true
	flush := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.peer.SetRemoteDescription(ctx, desc); err != nil {
		s.mu.Lock()
		s.remoteSet = false
		s.pending = flush
		s.mu.Unlock()
		return fmt.Errorf("error applying remote description: %w", err)
	}
	s.log.Debug().Int("buffered", len(flush)).Msg("remote description applied")
	for i, cand := range flush {
		if err := s.peer.AddCandidate(ctx, cand); err != nil {
			s.mu.Lock()
			for _, c := range flush[i:] {
				delete(s.applied, string(c))
			}
			s.mu.Unlock()
			return fmt.Errorf("error applying buffered candidate: %w", err)
		}
	}
	return nil
}

func (s *Session) applyCandidate(ctx context.Context, cand json.RawMessage) error {
	s.mu.Lock()
	if _, dup := s.applied[string(cand)]; dup {
		s.mu.Unlock()
		return nil
	}
	s.applied[string(cand)] = struct{}{}
	if !s.remoteSet {
		// Trickle ICE: hold the candidate until the description lands.
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.peer.AddCandidate(ctx, cand); err != nil {
		s.mu.Lock()
		delete(s.applied, string(cand))
		s.mu.Unlock()
		return fmt.Errorf("error applying candidate: %w", err)
	}
	return nil
}
