package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-process Store with the same observable behavior as
// the real one: merged record fields, insert-only candidate lists, and
// coalesced change pings that may replay.
type memStore struct {
	mu       sync.Mutex
	recs     map[string]*Record
	cands    map[string][]json.RawMessage
	watchers map[string][]chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		recs:     make(map[string]*Record),
		cands:    make(map[string][]json.RawMessage),
		watchers: make(map[string][]chan struct{}),
	}
}

func (s *memStore) PutOffer(_ context.Context, key Key, offer json.RawMessage) error {
	s.mu.Lock()
	rec := s.recs[key.String()]
	if rec == nil {
		rec = &Record{}
		s.recs[key.String()] = rec
	}
	rec.Offer = offer
	s.mu.Unlock()
	s.notify(key)
	return nil
}

func (s *memStore) MergeAnswer(_ context.Context, key Key, answer json.RawMessage) error {
	s.mu.Lock()
	rec := s.recs[key.String()]
	if rec == nil {
		rec = &Record{}
		s.recs[key.String()] = rec
	}
	rec.Answer = answer
	s.mu.Unlock()
	s.notify(key)
	return nil
}

func (s *memStore) Read(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recs[key.String()]
	if rec == nil || rec.Offer == nil {
		return Record{}, ErrNotReady
	}
	return *rec, nil
}

func (s *memStore) AddCandidate(_ context.Context, key Key, side Side, cand json.RawMessage) error {
	s.mu.Lock()
	k := key.String() + ":" + side.Collection()
	s.cands[k] = append(s.cands[k], cand)
	s.mu.Unlock()
	s.notify(key)
	return nil
}

func (s *memStore) Candidates(_ context.Context, key Key, side Side) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String() + ":" + side.Collection()
	out := make([]json.RawMessage, len(s.cands[k]))
	copy(out, s.cands[k])
	return out, nil
}

func (s *memStore) Watch(_ context.Context, key Key) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	s.mu.Lock()
	s.watchers[key.String()] = append(s.watchers[key.String()], ch)
	s.mu.Unlock()
	cancel := func() {}
	return ch, cancel, nil
}

func (s *memStore) Clear(_ context.Context, roomId string, keepGen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.recs {
		if staleKey(k, roomId, keepGen) {
			delete(s.recs, k)
		}
	}
	for k := range s.cands {
		if staleKey(k, roomId, keepGen) {
			delete(s.cands, k)
		}
	}
	return nil
}

func staleKey(k, roomId string, keepGen uint64) bool {
	if !strings.HasPrefix(k, roomId+":") {
		return false
	}
	gen, ok := generationOf(strings.TrimPrefix(k, roomId+":"))
	return ok && gen < keepGen
}

// notify replays a ping to every watcher, as an eventually consistent
// store is allowed to.
func (s *memStore) notify(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers[key.String()] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type fakePeer struct {
	mu     sync.Mutex
	local  json.RawMessage
	remote json.RawMessage
	events []string
	cands  []json.RawMessage

	// remaining calls to fail before succeeding
	remoteFailures int
	candFailures   int
}

func newFakePeer(local string) *fakePeer {
	return &fakePeer{local: json.RawMessage(local)}
}

func (p *fakePeer) CreateOffer(context.Context) (json.RawMessage, error)  { return p.local, nil }
func (p *fakePeer) CreateAnswer(context.Context) (json.RawMessage, error) { return p.local, nil }

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteFailures > 0 {
		p.remoteFailures--
		return errors.New("remote description rejected")
	}
	p.remote = desc
	p.events = append(p.events, "remote")
	return nil
}

func (p *fakePeer) AddCandidate(_ context.Context, cand json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candFailures > 0 {
		p.candFailures--
		return errors.New("candidate rejected")
	}
	p.cands = append(p.cands, cand)
	p.events = append(p.events, "candidate")
	return nil
}

func (p *fakePeer) snapshot() (remote json.RawMessage, cands []json.RawMessage, events []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cands = make([]json.RawMessage, len(p.cands))
	copy(cands, p.cands)
	events = append(events, p.events...)
	return p.remote, cands, events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAnswerBeforeOfferIsNotReady(t *testing.T) {
	store := newMemStore()
	sess := NewSession(store, newFakePeer(`{"sdp":"a"}`), Key{Room: "r1", Generation: 1}, zerolog.Nop())

	err := sess.Answer(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Answer before offer = %v, want ErrNotReady", err)
	}
}

func TestHandshakeCompletes(t *testing.T) {
	store := newMemStore()
	key := Key{Room: "r1", Generation: 1}
	offerer := newFakePeer(`{"sdp":"offer"}`)
	answerer := newFakePeer(`{"sdp":"answer"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initiator := NewSession(store, offerer, key, zerolog.Nop())
	go func() { _ = initiator.Offer(ctx) }()

	waitFor(t, "offer in store", func() bool {
		_, err := store.Read(ctx, key)
		return err == nil
	})

	joiner := NewSession(store, answerer, key, zerolog.Nop())
	go func() { _ = joiner.Answer(ctx) }()

	// Both sides converge on a complete record.
	waitFor(t, "initiator to apply the answer", func() bool {
		remote, _, _ := offerer.snapshot()
		return string(remote) == `{"sdp":"answer"}`
	})
	if remote, _, _ := answerer.snapshot(); string(remote) != `{"sdp":"offer"}` {
		t.Errorf("joiner applied remote %s, want the offer", remote)
	}
	rec, err := store.Read(ctx, key)
	if err != nil || rec.Offer == nil || rec.Answer == nil {
		t.Fatalf("record = (%+v, %v), want complete offer+answer", rec, err)
	}

	// Candidates cross over and land exactly once each.
	if err := initiator.PublishCandidate(ctx, json.RawMessage(`{"c":"from-offerer"}`)); err != nil {
		t.Fatal(err)
	}
	if err := joiner.PublishCandidate(ctx, json.RawMessage(`{"c":"from-answerer"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "candidates to cross", func() bool {
		_, oc, _ := offerer.snapshot()
		_, ac, _ := answerer.snapshot()
		return len(oc) == 1 && len(ac) == 1
	})

	// Replayed notifications must not re-apply anything.
	store.notify(key)
	store.notify(key)
	time.Sleep(50 * time.Millisecond)

	if _, cands, _ := offerer.snapshot(); len(cands) != 1 {
		t.Errorf("offerer applied %d candidates after replay, want 1", len(cands))
	}
	if _, cands, _ := answerer.snapshot(); len(cands) != 1 {
		t.Errorf("answerer applied %d candidates after replay, want 1", len(cands))
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	store := newMemStore()
	key := Key{Room: "r1", Generation: 1}
	offerer := newFakePeer(`{"sdp":"offer"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The answerer's candidate is already in the store before the
	// initiator ever sees an answer.
	if err := store.AddCandidate(ctx, key, Answerer, json.RawMessage(`{"c":"early"}`)); err != nil {
		t.Fatal(err)
	}

	initiator := NewSession(store, offerer, key, zerolog.Nop())
	go func() { _ = initiator.Offer(ctx) }()

	waitFor(t, "offer in store", func() bool {
		_, err := store.Read(ctx, key)
		return err == nil
	})
	time.Sleep(50 * time.Millisecond)
	if remote, cands, _ := offerer.snapshot(); remote != nil || len(cands) != 0 {
		t.Fatalf("candidate applied before the description: remote=%s cands=%v", remote, cands)
	}

	if err := store.MergeAnswer(ctx, key, json.RawMessage(`{"sdp":"answer"}`)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "buffered candidate to flush", func() bool {
		_, cands, _ := offerer.snapshot()
		return len(cands) == 1
	})
	_, _, events := offerer.snapshot()
	if len(events) < 2 || events[0] != "remote" || events[1] != "candidate" {
		t.Errorf("application order = %v, want the description before the candidate", events)
	}
}

func TestTransientPeerErrorsAreRetried(t *testing.T) {
	store := newMemStore()
	key := Key{Room: "r1", Generation: 1}
	offerer := newFakePeer(`{"sdp":"offer"}`)
	offerer.remoteFailures = 1
	offerer.candFailures = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initiator := NewSession(store, offerer, key, zerolog.Nop())
	go func() { _ = initiator.Offer(ctx) }()

	waitFor(t, "offer in store", func() bool {
		_, err := store.Read(ctx, key)
		return err == nil
	})
	if err := store.MergeAnswer(ctx, key, json.RawMessage(`{"sdp":"answer"}`)); err != nil {
		t.Fatal(err)
	}

	// The first apply fails; a later change notification must pick the
	// answer up again instead of treating it as already applied.
	waitFor(t, "answer to apply after a transient failure", func() bool {
		store.notify(key)
		remote, _, _ := offerer.snapshot()
		return string(remote) == `{"sdp":"answer"}`
	})

	if err := store.AddCandidate(ctx, key, Answerer, json.RawMessage(`{"c":"flaky"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "candidate to apply after a transient failure", func() bool {
		store.notify(key)
		_, cands, _ := offerer.snapshot()
		return len(cands) == 1 && string(cands[0]) == `{"c":"flaky"}`
	})
}

func TestClearDropsOnlyStaleGenerations(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	for gen := uint64(1); gen <= 3; gen++ {
		key := Key{Room: "r1", Generation: gen}
		if err := store.PutOffer(ctx, key, json.RawMessage(fmt.Sprintf(`{"g":%d}`, gen))); err != nil {
			t.Fatal(err)
		}
	}
	other := Key{Room: "r2", Generation: 1}
	if err := store.PutOffer(ctx, other, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(ctx, "r1", 3); err != nil {
		t.Fatal(err)
	}

	for gen := uint64(1); gen <= 2; gen++ {
		if _, err := store.Read(ctx, Key{Room: "r1", Generation: gen}); !errors.Is(err, ErrNotReady) {
			t.Errorf("generation %d survived Clear", gen)
		}
	}
	if _, err := store.Read(ctx, Key{Room: "r1", Generation: 3}); err != nil {
		t.Error("kept generation was dropped")
	}
	if _, err := store.Read(ctx, other); err != nil {
		t.Error("Clear leaked into another room")
	}
}
