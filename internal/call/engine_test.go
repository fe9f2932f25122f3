package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/waveline/callrelay/internal/crypto"
	"github.com/waveline/callrelay/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func newMemStore() *memStore {
	return &memStore{calls: make(map[string]*Call)}
}

func (s *memStore) CreateCall(ctx context.Context, c *Call) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.CreatedAt = c.StartTime
	cp.UpdatedAt = c.StartTime
	s.calls[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) UpdateCallStatus(ctx context.Context, callID string, status Status, endTime *time.Time, durationSeconds int64) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	c.Status = status
	if endTime != nil {
		et := *endTime
		c.EndTime = &et
		c.DurationSeconds = durationSeconds
	}
	out := *c
	return &out, nil
}

func (s *memStore) GetCall(ctx context.Context, callID string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	out := *c
	return &out, nil
}

func (s *memStore) ListCallsForUser(ctx context.Context, userID string) ([]*Call, error) {
	return nil, nil
}

func (s *memStore) ListCallsForChat(ctx context.Context, chatRef string) ([]*Call, error) {
	return nil, nil
}

type memDirectory struct {
	keys map[string][]byte
}

func (d *memDirectory) GetUserPublicKey(ctx context.Context, userID string) ([]byte, error) {
	return d.keys[userID], nil
}

type captureRelay struct {
	mu      sync.Mutex
	sent    []*wire.SignalingMessage
	offline map[string]bool
}

func (r *captureRelay) Send(msg *wire.SignalingMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	delivered := 0
	for _, id := range msg.RecipientIDs {
		if !r.offline[id] {
			delivered++
		}
	}
	return delivered
}

func (r *captureRelay) last() *wire.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func (r *captureRelay) lastOfKind(kind wire.Kind) *wire.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Kind == kind {
			return r.sent[i]
		}
	}
	return nil
}

type fixture struct {
	engine *Engine
	store  *memStore
	relay  *captureRelay
	clock  *fakeClock
	keys   map[string]*crypto.KeyPair
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()

	dir := &memDirectory{keys: make(map[string][]byte)}
	pairs := make(map[string]*crypto.KeyPair)
	for _, u := range users {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		dir.keys[u] = kp.Public
		pairs[u] = kp
	}

	store := newMemStore()
	relay := &captureRelay{offline: make(map[string]bool)}
	clock := newFakeClock()
	engine := NewEngine(store, dir, relay, Config{
		RingTimeout: time.Hour,
		Clock:       clock.Now,
	})
	return &fixture{engine: engine, store: store, relay: relay, clock: clock, keys: pairs}
}

func TestInitiate_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	cases := []struct {
		name       string
		caller     string
		chatRef    string
		recipients []string
		typ        Type
	}{
		{"no recipients", "alice", "chat-1", nil, TypeAudio},
		{"only self as recipient", "alice", "chat-1", []string{"alice"}, TypeAudio},
		{"empty recipient ids", "alice", "chat-1", []string{"", ""}, TypeAudio},
		{"missing chat ref", "alice", "", []string{"bob"}, TypeAudio},
		{"missing caller", "", "chat-1", []string{"bob"}, TypeAudio},
		{"unknown call type", "alice", "chat-1", []string{"bob"}, Type("hologram")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Initiate(ctx, tc.caller, tc.chatRef, tc.recipients, tc.typ, []byte("offer"))
			if !errors.Is(err, ErrInvalidCallRequest) {
				t.Errorf("Expected ErrInvalidCallRequest, got %v", err)
			}
		})
	}
}

func TestInitiate_SealsKeyAndRelaysEncryptedOffer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	offer := []byte(`{"type":"offer","sdp":"v=0..."}`)

	c, err := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeVideo, offer)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if c.Status != StatusMissed {
		t.Errorf("New call should default to missed, got %s", c.Status)
	}
	if st, ok := f.engine.State(c.ID); !ok || st != StateRinging {
		t.Errorf("Expected live ringing session, got %v %v", st, ok)
	}

	msg := f.relay.last()
	if msg == nil || msg.Kind != wire.KindStart {
		t.Fatalf("Expected a start message, got %+v", msg)
	}
	if msg.CallType != string(TypeVideo) {
		t.Errorf("Call type not carried on the wire: %s", msg.CallType)
	}

	sealed := msg.SessionKeys["bob"]
	if sealed == nil {
		t.Fatal("No sealed conversation key for bob")
	}
	key, err := crypto.OpenKey(sealed, f.keys["bob"].Private)
	if err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	plaintext, err := crypto.Decrypt(msg.Envelope, key)
	if err != nil {
		t.Fatalf("Decrypt offer: %v", err)
	}
	if !bytes.Equal(plaintext, offer) {
		t.Error("Recovered offer does not match original")
	}
}

func TestInitiate_SkipsRecipientWithoutPublishedKey(t *testing.T) {
	f := newFixture(t, "alice", "bob") // carol has no key
	ctx := context.Background()

	_, err := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob", "carol"}, TypeAudio, []byte("offer"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	msg := f.relay.last()
	if msg.SessionKeys["bob"] == nil {
		t.Error("Expected sealed key for bob")
	}
	if msg.SessionKeys["carol"] != nil {
		t.Error("Keyless recipient must not get a sealed key")
	}
	// The keyless recipient still receives the signaling message.
	if len(msg.RecipientIDs) != 2 {
		t.Errorf("Expected 2 recipients on the wire, got %d", len(msg.RecipientIDs))
	}
}

func TestInitiate_AllRecipientsOffline(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.relay.offline["bob"] = true
	ctx := context.Background()

	c, err := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	if err != nil {
		t.Fatalf("Offline recipients must not fail initiation: %v", err)
	}
	if c.Status != StatusMissed {
		t.Errorf("Expected missed default, got %s", c.Status)
	}
}

func TestAnswer_UnknownCall(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	_, err := f.engine.Answer(context.Background(), "no-such-call", "bob", []byte("answer"))
	if !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Expected ErrCallNotFound, got %v", err)
	}
}

func TestAnswer_TransitionsAndRelaysToCaller(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, err := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	answered, err := f.engine.Answer(ctx, c.ID, "bob", []byte("answer-sdp"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answered.Status != StatusAnswered {
		t.Errorf("Expected answered status, got %s", answered.Status)
	}
	if st, _ := f.engine.State(c.ID); st != StateNegotiating {
		t.Errorf("Expected negotiating, got %s", st)
	}

	msg := f.relay.lastOfKind(wire.KindAnswer)
	if msg == nil {
		t.Fatal("No answer message relayed")
	}
	if len(msg.RecipientIDs) != 1 || msg.RecipientIDs[0] != "alice" {
		t.Errorf("Answer must go to the caller only, got %v", msg.RecipientIDs)
	}
	if msg.Envelope == nil {
		t.Error("Answer payload must travel encrypted")
	}
}

func TestAnswer_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	first, err := f.engine.Answer(ctx, c.ID, "bob", []byte("answer"))
	if err != nil {
		t.Fatalf("First answer: %v", err)
	}
	before := len(f.relay.sent)

	second, err := f.engine.Answer(ctx, c.ID, "bob", []byte("answer-again"))
	if err != nil {
		t.Fatalf("Duplicate answer must not fail: %v", err)
	}
	if second.Status != first.Status {
		t.Errorf("Duplicate answer changed status: %s vs %s", second.Status, first.Status)
	}
	if len(f.relay.sent) != before {
		t.Error("Duplicate answer must not relay anything")
	}
}

func TestAnswer_NonRecipientRejected(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	_, err := f.engine.Answer(ctx, c.ID, "mallory", []byte("answer"))
	if !errors.Is(err, ErrInvalidCallRequest) {
		t.Errorf("Expected ErrInvalidCallRequest for non-recipient, got %v", err)
	}
}

func TestCandidate_Routing(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob", "carol"}, TypeAudio, []byte("offer"))
	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"}`)

	// Pre-answer, a caller candidate fans out to every recipient.
	if err := f.engine.Candidate(c.ID, "alice", cand); err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	msg := f.relay.lastOfKind(wire.KindICECandidate)
	if len(msg.RecipientIDs) != 2 {
		t.Errorf("Pre-answer caller candidate should reach all recipients, got %v", msg.RecipientIDs)
	}
	if !bytes.Equal(msg.Candidate, cand) {
		t.Error("Candidate payload must be relayed verbatim")
	}

	// A recipient candidate always goes to the caller.
	if err := f.engine.Candidate(c.ID, "bob", cand); err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	msg = f.relay.lastOfKind(wire.KindICECandidate)
	if len(msg.RecipientIDs) != 1 || msg.RecipientIDs[0] != "alice" {
		t.Errorf("Recipient candidate should reach the caller, got %v", msg.RecipientIDs)
	}

	// Post-answer, caller candidates go only to whoever answered.
	if _, err := f.engine.Answer(ctx, c.ID, "carol", []byte("answer")); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := f.engine.Candidate(c.ID, "alice", cand); err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	msg = f.relay.lastOfKind(wire.KindICECandidate)
	if len(msg.RecipientIDs) != 1 || msg.RecipientIDs[0] != "carol" {
		t.Errorf("Post-answer caller candidate should reach the answerer, got %v", msg.RecipientIDs)
	}
}

func TestEnd_CallerHangsUpUnanswered(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	f.clock.Advance(30 * time.Second)

	ended, err := f.engine.End(ctx, c.ID, "alice", nil)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusMissed {
		t.Errorf("Unanswered caller hangup should be missed, got %s", ended.Status)
	}
	if ended.DurationSeconds != 0 {
		t.Errorf("Missed call must have zero duration, got %d", ended.DurationSeconds)
	}
	if ended.EndTime == nil {
		t.Error("End time must be recorded")
	}

	msg := f.relay.lastOfKind(wire.KindEnd)
	if msg == nil || len(msg.RecipientIDs) != 1 || msg.RecipientIDs[0] != "bob" {
		t.Errorf("End notification should reach the other party, got %+v", msg)
	}
}

func TestEnd_RecipientDeclines(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	ended, err := f.engine.End(ctx, c.ID, "bob", nil)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusRejected {
		t.Errorf("Recipient decline should be rejected, got %s", ended.Status)
	}
}

func TestEnd_AnsweredCallCompletesWithDuration(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeVideo, []byte("offer"))

	f.clock.Advance(5 * time.Second)
	if _, err := f.engine.Answer(ctx, c.ID, "bob", []byte("answer")); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	f.clock.Advance(time.Second)
	if _, err := f.engine.Connected(c.ID); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if st, _ := f.engine.State(c.ID); st != StateActive {
		t.Errorf("Expected active, got %s", st)
	}

	f.clock.Advance(59 * time.Second)
	ended, err := f.engine.End(ctx, c.ID, "alice", nil)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", ended.Status)
	}
	// Duration is measured from call creation: 5 + 1 + 59 = 65 seconds.
	if ended.DurationSeconds != 65 {
		t.Errorf("Expected 65s duration, got %d", ended.DurationSeconds)
	}
}

func TestEnd_SecondEndIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	f.engine.Answer(ctx, c.ID, "bob", []byte("answer"))
	f.clock.Advance(10 * time.Second)

	first, err := f.engine.End(ctx, c.ID, "alice", nil)
	if err != nil {
		t.Fatalf("First end: %v", err)
	}

	second, err := f.engine.End(ctx, c.ID, "bob", nil)
	if err != nil {
		t.Fatalf("Second end must succeed as a no-op: %v", err)
	}
	if second.Status != first.Status || second.DurationSeconds != first.DurationSeconds {
		t.Errorf("Second end changed the record: %+v vs %+v", second, first)
	}
}

func TestEnd_ConcurrentEndsBothSucceed(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	f.engine.Answer(ctx, c.ID, "bob", []byte("answer"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, errs[i] = f.engine.End(ctx, c.ID, who, nil)
		}(i, who)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Concurrent end %d failed: %v", i, err)
		}
	}

	final, err := f.store.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
}

func TestRingTimeout_ResolvesToMissed(t *testing.T) {
	dir := &memDirectory{keys: make(map[string][]byte)}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	dir.keys["bob"] = kp.Public

	store := newMemStore()
	relay := &captureRelay{offline: make(map[string]bool)}
	engine := NewEngine(store, dir, relay, Config{RingTimeout: 20 * time.Millisecond})

	ctx := context.Background()
	c, err := engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetCall(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if got.EndTime != nil {
			if got.Status != StatusMissed {
				t.Errorf("Ring timeout should resolve to missed, got %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Ring timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, live := engine.State(c.ID); live {
		t.Error("Session should be torn down after ring timeout")
	}
	if msg := relay.lastOfKind(wire.KindEnd); msg == nil {
		t.Error("Ring timeout should notify participants with an end message")
	}
}

func TestDisconnected_PreAnswerCallerLossIsMissed(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	f.engine.Disconnected(ctx, "alice")

	got, err := f.store.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.Status != StatusMissed {
		t.Errorf("Caller transport loss pre-answer should be missed, got %s", got.Status)
	}
	if _, live := f.engine.State(c.ID); live {
		t.Error("Session should be torn down after disconnect")
	}
}

func TestDisconnected_AnswererLossCompletesCall(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	f.engine.Answer(ctx, c.ID, "bob", []byte("answer"))
	f.clock.Advance(42 * time.Second)

	f.engine.Disconnected(ctx, "bob")

	got, _ := f.store.GetCall(ctx, c.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Answerer transport loss should complete the call, got %s", got.Status)
	}
	if got.DurationSeconds != 42 {
		t.Errorf("Expected 42s duration, got %d", got.DurationSeconds)
	}
}

func TestDisconnected_OtherRecipientLossIgnoredWhileRinging(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob", "carol"}, TypeAudio, []byte("offer"))
	f.engine.Disconnected(ctx, "bob")

	if st, live := f.engine.State(c.ID); !live || st != StateRinging {
		t.Errorf("Losing one of several recipients must not end a ringing call, got %v %v", st, live)
	}
}

func TestOperationsOnEndedCall(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c, _ := f.engine.Initiate(ctx, "alice", "chat-1", []string{"bob"}, TypeAudio, []byte("offer"))
	if _, err := f.engine.End(ctx, c.ID, "alice", nil); err != nil {
		t.Fatalf("End: %v", err)
	}

	if _, err := f.engine.Answer(ctx, c.ID, "bob", []byte("late")); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Answer after end must be ErrCallNotFound, got %v", err)
	}
	if err := f.engine.Candidate(c.ID, "bob", json.RawMessage(`{}`)); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("Candidate after end must be ErrCallNotFound, got %v", err)
	}
}
