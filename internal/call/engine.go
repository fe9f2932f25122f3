package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/waveline/callrelay/internal/crypto"
	"github.com/waveline/callrelay/internal/wire"
)

// DefaultRingTimeout bounds how long a call may stay ringing before it
// resolves to missed. The source system let unanswered calls ring
// forever; a bounded default keeps abandoned calls from pinning state.
const DefaultRingTimeout = 60 * time.Second

// Config tunes an Engine.
type Config struct {
	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration
	// Clock overrides time.Now, for deterministic tests.
	Clock func() time.Time
}

// Engine owns every live call's state machine. Per-call state is locked
// per call; the session registry itself is the only cross-call structure.
type Engine struct {
	store   Store
	dir     KeyDirectory
	relay   Relay
	keyring *crypto.KeyRing

	ringTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewEngine creates an engine over its three collaborators.
func NewEngine(store Store, dir KeyDirectory, relay Relay, cfg Config) *Engine {
	e := &Engine{
		store:       store,
		dir:         dir,
		relay:       relay,
		keyring:     crypto.NewKeyRing(),
		ringTimeout: cfg.RingTimeout,
		now:         cfg.Clock,
		sessions:    make(map[string]*session),
	}
	if e.ringTimeout <= 0 {
		e.ringTimeout = DefaultRingTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Initiate starts a call: it establishes the conversation key for the
// chat, seals it for every recipient that has published a public key,
// persists the Call with status missed (the default until proven
// otherwise), and fans the encrypted offer out to every recipient.
func (e *Engine) Initiate(ctx context.Context, callerID, chatRef string, recipientIDs []string, typ Type, offer []byte) (*Call, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: missing caller", ErrInvalidCallRequest)
	}
	if chatRef == "" {
		return nil, fmt.Errorf("%w: missing chat reference", ErrInvalidCallRequest)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown call type %q", ErrInvalidCallRequest, typ)
	}

	recipients := dedupe(recipientIDs, callerID)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidCallRequest)
	}

	key, err := e.keyring.SessionKey(chatRef)
	if err != nil {
		return nil, err
	}

	sealedKeys := crypto.NewEncryptedKeyMap()
	for _, userID := range recipients {
		public, err := e.dir.GetUserPublicKey(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up public key for %s: %w", userID, err)
		}
		if public == nil {
			log.Warn().Str("user_id", userID).Msg("Recipient has no published key, skipping key transport")
			continue
		}
		sealed, err := crypto.SealKeyFor(key, public)
		if err != nil {
			return nil, err
		}
		sealedKeys.Put(userID, sealed)
	}

	envelope, err := crypto.Encrypt(offer, key)
	if err != nil {
		return nil, err
	}

	now := e.now()
	record := &Call{
		ID:           uuid.NewString(),
		ChatRef:      chatRef,
		CallerID:     callerID,
		RecipientIDs: recipients,
		Type:         typ,
		Status:       StatusMissed,
		StartTime:    now,
	}

	persisted, err := e.store.CreateCall(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	sess := &session{
		call:  persisted,
		state: StateRinging,
		key:   key,
		keys:  sealedKeys,
	}
	sess.ringTimer = time.AfterFunc(e.ringTimeout, func() {
		e.ringExpired(persisted.ID)
	})

	e.mu.Lock()
	e.sessions[persisted.ID] = sess
	e.mu.Unlock()

	msg := &wire.SignalingMessage{
		ID:           wire.NewID(),
		Kind:         wire.KindStart,
		CallID:       persisted.ID,
		SenderID:     callerID,
		RecipientIDs: recipients,
		CallType:     string(typ),
		Envelope:     envelope,
		SessionKeys:  sealedKeys.Snapshot(),
		SentAt:       now.Unix(),
	}

	delivered := e.relay.Send(msg)
	if delivered == 0 {
		// Every recipient is offline. Not a failure: the ring timer will
		// resolve the call to missed unless someone joins in time.
		log.Info().Str("call_id", persisted.ID).Msg("No recipient online for call start")
	}

	log.Info().
		Str("call_id", persisted.ID).
		Str("caller_id", callerID).
		Str("call_type", string(typ)).
		Int("delivered", delivered).
		Msg("Call initiated")

	return persisted, nil
}

// Answer transitions a ringing call to negotiating and relays the
// encrypted answer blob back to the caller. A second answer for the same
// call is a no-op returning the existing state, so duplicate UI events
// are harmless.
func (e *Engine) Answer(ctx context.Context, callID, responderID string, answer []byte) (*Call, error) {
	sess := e.session(callID)
	if sess == nil {
		return nil, ErrCallNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Terminal() {
		return nil, ErrCallNotFound
	}
	if sess.answered() {
		return sess.call, nil
	}
	if !contains(sess.call.RecipientIDs, responderID) {
		return nil, fmt.Errorf("%w: %s is not a recipient of this call", ErrInvalidCallRequest, responderID)
	}

	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}

	sess.state = StateNegotiating
	sess.answeredBy = responderID

	updated, err := e.store.UpdateCallStatus(ctx, callID, StatusAnswered, nil, 0)
	if err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("Failed to persist answered status")
		sess.call.Status = StatusAnswered
	} else {
		sess.call = updated
	}

	envelope, err := crypto.Encrypt(answer, sess.key)
	if err != nil {
		return nil, err
	}

	e.relay.Send(&wire.SignalingMessage{
		ID:           wire.NewID(),
		Kind:         wire.KindAnswer,
		CallID:       callID,
		SenderID:     responderID,
		RecipientIDs: []string{sess.call.CallerID},
		Envelope:     envelope,
		SentAt:       e.now().Unix(),
	})

	log.Info().Str("call_id", callID).Str("responder_id", responderID).Msg("Call answered")
	return sess.call, nil
}

// Candidate forwards an ICE candidate descriptor verbatim to the other
// party. Candidates are connection metadata the relay never inspects.
func (e *Engine) Candidate(callID, senderID string, candidate json.RawMessage) error {
	sess := e.session(callID)
	if sess == nil {
		return ErrCallNotFound
	}

	sess.mu.Lock()
	if sess.state.Terminal() {
		sess.mu.Unlock()
		return ErrCallNotFound
	}

	var recipients []string
	switch {
	case senderID != sess.call.CallerID:
		recipients = []string{sess.call.CallerID}
	case sess.answered():
		recipients = []string{sess.answeredBy}
	default:
		recipients = append(recipients, sess.call.RecipientIDs...)
	}
	sess.mu.Unlock()

	e.relay.Send(&wire.SignalingMessage{
		ID:           wire.NewID(),
		Kind:         wire.KindICECandidate,
		CallID:       callID,
		SenderID:     senderID,
		RecipientIDs: recipients,
		Candidate:    candidate,
		SentAt:       e.now().Unix(),
	})
	return nil
}

// Connected marks peer connectivity as established, moving the call from
// negotiating to active. Idempotent once active; a call that was never
// answered stays where it is.
func (e *Engine) Connected(callID string) (*Call, error) {
	sess := e.session(callID)
	if sess == nil {
		return nil, ErrCallNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Terminal() {
		return nil, ErrCallNotFound
	}
	if sess.state == StateNegotiating {
		sess.state = StateActive
		log.Info().Str("call_id", callID).Msg("Peer connectivity established")
	}
	return sess.call, nil
}

// End terminates a call from any state. Answered calls complete with a
// duration measured from StartTime; an unanswered call ends as missed
// when the caller hangs up and rejected when a recipient declines.
// Concurrent ends both succeed: the second is a no-op.
func (e *Engine) End(ctx context.Context, callID, initiatorID string, endTime *time.Time) (*Call, error) {
	sess := e.session(callID)
	if sess == nil {
		// The session may already be torn down by the other party's end.
		c, err := e.store.GetCall(ctx, callID)
		if err != nil {
			return nil, ErrCallNotFound
		}
		return c, nil
	}
	return e.finish(ctx, sess, initiatorID, endTime, "")
}

// finish applies a terminal transition. forced overrides the initiator
// rule when set (ring timeouts and transport disconnects).
func (e *Engine) finish(ctx context.Context, sess *session, initiatorID string, endTime *time.Time, forced Status) (*Call, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Terminal() {
		return sess.call, nil
	}

	et := e.now()
	if endTime != nil {
		et = *endTime
	}

	var status Status
	switch {
	case forced != "":
		status = forced
	case sess.answered():
		status = StatusCompleted
	case initiatorID == sess.call.CallerID:
		status = StatusMissed
	default:
		status = StatusRejected
	}

	var duration int64
	if status == StatusCompleted {
		// Measured from call creation, as the source system does. The
		// answered-at timestamp would give talk time instead; StartTime is
		// the documented behavior.
		duration = int64(et.Sub(sess.call.StartTime) / time.Second)
		if duration < 0 {
			duration = 0
		}
	}

	updated, err := e.store.UpdateCallStatus(ctx, sess.call.ID, status, &et, duration)
	if err != nil {
		log.Error().Err(err).Str("call_id", sess.call.ID).Msg("Failed to persist terminal status")
		sess.call.Status = status
		sess.call.EndTime = &et
		sess.call.DurationSeconds = duration
	} else {
		sess.call = updated
	}

	remaining := make([]string, 0, len(sess.call.RecipientIDs)+1)
	for _, userID := range append([]string{sess.call.CallerID}, sess.call.RecipientIDs...) {
		if userID != initiatorID {
			remaining = append(remaining, userID)
		}
	}
	if len(remaining) > 0 {
		e.relay.Send(&wire.SignalingMessage{
			ID:           wire.NewID(),
			Kind:         wire.KindEnd,
			CallID:       sess.call.ID,
			SenderID:     initiatorID,
			RecipientIDs: remaining,
			SentAt:       et.Unix(),
		})
	}

	switch status {
	case StatusCompleted:
		sess.state = StateCompleted
	case StatusRejected:
		sess.state = StateRejected
	default:
		sess.state = StateMissed
	}
	sess.teardown()

	e.mu.Lock()
	delete(e.sessions, sess.call.ID)
	e.mu.Unlock()

	log.Info().
		Str("call_id", sess.call.ID).
		Str("status", string(status)).
		Int64("duration_secs", duration).
		Msg("Call ended")

	return sess.call, nil
}

// ringExpired resolves a call that rang past the timeout to missed and
// notifies every participant.
func (e *Engine) ringExpired(callID string) {
	sess := e.session(callID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	expired := sess.state == StateRinging && !sess.answered()
	sess.mu.Unlock()
	if !expired {
		return
	}

	log.Info().Str("call_id", callID).Msg("Ring timeout, resolving call as missed")
	if _, err := e.finish(context.Background(), sess, "", nil, StatusMissed); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("Failed to resolve ring timeout")
	}
}

// Disconnected treats a transport loss as an implicit end for every call
// the user is carrying: completed when the call was answered, missed when
// it was still pre-answer, so no call is left stuck in a live state.
func (e *Engine) Disconnected(ctx context.Context, userID string) {
	e.mu.RLock()
	candidates := make([]*session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		candidates = append(candidates, sess)
	}
	e.mu.RUnlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		var forced Status
		relevant := false
		switch {
		case sess.state.Terminal():
		case userID == sess.call.CallerID:
			relevant = true
			if !sess.answered() {
				forced = StatusMissed
			}
		case sess.answered() && userID == sess.answeredBy:
			relevant = true
		case !sess.answered() && len(sess.call.RecipientIDs) == 1 && sess.call.RecipientIDs[0] == userID:
			// Sole recipient vanished while ringing; nobody is left to answer.
			relevant = true
			forced = StatusMissed
		}
		sess.mu.Unlock()

		if relevant {
			log.Info().Str("call_id", sess.call.ID).Str("user_id", userID).Msg("Transport disconnect, ending call")
			if _, err := e.finish(ctx, sess, userID, nil, forced); err != nil {
				log.Error().Err(err).Str("call_id", sess.call.ID).Msg("Failed to end call after disconnect")
			}
		}
	}
}

// State reports the live negotiation phase of a call, if it is live.
func (e *Engine) State(callID string) (State, bool) {
	sess := e.session(callID)
	if sess == nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, true
}

// ListForUser returns the user's call history, newest first.
func (e *Engine) ListForUser(ctx context.Context, userID string) ([]*Call, error) {
	return e.store.ListCallsForUser(ctx, userID)
}

// ListForChat returns a chat's call history, newest first.
func (e *Engine) ListForChat(ctx context.Context, chatRef string) ([]*Call, error) {
	return e.store.ListCallsForChat(ctx, chatRef)
}

func (e *Engine) session(callID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[callID]
}

// dedupe keeps the first occurrence of each recipient, dropping empties
// and the caller's own id.
func dedupe(ids []string, callerID string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == callerID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
