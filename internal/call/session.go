package call

import (
	"sync"
	"time"

	"github.com/waveline/callrelay/internal/crypto"
)

// State is the negotiation phase of a live call.
type State string

const (
	StateRinging     State = "ringing"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateCompleted   State = "completed"
	StateRejected    State = "rejected"
	StateMissed      State = "missed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateMissed
}

// session is the in-memory state of one live call. Each session is
// exclusively owned by its call's lifecycle; its mutex only serializes
// operations on this call, never across calls.
type session struct {
	mu sync.Mutex

	call       *Call
	state      State
	answeredBy string

	// key is the per-call reference to the conversation key protecting
	// signaling payloads for this call's chat.
	key  crypto.SymmetricKey
	keys *crypto.EncryptedKeyMap

	ringTimer *time.Timer
}

// answered reports whether any recipient has answered. Caller must hold mu.
func (s *session) answered() bool {
	return s.answeredBy != ""
}

// teardown releases everything the session holds: the ring timer, the key
// reference, and the encrypted key map. Called on every terminal
// transition, whatever state the call was in.
func (s *session) teardown() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.key = nil
	s.keys = nil
}
