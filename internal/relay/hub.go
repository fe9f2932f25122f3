// Package relay delivers signaling messages to per-user mailboxes. The
// relay owns no call state: it is an addressable fanout keyed by user
// identity, forwarding envelopes without inspecting their encrypted
// contents.
package relay

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/waveline/callrelay/internal/wire"
)

// Channel is a single delivery endpoint for a user. A user with several
// devices or tabs registers one Channel per connection.
type Channel interface {
	// Deliver enqueues a message without blocking. It returns false when
	// the endpoint's buffer is full and the message was dropped.
	Deliver(msg *wire.SignalingMessage) bool
}

// DefaultMailboxSize is the per-channel buffer used when none is given.
const DefaultMailboxSize = 64

// Mailbox is the standard Channel implementation: a buffered FIFO queue
// drained by the connection's write pump.
type Mailbox struct {
	ch chan *wire.SignalingMessage
}

// NewMailbox creates a mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan *wire.SignalingMessage, size)}
}

// Deliver enqueues msg, dropping it if the mailbox is full.
func (m *Mailbox) Deliver(msg *wire.SignalingMessage) bool {
	select {
	case m.ch <- msg:
		return true
	default:
		log.Warn().
			Str("kind", string(msg.Kind)).
			Str("call_id", msg.CallID).
			Msg("Mailbox full, dropping message")
		return false
	}
}

// Receive returns the read side of the mailbox.
func (m *Mailbox) Receive() <-chan *wire.SignalingMessage {
	return m.ch
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	channels map[string][]Channel
}

// Hub maps user identity to open channels. The registry is sharded so
// join/leave/send on unrelated users never contend on one lock.
type Hub struct {
	shards [shardCount]*shard
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{}
	for i := range h.shards {
		h.shards[i] = &shard{channels: make(map[string][]Channel)}
	}
	return h
}

func (h *Hub) shardFor(userID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return h.shards[f.Sum32()%shardCount]
}

// Join registers a channel under userID. Registering the same channel
// twice is a no-op.
func (h *Hub) Join(userID string, ch Channel) {
	s := h.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.channels[userID] {
		if existing == ch {
			return
		}
	}
	s.channels[userID] = append(s.channels[userID], ch)
	log.Debug().Str("user_id", userID).Int("channels", len(s.channels[userID])).Msg("Channel joined")
}

// Leave deregisters a channel. Safe to call repeatedly or for a pair that
// was never registered.
func (h *Hub) Leave(userID string, ch Channel) {
	s := h.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	chans := s.channels[userID]
	for i, existing := range chans {
		if existing == ch {
			s.channels[userID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.channels[userID]) == 0 {
		delete(s.channels, userID)
	}
}

// SendTo forwards msg verbatim to every channel registered under userID
// and returns the number of channels it was enqueued to. Zero means the
// user is offline; that is an expected outcome, not an error.
func (h *Hub) SendTo(userID string, msg *wire.SignalingMessage) int {
	s := h.shardFor(userID)
	s.mu.RLock()
	chans := make([]Channel, len(s.channels[userID]))
	copy(chans, s.channels[userID])
	s.mu.RUnlock()

	delivered := 0
	for _, ch := range chans {
		if ch.Deliver(msg) {
			delivered++
		}
	}
	return delivered
}

// Send fans msg out to every recipient it names and returns the total
// number of channels reached. Messages from one sender to one recipient
// are enqueued in call order on each channel.
func (h *Hub) Send(msg *wire.SignalingMessage) int {
	delivered := 0
	for _, userID := range msg.RecipientIDs {
		delivered += h.SendTo(userID, msg)
	}
	return delivered
}

// ChannelCount reports how many channels userID currently has open.
func (h *Hub) ChannelCount(userID string) int {
	s := h.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[userID])
}
