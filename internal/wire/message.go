// Package wire defines the signaling envelope relayed between call
// participants. The relay forwards these verbatim; encrypted payloads are
// opaque to every hop.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/waveline/callrelay/internal/crypto"
)

// Kind identifies a signaling message.
type Kind string

const (
	// KindStart carries the encrypted offer blob and per-recipient session
	// keys from the caller to each recipient.
	KindStart Kind = "start"
	// KindAnswer carries the encrypted answer blob back to the caller.
	KindAnswer Kind = "answer"
	// KindICECandidate carries an opaque candidate descriptor either way.
	KindICECandidate Kind = "ice-candidate"
	// KindEnd announces termination to the remaining participants.
	KindEnd Kind = "end"
)

// SignalingMessage is the unit the relay delivers. It is held only for the
// in-flight window and never persisted.
type SignalingMessage struct {
	ID           string          `json:"id" cbor:"1,keyasint"`
	Kind         Kind            `json:"kind" cbor:"2,keyasint"`
	CallID       string          `json:"call_id" cbor:"3,keyasint"`
	SenderID     string          `json:"sender_id" cbor:"4,keyasint"`
	RecipientIDs []string        `json:"recipient_ids" cbor:"5,keyasint"`
	CallType     string          `json:"call_type,omitempty" cbor:"6,keyasint,omitempty"`
	Envelope     *crypto.Envelope `json:"envelope,omitempty" cbor:"7,keyasint,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty" cbor:"8,keyasint,omitempty"`
	// SessionKeys maps recipient identity to the call's symmetric key,
	// sealed under that recipient's public key. Present only on start.
	SessionKeys map[string]*crypto.SealedEnvelope `json:"session_keys,omitempty" cbor:"9,keyasint,omitempty"`
	SentAt      int64           `json:"sent_at" cbor:"10,keyasint"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the fields every relayed message must carry.
func (m *SignalingMessage) Validate() error {
	switch m.Kind {
	case KindStart, KindAnswer, KindICECandidate, KindEnd:
	default:
		return fmt.Errorf("unknown signaling kind %q", m.Kind)
	}
	if m.CallID == "" {
		return fmt.Errorf("missing call_id")
	}
	if m.SenderID == "" {
		return fmt.Errorf("missing sender_id")
	}
	if len(m.RecipientIDs) == 0 {
		return fmt.Errorf("missing recipients")
	}
	return nil
}

// Encode serializes a message for the relay fabric.
func Encode(m *SignalingMessage) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signaling message: %w", err)
	}
	return data, nil
}

// Decode deserializes a fabric message.
func Decode(data []byte) (*SignalingMessage, error) {
	var m SignalingMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode signaling message: %w", err)
	}
	return &m, nil
}

// EncodeJSON serializes a message for the websocket edge, where browser
// peers speak JSON.
func EncodeJSON(m *SignalingMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signaling message: %w", err)
	}
	return data, nil
}

// DecodeJSON deserializes an edge message.
func DecodeJSON(data []byte) (*SignalingMessage, error) {
	var m SignalingMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode signaling message: %w", err)
	}
	return &m, nil
}
