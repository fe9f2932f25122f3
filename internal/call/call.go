// Package call implements the per-call state machine driving a call from
// initiation to termination, and the durable Call record lifecycle it
// projects onto the storage collaborator.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/waveline/callrelay/internal/wire"
)

var (
	// ErrInvalidCallRequest indicates missing or malformed initiation
	// fields. Surfaced to the initiating client, never retried.
	ErrInvalidCallRequest = errors.New("call: invalid call request")

	// ErrCallNotFound indicates an operation on an unknown or expired
	// call. Surfaced, never retried or queued.
	ErrCallNotFound = errors.New("call: call not found")
)

// Type is the media type of a call.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Valid reports whether t is a known call type.
func (t Type) Valid() bool {
	return t == TypeAudio || t == TypeVideo
}

// Status is the terminal-facing status of a call record. A call is
// created as missed and only ever moves forward: missed is overwritten by
// answered, answered by completed; rejected replaces missed when a
// recipient declines.
type Status string

const (
	StatusMissed    Status = "missed"
	StatusAnswered  Status = "answered"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Call is the durable record of a call. The state machine exclusively
// owns the in-memory truth while the call is live; this record is the
// projection written at creation and at each status transition.
type Call struct {
	ID              string     `json:"id"`
	ChatRef         string     `json:"chat_ref"`
	CallerID        string     `json:"caller_id"`
	RecipientIDs    []string   `json:"recipient_ids"`
	Type            Type       `json:"call_type"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Store is the persistence collaborator. Implementations return the
// fully-resolved Call after every write.
type Store interface {
	CreateCall(ctx context.Context, c *Call) (*Call, error)
	// UpdateCallStatus transitions a persisted call. endTime may be nil
	// for transitions that do not terminate the call. Unknown ids fail
	// with ErrCallNotFound.
	UpdateCallStatus(ctx context.Context, callID string, status Status, endTime *time.Time, durationSeconds int64) (*Call, error)
	GetCall(ctx context.Context, callID string) (*Call, error)
	ListCallsForUser(ctx context.Context, userID string) ([]*Call, error)
	ListCallsForChat(ctx context.Context, chatRef string) ([]*Call, error)
}

// KeyDirectory is the user-profile collaborator. GetUserPublicKey
// returns (nil, nil) when the user has not published a key.
type KeyDirectory interface {
	GetUserPublicKey(ctx context.Context, userID string) ([]byte, error)
}

// Relay is the signaling fanout. Send returns the number of channels the
// message reached; zero means every recipient was offline, which is an
// expected outcome and not an error.
type Relay interface {
	Send(msg *wire.SignalingMessage) int
}
