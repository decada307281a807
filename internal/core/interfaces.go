package core

import (
	"errors"

	"github.com/dkeye/hostrelay/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrPeerClosed   = errors.New("peer closed")
)

type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

// Frame is an opaque payload relayed as-is; Kind is preserved end to end.
type Frame struct {
	Kind FrameKind
	Data []byte
}

type PeerID string

// PeerConnection abstracts a participant's transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type PeerConnection interface {
	// TrySend enqueues without blocking. ErrBackpressure means the peer's queue is full.
	TrySend(Frame) error
	Close()
}

// Member binds a participant identity and its transport endpoint.
// This is what a membership stores and fans out to.
type Member struct {
	ID   PeerID
	User domain.User
	Host bool
	Conn PeerConnection
}

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SentTo  int
	Dropped []Member
	Failed  []Member
}

// Membership is the ordered participant set of one session.
// It owns the set but never touches transport resources.
type Membership interface {
	Add(m Member)
	Remove(id PeerID) (Member, bool)
	// Guests counts members that are not the host.
	Guests() int
	Snapshot() []Member
	Broadcast(from PeerID, f Frame) PublishResult
}
