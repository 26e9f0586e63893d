package network

import (
	"context"
	"errors"
)

// ErrClosed is returned when sending on a closed link.
var ErrClosed = errors.New("network: link closed")

// Role selects which side of the handshake a peer plays.
type Role int

const (
	// RoleInitiator creates the channel and sends the offer.
	RoleInitiator Role = iota
	// RoleResponder answers an offer.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Candidate is one trickled transport candidate.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// Signaler delivers handshake messages to the remote peer, typically through the relay.
type Signaler interface {
	SendOffer(ctx context.Context, sdp string) error
	SendAnswer(ctx context.Context, sdp string) error
	SendCandidate(ctx context.Context, candidate Candidate) error
}

// Link is an open, ordered, reliable message channel to one peer.
type Link interface {
	// Send transmits one message, waiting for buffer space until ctx is done.
	Send(ctx context.Context, payload []byte) error
	// Recv yields inbound messages in order. It is never closed; watch Done.
	Recv() <-chan []byte
	// Done is closed when the link is closed by either side or fails.
	Done() <-chan struct{}
	Close() error
}

// Peer is one side of a channel negotiation. Handle* methods are safe to call
// repeatedly; messages that arrive after the channel is open are ignored.
type Peer interface {
	// Start creates the channel and sends the offer. Initiators only.
	Start(ctx context.Context) error
	HandleOffer(ctx context.Context, sdp string) error
	HandleAnswer(ctx context.Context, sdp string) error
	HandleCandidate(ctx context.Context, candidate Candidate) error
	// Opened is closed once Link is usable.
	Opened() <-chan struct{}
	Link() Link
	Close() error
}

// Dialer creates peers for one transport implementation.
type Dialer interface {
	NewPeer(role Role, signaler Signaler) (Peer, error)
}
