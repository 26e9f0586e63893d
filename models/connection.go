package models

// ConnectionStatus is the lifecycle state of a peer relationship.
type ConnectionStatus string

const (
	ConnectionRequestedOutgoing ConnectionStatus = "requested_outgoing"
	ConnectionRequestedIncoming ConnectionStatus = "requested_incoming"
	ConnectionConnected         ConnectionStatus = "connected"
)

// Valid reports whether s is a known status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionRequestedOutgoing, ConnectionRequestedIncoming, ConnectionConnected:
		return true
	default:
		return false
	}
}

// Pending reports whether s is one of the requested states.
func (s ConnectionStatus) Pending() bool {
	return s == ConnectionRequestedOutgoing || s == ConnectionRequestedIncoming
}

// CanTransition reports whether moving from s to next is allowed. Transitions are
// monotone: a requested record may become connected, nothing moves backwards.
func (s ConnectionStatus) CanTransition(next ConnectionStatus) bool {
	if s == next {
		return true
	}
	return s.Pending() && next == ConnectionConnected
}

// Connection is one relationship between the local identity and a peer.
type Connection struct {
	PeerID      string           `json:"peer_id"`
	Username    string           `json:"username"`
	PublicKey   []byte           `json:"public_key"`
	Status      ConnectionStatus `json:"status"`
	RequestID   string           `json:"request_id"`
	ConnectedAt int64            `json:"connected_at"`
	CreatedAt   int64            `json:"created_at"`
}
