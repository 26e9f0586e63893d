package transfer

import "securepeer/storage"

// State is the lifecycle position of one transfer session.
type State string

const (
	StateAnnounced          State = "announced"
	StateAwaitingAcceptance State = "awaiting_acceptance"
	StateNegotiating        State = "negotiating"
	StateTransferring       State = "transferring"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
	StateExpired            State = "expired"
)

// Re-entering Negotiating from Failed or Completed is how a download-on-demand
// restarts a session; Cancelled and Expired are final.
var transitions = map[State][]State{
	StateAnnounced:          {StateAwaitingAcceptance, StateFailed, StateCancelled},
	StateAwaitingAcceptance: {StateNegotiating, StateFailed, StateCancelled},
	StateNegotiating:        {StateTransferring, StateFailed, StateCancelled},
	StateTransferring:       {StateCompleted, StateFailed, StateCancelled},
	StateCompleted:          {StateExpired, StateNegotiating},
	StateFailed:             {StateNegotiating},
}

// Terminal reports whether s ends a transfer attempt.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateAnnounced, StateAwaitingAcceptance, StateNegotiating, StateTransferring,
		StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Direction says which side of the transfer the local identity is on.
type Direction string

const (
	DirectionOutgoing Direction = storage.DirectionOutgoing
	DirectionIncoming Direction = storage.DirectionIncoming
)
