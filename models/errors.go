package models

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the public API wraps exactly one of these.
var (
	ErrAuthentication     = errors.New("authentication error")
	ErrValidation         = errors.New("validation error")
	ErrRelay              = errors.New("relay error")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrDecryptionFailure  = errors.New("decryption failure")
)

var (
	ErrNoActiveIdentity   = fmt.Errorf("%w: no active identity", ErrAuthentication)
	ErrDuplicateUsername  = fmt.Errorf("%w: username already registered", ErrValidation)
	ErrInvalidUsername    = fmt.Errorf("%w: invalid username", ErrValidation)
	ErrUnknownPeer        = fmt.Errorf("%w: unknown peer", ErrValidation)
	ErrSelfRequest        = fmt.Errorf("%w: cannot connect to self", ErrValidation)
	ErrMalformedQuery     = fmt.Errorf("%w: malformed search query", ErrValidation)
	ErrAlreadyConnected   = fmt.Errorf("%w: already connected", ErrValidation)
	ErrAlreadyPending     = fmt.Errorf("%w: request already pending", ErrValidation)
	ErrNotConnected       = fmt.Errorf("%w: peer is not connected", ErrValidation)
	ErrUnknownRequest     = fmt.Errorf("%w: unknown connection request", ErrValidation)
	ErrUnknownTransfer    = fmt.Errorf("%w: unknown transfer", ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid state transition", ErrValidation)
	ErrExportNotConfirmed = fmt.Errorf("%w: private key export not confirmed", ErrValidation)
	ErrNoResponse         = fmt.Errorf("%w: no response", ErrPeerUnreachable)
)
