package relay

import (
	"encoding/json"
	"fmt"

	"securepeer/models"
)

// Sealer encrypts payload bytes for a peer and authenticates them as the local identity.
type Sealer interface {
	Seal(peerPublicKey []byte, plaintext []byte) (json.RawMessage, error)
}

// Opener decrypts payload bytes sealed by a peer for the local identity.
type Opener interface {
	Open(peerPublicKey []byte, sealed json.RawMessage) ([]byte, error)
}

// NewEnvelope builds an unsent envelope carrying p. Payloads of sealed types are
// encrypted for peerPublicKey with sealer.
func NewEnvelope(from, to string, p Payload, sealer Sealer, peerPublicKey []byte) (Envelope, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return Envelope{}, err
	}

	t := p.EnvelopeType()
	if t.Sealed() {
		if sealer == nil {
			return Envelope{}, fmt.Errorf("%s payload must be sealed", t)
		}
		raw, err = sealer.Seal(peerPublicKey, raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("seal %s payload: %w", t, err)
		}
	}

	return Envelope{From: from, To: to, Type: t, Payload: raw}, nil
}

// OpenEnvelope authenticates and decodes env's payload using the claimed sender's
// known public key. An envelope that does not open is a DecryptionFailure.
func OpenEnvelope(env Envelope, opener Opener, senderPublicKey []byte) (Payload, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownEnvelopeType, env.Type)
	}

	raw := []byte(env.Payload)
	if env.Type.Sealed() {
		if len(senderPublicKey) == 0 {
			return nil, fmt.Errorf("%w: no known key for sender %q", models.ErrDecryptionFailure, env.From)
		}
		plaintext, err := opener.Open(senderPublicKey, env.Payload)
		if err != nil {
			return nil, err
		}
		raw = plaintext
	}
	return DecodePayload(env.Type, raw)
}
