package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"securepeer/models"
)

type xorSealer struct{ key byte }

func (s xorSealer) Seal(_ []byte, plaintext []byte) (json.RawMessage, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ s.key
	}
	return json.Marshal(out)
}

func (s xorSealer) Open(_ []byte, sealed json.RawMessage) ([]byte, error) {
	var data []byte
	if err := json.Unmarshal(sealed, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionFailure, err)
	}
	for i := range data {
		data[i] ^= s.key
	}
	if !json.Valid(data) {
		return nil, models.ErrDecryptionFailure
	}
	return data, nil
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload("chat-message", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEnvelopeType) {
		t.Fatalf("expected ErrUnknownEnvelopeType, got %v", err)
	}
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected unknown type to be a validation error, got %v", err)
	}
}

func TestDecodePayloadValidatesSchema(t *testing.T) {
	cases := []struct {
		name string
		typ  EnvelopeType
		raw  string
	}{
		{name: "empty", typ: TypeOffer, raw: ``},
		{name: "offer without sdp", typ: TypeOffer, raw: `{"fileId":"f1"}`},
		{name: "unknown action", typ: TypeFileRequest, raw: `{"fileId":"f1","action":"steal"}`},
		{name: "short key", typ: TypeConnectionRequest, raw: `{"username":"alice","publicKey":"AQID"}`},
		{name: "metadata without recipient", typ: TypeFileMetadata, raw: `{"metadata":{"id":"f","name":"n","expiry":"24h","sender":{"id":"a"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodePayload(tc.typ, []byte(tc.raw)); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestDecodePayloadKeepsUnknownExpiry(t *testing.T) {
	raw := `{"metadata":{"id":"f","name":"n","expiry":"30d","sender":{"id":"a"},"recipient":{"id":"b"}}}`
	payload, err := DecodePayload(TypeFileMetadata, []byte(raw))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got := payload.(FileMetadataPayload).Metadata.Expiry; got != "30d" {
		t.Fatalf("expected expiry passed through as 30d, got %q", got)
	}
}

func TestEnvelopeTypeQueues(t *testing.T) {
	if TypeConnectionRequest.Queue() != "request" || TypeConnectionResponse.Queue() != "request" {
		t.Fatalf("connection envelopes must use the request queue")
	}
	for _, typ := range []EnvelopeType{TypeFileMetadata, TypeFileRequest, TypeOffer, TypeAnswer, TypeICECandidate} {
		if typ.Queue() != "signal" {
			t.Fatalf("%s must use the signal queue", typ)
		}
		if !typ.Sealed() {
			t.Fatalf("%s must be sealed", typ)
		}
	}
	if TypeConnectionRequest.Sealed() {
		t.Fatalf("connection requests travel in clear")
	}
}

func TestNewEnvelopeSealsAndOpenEnvelopeDecodes(t *testing.T) {
	sealer := xorSealer{key: 0x5a}
	payload := OfferPayload{FileID: "file-1", SDP: "v=0"}

	env, err := NewEnvelope("alice-id", "bob-id", payload, sealer, []byte("bob-key"))
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if bytes.Contains(env.Payload, []byte("v=0")) {
		t.Fatalf("expected sealed payload, got %s", env.Payload)
	}

	opened, err := OpenEnvelope(env, sealer, []byte("alice-key"))
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	offer, ok := opened.(OfferPayload)
	if !ok || offer != payload {
		t.Fatalf("unexpected payload %#v", opened)
	}

	if _, err := OpenEnvelope(env, sealer, nil); !errors.Is(err, models.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure without sender key, got %v", err)
	}
	if _, err := OpenEnvelope(env, xorSealer{key: 0x11}, []byte("alice-key")); !errors.Is(err, models.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure with the wrong key, got %v", err)
	}
}

func TestConnectionRequestTravelsInClear(t *testing.T) {
	payload := ConnectionRequestPayload{Username: "alice", PublicKey: bytes.Repeat([]byte{7}, 32)}
	env, err := NewEnvelope("alice-id", "bob-id", payload, nil, nil)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	opened, err := OpenEnvelope(env, nil, nil)
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	request, ok := opened.(ConnectionRequestPayload)
	if !ok || request.Username != "alice" {
		t.Fatalf("unexpected payload %#v", opened)
	}
}
