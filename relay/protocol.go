package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"securepeer/models"
	"securepeer/storage"
)

// EnvelopeType is the closed set of relay envelope kinds.
type EnvelopeType string

const (
	TypeFileMetadata       EnvelopeType = "file-metadata"
	TypeFileRequest        EnvelopeType = "file-request"
	TypeOffer              EnvelopeType = "offer"
	TypeAnswer             EnvelopeType = "answer"
	TypeICECandidate       EnvelopeType = "ice-candidate"
	TypeConnectionRequest  EnvelopeType = "connection-request"
	TypeConnectionResponse EnvelopeType = "connection-response"
)

const (
	// FileActionDownload asks the sender to (re)serve a file.
	FileActionDownload = "download"
	// FileActionDecline tells the sender the recipient will not take the file.
	FileActionDecline = "decline"
	// FileActionCancel aborts a transfer that was already negotiating or streaming.
	FileActionCancel = "cancel"
)

var (
	// ErrUnknownEnvelopeType indicates an envelope type outside the fixed enum.
	ErrUnknownEnvelopeType = fmt.Errorf("%w: unknown envelope type", models.ErrValidation)
	// ErrInvalidPayload indicates a payload that does not match its type's schema.
	ErrInvalidPayload = fmt.Errorf("%w: invalid envelope payload", models.ErrValidation)
)

// Queue returns the relay queue an envelope type travels on.
func (t EnvelopeType) Queue() string {
	switch t {
	case TypeConnectionRequest, TypeConnectionResponse:
		return storage.QueueRequest
	default:
		return storage.QueueSignal
	}
}

// Sealed reports whether payloads of this type are encrypted from sender to
// recipient. Connection requests travel in clear because the recipient does not
// know the sender's key yet.
func (t EnvelopeType) Sealed() bool {
	return t != TypeConnectionRequest
}

// Valid reports whether t is part of the envelope enum.
func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeFileMetadata, TypeFileRequest, TypeOffer, TypeAnswer, TypeICECandidate,
		TypeConnectionRequest, TypeConnectionResponse:
		return true
	default:
		return false
	}
}

// Envelope is the relay wire unit for both the request and the signal queue.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      EnvelopeType    `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Payload is implemented by one struct per envelope type.
type Payload interface {
	EnvelopeType() EnvelopeType
	validate() error
}

// FileMetadataPayload announces a file to its recipient.
type FileMetadataPayload struct {
	Metadata models.FileMetadata `json:"metadata"`
}

// FileRequestPayload carries a recipient decision about an announced file.
type FileRequestPayload struct {
	FileID string `json:"fileId"`
	Action string `json:"action"`
}

// OfferPayload carries the initiator's session description.
type OfferPayload struct {
	FileID string `json:"fileId"`
	SDP    string `json:"sdp"`
}

// AnswerPayload carries the responder's session description.
type AnswerPayload struct {
	FileID string `json:"fileId"`
	SDP    string `json:"sdp"`
}

// ICECandidatePayload carries one trickled transport candidate.
type ICECandidatePayload struct {
	FileID        string  `json:"fileId"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnectionRequestPayload introduces the requester.
type ConnectionRequestPayload struct {
	Username  string `json:"username"`
	PublicKey []byte `json:"publicKey"`
}

// ConnectionResponsePayload answers a connection request.
type ConnectionResponsePayload struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
	Username  string `json:"username"`
}

func (FileMetadataPayload) EnvelopeType() EnvelopeType       { return TypeFileMetadata }
func (FileRequestPayload) EnvelopeType() EnvelopeType        { return TypeFileRequest }
func (OfferPayload) EnvelopeType() EnvelopeType              { return TypeOffer }
func (AnswerPayload) EnvelopeType() EnvelopeType             { return TypeAnswer }
func (ICECandidatePayload) EnvelopeType() EnvelopeType       { return TypeICECandidate }
func (ConnectionRequestPayload) EnvelopeType() EnvelopeType  { return TypeConnectionRequest }
func (ConnectionResponsePayload) EnvelopeType() EnvelopeType { return TypeConnectionResponse }

func (p FileMetadataPayload) validate() error {
	m := p.Metadata
	if m.ID == "" || m.Name == "" || m.Sender.ID == "" || m.Recipient.ID == "" {
		return errors.New("metadata requires id, name, sender and recipient")
	}
	if m.SizeBytes < 0 {
		return errors.New("metadata size must be >= 0")
	}
	// An unknown expiry is not a schema error; receivers fall back to 24h.
	return nil
}

func (p FileRequestPayload) validate() error {
	if p.FileID == "" {
		return errors.New("fileId is required")
	}
	switch p.Action {
	case FileActionDownload, FileActionDecline, FileActionCancel:
		return nil
	default:
		return fmt.Errorf("unknown file action %q", p.Action)
	}
}

func (p OfferPayload) validate() error  { return requireSDP(p.FileID, p.SDP) }
func (p AnswerPayload) validate() error { return requireSDP(p.FileID, p.SDP) }

func (p ICECandidatePayload) validate() error {
	if p.FileID == "" {
		return errors.New("fileId is required")
	}
	return nil
}

func (p ConnectionRequestPayload) validate() error {
	if strings.TrimSpace(p.Username) == "" {
		return errors.New("username is required")
	}
	if len(p.PublicKey) != 32 {
		return fmt.Errorf("public key must be 32 bytes, got %d", len(p.PublicKey))
	}
	return nil
}

func (p ConnectionResponsePayload) validate() error {
	if p.RequestID == "" {
		return errors.New("requestId is required")
	}
	return nil
}

func requireSDP(fileID, sdp string) error {
	if fileID == "" {
		return errors.New("fileId is required")
	}
	if sdp == "" {
		return errors.New("sdp is required")
	}
	return nil
}

// EncodePayload validates and serializes p.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.EnvelopeType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EnvelopeType(), err)
	}
	return raw, nil
}

// DecodePayload parses raw into the payload struct selected by t. Unknown types are
// rejected with ErrUnknownEnvelopeType.
func DecodePayload(t EnvelopeType, raw []byte) (Payload, error) {
	var p Payload
	var err error
	switch t {
	case TypeFileMetadata:
		p, err = decodeAs[FileMetadataPayload](raw)
	case TypeFileRequest:
		p, err = decodeAs[FileRequestPayload](raw)
	case TypeOffer:
		p, err = decodeAs[OfferPayload](raw)
	case TypeAnswer:
		p, err = decodeAs[AnswerPayload](raw)
	case TypeICECandidate:
		p, err = decodeAs[ICECandidatePayload](raw)
	case TypeConnectionRequest:
		p, err = decodeAs[ConnectionRequestPayload](raw)
	case TypeConnectionResponse:
		p, err = decodeAs[ConnectionResponsePayload](raw)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEnvelopeType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, errors.New("empty payload")
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}
