package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate indicates a unique constraint would be violated.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrStatusRegression indicates a connection status update that would move backwards.
	ErrStatusRegression = errors.New("storage: connection status cannot regress")
)

const (
	connectionStatusRequestedOutgoing = "requested_outgoing"
	connectionStatusRequestedIncoming = "requested_incoming"
	connectionStatusConnected         = "connected"
)

const (
	// QueueRequest is the relay queue of contact requests.
	QueueRequest = "request"
	// QueueSignal is the relay queue of transfer signaling envelopes.
	QueueSignal = "signal"
)

const (
	// DirectionOutgoing marks a transfer sent by the local identity.
	DirectionOutgoing = "outgoing"
	// DirectionIncoming marks a transfer received by the local identity.
	DirectionIncoming = "incoming"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventDecryptionFailure records a sealed payload that did not open with the sender's key.
	SecurityEventDecryptionFailure = "decryption_failure"
	// SecurityEventForgedSender records an envelope whose payload names a different sender.
	SecurityEventForgedSender = "forged_sender"
	// SecurityEventUnknownSender records a signal from a peer that is not connected.
	SecurityEventUnknownSender = "unknown_sender"
	// SecurityEventMalformedEnvelope records an envelope with an unknown type or bad payload.
	SecurityEventMalformedEnvelope = "malformed_envelope"
)

// Identity is the SQLite representation of a local account.
type Identity struct {
	ID        string
	Username  string
	PublicKey []byte
	KeyPath   string
	Active    bool
	CreatedAt int64
}

// Connection is the SQLite representation of a peer relationship.
type Connection struct {
	OwnerID     string
	PeerID      string
	Username    string
	PublicKey   []byte
	Status      string
	RequestID   string
	ConnectedAt *int64
	CreatedAt   int64
}

// Transfer is one row of file transfer history.
type Transfer struct {
	OwnerID           string
	FileID            string
	PeerID            string
	Direction         string
	Name              string
	MimeType          string
	SizeBytes         int64
	CreatedAt         int64
	Expiry            string
	SenderID          string
	SenderUsername    string
	RecipientID       string
	RecipientUsername string
	State             string
	BytesTransferred  int64
	Failure           string
	SourcePath        string
	StoredPath        string
	UpdatedAt         int64
}

// SecurityEvent stores suspicious envelope activity.
type SecurityEvent struct {
	ID        int64
	OwnerID   string
	EventType string
	PeerID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	OwnerID   string
	EventType string
	PeerID    string
	Severity  string
	Limit     int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateConnectionStatus(status string) error {
	switch status {
	case connectionStatusRequestedOutgoing, connectionStatusRequestedIncoming, connectionStatusConnected:
		return nil
	default:
		return fmt.Errorf("invalid connection status %q", status)
	}
}

func validateQueue(queue string) error {
	switch queue {
	case QueueRequest, QueueSignal:
		return nil
	default:
		return fmt.Errorf("invalid envelope queue %q", queue)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionOutgoing, DirectionIncoming:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullStringFromValue(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
