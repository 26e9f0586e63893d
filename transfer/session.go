package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"securepeer/models"
	"securepeer/network"
	"securepeer/storage"
)

const maxBufferedCandidates = 64

// Snapshot is a read-only copy of one session.
type Snapshot struct {
	Metadata         models.FileMetadata `json:"metadata"`
	Direction        Direction           `json:"direction"`
	State            State               `json:"state"`
	BytesTransferred int64               `json:"bytes_transferred"`
	TotalBytes       int64               `json:"total_bytes"`
	Failure          string              `json:"failure,omitempty"`
	StoredPath       string              `json:"stored_path,omitempty"`
	UpdatedAt        int64               `json:"updated_at"`

	// Err is the in-process failure cause; it is not restored after a restart.
	Err error `json:"-"`
}

// Progress returns bytesTransferred / totalBytes in [0, 1].
func (s Snapshot) Progress() float64 {
	if s.TotalBytes <= 0 {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.TotalBytes)
}

// PeerID returns the id of the other party.
func (s Snapshot) PeerID() string {
	if s.Direction == DirectionOutgoing {
		return s.Metadata.Recipient.ID
	}
	return s.Metadata.Sender.ID
}

// session is one side's state machine for one file. The peer's mirrored session is
// a separate object in another process, correlated only by the metadata id.
type session struct {
	mu sync.Mutex

	meta       models.FileMetadata
	direction  Direction
	peerID     string
	state      State
	failure    error
	failText   string
	bytes      int64
	sourcePath string
	storedPath string
	updatedAt  int64

	attempt    int
	runCtx     context.Context
	cancelRun  context.CancelFunc
	peer       network.Peer
	candidates []network.Candidate
	timer      *time.Timer
	milestone  int
	done       chan struct{}
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		Metadata:         s.meta,
		Direction:        s.direction,
		State:            s.state,
		BytesTransferred: s.bytes,
		TotalBytes:       s.meta.SizeBytes,
		Failure:          s.failText,
		StoredPath:       s.storedPath,
		UpdatedAt:        s.updatedAt,
		Err:              s.failure,
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// releaseLocked ends the current attempt and returns its peer for the caller to
// close outside the lock.
func (s *session) releaseLocked() network.Peer {
	s.stopTimerLocked()
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	peer := s.peer
	s.peer = nil
	return peer
}

func (s *session) peerOpenLocked() bool {
	if s.peer == nil {
		return false
	}
	select {
	case <-s.peer.Opened():
		return true
	default:
		return false
	}
}

func (s *session) bufferCandidateLocked(c network.Candidate) {
	if len(s.candidates) >= maxBufferedCandidates {
		return
	}
	s.candidates = append(s.candidates, c)
}

func (s *session) rowLocked(ownerID string) storage.Transfer {
	return storage.Transfer{
		OwnerID:           ownerID,
		FileID:            s.meta.ID,
		PeerID:            s.peerID,
		Direction:         string(s.direction),
		Name:              s.meta.Name,
		MimeType:          s.meta.MimeType,
		SizeBytes:         s.meta.SizeBytes,
		CreatedAt:         s.meta.CreatedAt,
		Expiry:            string(s.meta.Expiry),
		SenderID:          s.meta.Sender.ID,
		SenderUsername:    s.meta.Sender.Username,
		RecipientID:       s.meta.Recipient.ID,
		RecipientUsername: s.meta.Recipient.Username,
		State:             string(s.state),
		BytesTransferred:  s.bytes,
		Failure:           s.failText,
		SourcePath:        s.sourcePath,
		StoredPath:        s.storedPath,
		UpdatedAt:         s.updatedAt,
	}
}

func sessionFromRow(row storage.Transfer) *session {
	s := &session{
		meta:       metadataFromRow(row),
		direction:  Direction(row.Direction),
		peerID:     row.PeerID,
		state:      State(row.State),
		failText:   row.Failure,
		bytes:      row.BytesTransferred,
		sourcePath: row.SourcePath,
		storedPath: row.StoredPath,
		updatedAt:  row.UpdatedAt,
		done:       make(chan struct{}),
	}
	if row.Failure != "" {
		s.failure = errors.New(row.Failure)
	}
	if s.state.Terminal() {
		close(s.done)
	}
	return s
}

func metadataFromRow(row storage.Transfer) models.FileMetadata {
	return models.FileMetadata{
		ID:        row.FileID,
		Name:      row.Name,
		MimeType:  row.MimeType,
		SizeBytes: row.SizeBytes,
		CreatedAt: row.CreatedAt,
		Expiry:    models.Expiry(row.Expiry),
		Sender:    models.Party{ID: row.SenderID, Username: row.SenderUsername},
		Recipient: models.Party{ID: row.RecipientID, Username: row.RecipientUsername},
	}
}

func snapshotFromRow(row storage.Transfer) Snapshot {
	return sessionFromRow(row).snapshot()
}
