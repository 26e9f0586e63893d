// Package connection owns the contact graph of the active identity: searching the
// relay directory, sending and answering connection requests, and removal.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securepeer/logging"
	"securepeer/models"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

// Directory is the part of the relay client the manager needs.
type Directory interface {
	SearchUsers(ctx context.Context, query string) ([]relay.User, error)
	LookupUser(ctx context.Context, id string) (relay.User, error)
	SendRequest(ctx context.Context, env relay.Envelope) (relay.Envelope, error)
}

// Keys seals and opens payloads as the active identity.
type Keys interface {
	relay.Sealer
	relay.Opener
}

// Options configures a Manager. Owner, Directory, Keys and Store are required.
type Options struct {
	Owner     models.Identity
	Directory Directory
	Keys      Keys
	Store     *storage.Store
	Notifier  notify.Notifier
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Manager is the single writer of the owner's connection records. Every mutation
// of one peer's record runs under that peer's lock.
type Manager struct {
	owner     models.Identity
	directory Directory
	keys      Keys
	store     *storage.Store
	notifier  notify.Notifier
	logger    *logrus.Entry
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New validates options and returns a Manager bound to options.Owner.
func New(options Options) (*Manager, error) {
	if options.Owner.ID == "" {
		return nil, models.ErrNoActiveIdentity
	}
	if options.Directory == nil {
		return nil, errors.New("relay directory is required")
	}
	if options.Keys == nil {
		return nil, errors.New("keys are required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		owner:     options.Owner,
		directory: options.Directory,
		keys:      options.Keys,
		store:     options.Store,
		notifier:  notifier,
		logger:    logging.OrDiscard(options.Logger).WithField("owner_id", options.Owner.ID),
		now:       now,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// SearchUsers returns relay users matching query that are neither the owner nor
// already related to the owner in any status.
func (m *Manager) SearchUsers(ctx context.Context, query string) ([]models.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(query) > relay.MaxQueryLength {
		return nil, fmt.Errorf("%w: query must be 1-%d characters", models.ErrMalformedQuery, relay.MaxQueryLength)
	}

	users, err := m.directory.SearchUsers(ctx, query)
	if err != nil {
		return nil, err
	}

	related, err := m.relatedPeers()
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(users))
	for _, user := range users {
		if user.ID == m.owner.ID {
			continue
		}
		if _, ok := related[user.ID]; ok {
			continue
		}
		out = append(out, models.Candidate{
			ID:        user.ID,
			Username:  user.Username,
			PublicKey: append([]byte(nil), user.PublicKey...),
		})
	}
	return out, nil
}

// SendConnectionRequest asks peerID to connect and records requested_outgoing.
func (m *Manager) SendConnectionRequest(ctx context.Context, peerID string) (models.Connection, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return models.Connection{}, fmt.Errorf("%w: empty peer id", models.ErrUnknownPeer)
	}
	if peerID == m.owner.ID {
		return models.Connection{}, models.ErrSelfRequest
	}

	unlock := m.lockPeer(peerID)
	defer unlock()

	if err := m.ensureNoRelationship(peerID); err != nil {
		return models.Connection{}, err
	}

	user, err := m.directory.LookupUser(ctx, peerID)
	if err != nil {
		return models.Connection{}, err
	}
	if len(user.PublicKey) != 32 {
		return models.Connection{}, fmt.Errorf("%w: peer %q has no usable public key", models.ErrUnknownPeer, peerID)
	}

	env, err := relay.NewEnvelope(m.owner.ID, peerID, relay.ConnectionRequestPayload{
		Username:  m.owner.Username,
		PublicKey: m.owner.PublicKey,
	}, nil, nil)
	if err != nil {
		return models.Connection{}, err
	}
	stored, err := m.directory.SendRequest(ctx, env)
	if err != nil {
		return models.Connection{}, err
	}

	row := storage.Connection{
		OwnerID:   m.owner.ID,
		PeerID:    peerID,
		Username:  user.Username,
		PublicKey: user.PublicKey,
		Status:    string(models.ConnectionRequestedOutgoing),
		RequestID: stored.ID,
		CreatedAt: m.now().UnixMilli(),
	}
	if err := m.store.AddConnection(row); err != nil {
		return models.Connection{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"peer_id":    peerID,
		"request_id": stored.ID,
	}).Info("connection request sent")
	return connectionFromRow(&row), nil
}

// AcceptConnectionRequest accepts an incoming request. The peer is told first so a
// relay failure leaves the request pending and retryable.
func (m *Manager) AcceptConnectionRequest(ctx context.Context, requestID string) (models.Connection, error) {
	row, err := m.incomingByRequest(requestID)
	if err != nil {
		return models.Connection{}, err
	}

	unlock := m.lockPeer(row.PeerID)
	defer unlock()

	row, err = m.incomingByRequest(requestID)
	if err != nil {
		return models.Connection{}, err
	}

	if err := m.respond(ctx, row, true); err != nil {
		return models.Connection{}, err
	}

	connectedAt := m.now().UnixMilli()
	if err := m.store.UpdateConnectionStatus(m.owner.ID, row.PeerID, string(models.ConnectionConnected), connectedAt); err != nil {
		return models.Connection{}, err
	}
	row.Status = string(models.ConnectionConnected)
	row.ConnectedAt = &connectedAt

	m.logger.WithFields(logrus.Fields{"peer_id": row.PeerID, "request_id": requestID}).Info("connection request accepted")
	return connectionFromRow(row), nil
}

// RejectConnectionRequest deletes an incoming request and tells the peer best-effort.
func (m *Manager) RejectConnectionRequest(ctx context.Context, requestID string) error {
	row, err := m.incomingByRequest(requestID)
	if err != nil {
		return err
	}

	unlock := m.lockPeer(row.PeerID)
	defer unlock()

	row, err = m.incomingByRequest(requestID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteConnection(m.owner.ID, row.PeerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if err := m.respond(ctx, row, false); err != nil {
		m.logger.WithError(err).WithField("peer_id", row.PeerID).Warn("decline notice not delivered")
	}
	m.logger.WithFields(logrus.Fields{"peer_id": row.PeerID, "request_id": requestID}).Info("connection request rejected")
	return nil
}

// RemoveConnection deletes the local record for peerID. The peer is not told.
func (m *Manager) RemoveConnection(peerID string) error {
	unlock := m.lockPeer(peerID)
	defer unlock()

	if err := m.store.DeleteConnection(m.owner.ID, peerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %q", models.ErrUnknownPeer, peerID)
		}
		return err
	}
	m.logger.WithField("peer_id", peerID).Info("connection removed")
	return nil
}

// Connection returns the record for peerID in any status.
func (m *Manager) Connection(peerID string) (models.Connection, error) {
	row, err := m.store.GetConnection(m.owner.ID, peerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Connection{}, fmt.Errorf("%w: %q", models.ErrUnknownPeer, peerID)
		}
		return models.Connection{}, err
	}
	return connectionFromRow(row), nil
}

// Connections returns every record of the owner sorted by username.
func (m *Manager) Connections() ([]models.Connection, error) {
	rows, err := m.store.ListConnections(m.owner.ID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(rows))
	for i := range rows {
		out = append(out, connectionFromRow(&rows[i]))
	}
	return out, nil
}

// PendingIncoming returns requests waiting for the owner's decision.
func (m *Manager) PendingIncoming() ([]models.Connection, error) {
	all, err := m.Connections()
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0)
	for _, conn := range all {
		if conn.Status == models.ConnectionRequestedIncoming {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (m *Manager) respond(ctx context.Context, row *storage.Connection, accepted bool) error {
	env, err := relay.NewEnvelope(m.owner.ID, row.PeerID, relay.ConnectionResponsePayload{
		RequestID: row.RequestID,
		Accepted:  accepted,
		Username:  m.owner.Username,
	}, m.keys, row.PublicKey)
	if err != nil {
		return err
	}
	_, err = m.directory.SendRequest(ctx, env)
	return err
}

func (m *Manager) ensureNoRelationship(peerID string) error {
	row, err := m.store.GetConnection(m.owner.ID, peerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if row.Status == string(models.ConnectionConnected) {
		return fmt.Errorf("%w: %q", models.ErrAlreadyConnected, row.Username)
	}
	return fmt.Errorf("%w: %q", models.ErrAlreadyPending, row.Username)
}

func (m *Manager) incomingByRequest(requestID string) (*storage.Connection, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: empty request id", models.ErrUnknownRequest)
	}
	row, err := m.store.GetConnectionByRequestID(m.owner.ID, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownRequest, requestID)
		}
		return nil, err
	}
	if row.Status != string(models.ConnectionRequestedIncoming) {
		return nil, fmt.Errorf("%w: %q is not an incoming request", models.ErrUnknownRequest, requestID)
	}
	return row, nil
}

func (m *Manager) relatedPeers() (map[string]struct{}, error) {
	rows, err := m.store.ListConnections(m.owner.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		out[row.PeerID] = struct{}{}
	}
	return out, nil
}

func (m *Manager) lockPeer(peerID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[peerID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[peerID] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (m *Manager) securityEvent(eventType, peerID, severity string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	peer := peerID
	if err := m.store.LogSecurityEvent(storage.SecurityEvent{
		OwnerID:   m.owner.ID,
		EventType: eventType,
		PeerID:    &peer,
		Details:   string(raw),
		Severity:  severity,
	}); err != nil {
		m.logger.WithError(err).Warn("record security event failed")
	}
}

func connectionFromRow(row *storage.Connection) models.Connection {
	conn := models.Connection{
		PeerID:    row.PeerID,
		Username:  row.Username,
		PublicKey: append([]byte(nil), row.PublicKey...),
		Status:    models.ConnectionStatus(row.Status),
		RequestID: row.RequestID,
		CreatedAt: row.CreatedAt,
	}
	if row.ConnectedAt != nil {
		conn.ConnectedAt = *row.ConnectedAt
	}
	return conn
}
