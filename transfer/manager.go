// Package transfer runs the per-file session state machine on both sides of a
// share: announcement over the relay, acceptance, the direct-channel handshake,
// chunked streaming with reassembly, and cancellation, expiry and re-download.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securepeer/config"
	"securepeer/logging"
	"securepeer/models"
	"securepeer/network"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

const (
	DefaultResponseTimeout  = 5 * time.Minute
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultChunkTimeout     = 30 * time.Second

	cancelFrameTimeout = time.Second
	anyAttempt         = -1
)

var (
	errDeclinedByPeer   = errors.New("declined by recipient")
	errDeclinedLocally  = errors.New("declined")
	errCancelledByPeer  = errors.New("cancelled by peer")
	errCancelledLocally = errors.New("cancelled")
)

// Relay is the part of the relay client the manager needs.
type Relay interface {
	SendSignal(ctx context.Context, env relay.Envelope) (relay.Envelope, error)
}

// Keys seals and opens payloads as the active identity.
type Keys interface {
	relay.Sealer
	relay.Opener
}

// Peers resolves connection records. Only connected peers may exchange files.
type Peers interface {
	Connection(peerID string) (models.Connection, error)
}

// Options configures a Manager. Owner, Relay, Keys, Peers, Dialer, Store, FilesDir
// and TempDir are required.
type Options struct {
	Owner    models.Identity
	Relay    Relay
	Keys     Keys
	Peers    Peers
	Dialer   network.Dialer
	Store    *storage.Store
	Notifier notify.Notifier

	FilesDir string
	TempDir  string

	ChunkSize        int
	ResponseTimeout  time.Duration
	HandshakeTimeout time.Duration
	ChunkTimeout     time.Duration

	// OnProgress is called after every applied chunk and every terminal transition.
	OnProgress func(Snapshot)
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Manager owns every transfer session of one identity.
type Manager struct {
	owner    models.Identity
	relay    Relay
	keys     Keys
	peers    Peers
	dialer   network.Dialer
	store    *storage.Store
	notifier notify.Notifier

	filesDir string
	tempDir  string

	chunkSize        int
	responseTimeout  time.Duration
	handshakeTimeout time.Duration
	chunkTimeout     time.Duration

	onProgress func(Snapshot)
	logger     *logrus.Entry
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	commitMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// New validates options, creates the file directories and restores history.
// Sessions interrupted mid-stream by a previous shutdown come back as Failed so
// they can be downloaded again.
func New(options Options) (*Manager, error) {
	switch {
	case options.Owner.ID == "":
		return nil, models.ErrNoActiveIdentity
	case options.Relay == nil:
		return nil, errors.New("relay client is required")
	case options.Keys == nil:
		return nil, errors.New("keys are required")
	case options.Peers == nil:
		return nil, errors.New("connection lookup is required")
	case options.Dialer == nil:
		return nil, errors.New("dialer is required")
	case options.Store == nil:
		return nil, errors.New("store is required")
	case options.FilesDir == "" || options.TempDir == "":
		return nil, errors.New("files and temp directories are required")
	}

	chunkSize := options.ChunkSize
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}
	if chunkSize > network.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d exceeds %d", models.ErrValidation, chunkSize, network.MaxChunkSize)
	}
	for _, dir := range []string{options.FilesDir, options.TempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		owner:            options.Owner,
		relay:            options.Relay,
		keys:             options.Keys,
		peers:            options.Peers,
		dialer:           options.Dialer,
		store:            options.Store,
		notifier:         notifier,
		filesDir:         options.FilesDir,
		tempDir:          options.TempDir,
		chunkSize:        chunkSize,
		responseTimeout:  durationOr(options.ResponseTimeout, DefaultResponseTimeout),
		handshakeTimeout: durationOr(options.HandshakeTimeout, DefaultHandshakeTimeout),
		chunkTimeout:     durationOr(options.ChunkTimeout, DefaultChunkTimeout),
		onProgress:       options.OnProgress,
		logger:           logging.OrDiscard(options.Logger).WithField("owner_id", options.Owner.ID),
		now:              now,
		ctx:              ctx,
		cancel:           cancel,
		sessions:         make(map[string]*session),
	}
	if err := m.restore(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func (m *Manager) restore() error {
	rows, err := m.store.ListTransfers(m.owner.ID)
	if err != nil {
		return fmt.Errorf("load transfer history: %w", err)
	}

	for _, row := range rows {
		s := sessionFromRow(row)
		if !s.state.Valid() {
			m.logger.WithFields(logrus.Fields{"file_id": row.FileID, "state": row.State}).Warn("skipping transfer with unknown state")
			continue
		}

		s.mu.Lock()
		switch s.state {
		case StateAnnounced, StateNegotiating, StateTransferring:
			interrupted := fmt.Errorf("%w: interrupted by shutdown", models.ErrPeerUnreachable)
			s.state = StateFailed
			s.failure = interrupted
			s.failText = interrupted.Error()
			s.updatedAt = m.now().UnixMilli()
			close(s.done)
			if s.direction == DirectionIncoming {
				_ = os.Remove(m.partPath(s.meta.ID))
			}
			m.persistLocked(s)
		case StateAwaitingAcceptance:
			if s.direction == DirectionOutgoing {
				m.armResponseTimerLocked(s)
			}
		}
		s.mu.Unlock()

		m.sessions[s.meta.ID] = s
	}
	return nil
}

// Announce shares the file at path with each recipient. Every recipient gets its
// own metadata and session. All recipients are validated before anything is sent;
// a relay failure for one recipient fails only that session.
func (m *Manager) Announce(ctx context.Context, path string, recipients []string, expiry models.Expiry) ([]Snapshot, error) {
	if _, err := models.ParseExpiry(string(expiry)); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", models.ErrValidation)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", models.ErrValidation, path)
	}

	conns := make([]models.Connection, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, id := range recipients {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if id == m.owner.ID {
			return nil, models.ErrSelfRequest
		}
		conn, err := m.connected(id)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	name := filepath.Base(absPath)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	createdAt := m.now().UnixMilli()

	var (
		snapshots = make([]Snapshot, 0, len(conns))
		errs      []error
	)
	for _, conn := range conns {
		meta := models.FileMetadata{
			ID:        uuid.NewString(),
			Name:      name,
			MimeType:  mimeType,
			SizeBytes: info.Size(),
			CreatedAt: createdAt,
			Expiry:    expiry,
			Sender:    models.Party{ID: m.owner.ID, Username: m.owner.Username},
			Recipient: models.Party{ID: conn.PeerID, Username: conn.Username},
		}
		s := &session{
			meta:       meta,
			direction:  DirectionOutgoing,
			peerID:     conn.PeerID,
			state:      StateAnnounced,
			sourcePath: absPath,
			updatedAt:  createdAt,
			done:       make(chan struct{}),
		}
		if err := m.add(s); err != nil {
			return snapshots, err
		}
		s.mu.Lock()
		m.persistLocked(s)
		s.mu.Unlock()

		sig := m.signalerFor(s, conn.PublicKey)
		if err := sig.send(ctx, relay.FileMetadataPayload{Metadata: meta}); err != nil {
			m.settle(s, anyAttempt, StateAnnounced, StateFailed, err)
			errs = append(errs, fmt.Errorf("announce %q to %s: %w", name, conn.Username, err))
			snapshots = append(snapshots, s.snapshot())
			continue
		}

		s.mu.Lock()
		if _, err := m.transitionLocked(s, StateAwaitingAcceptance, nil); err == nil {
			m.armResponseTimerLocked(s)
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"file_id": meta.ID,
			"peer_id": conn.PeerID,
			"size":    meta.SizeBytes,
		}).Info("file announced")
		snapshots = append(snapshots, snap)
	}
	return snapshots, errors.Join(errs...)
}

// Accept starts the handshake for an incoming announcement. The recipient is
// always the initiating side of the direct channel.
func (m *Manager) Accept(ctx context.Context, fileID string) error {
	s, err := m.lookup(fileID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	direction, state := s.direction, s.state
	s.mu.Unlock()
	if direction != DirectionIncoming || state != StateAwaitingAcceptance {
		return fmt.Errorf("%w: cannot accept %s transfer in state %s", models.ErrInvalidTransition, direction, state)
	}
	return m.initiate(ctx, s, false)
}

// DownloadFile asks the sender to serve an announced file again. It applies to
// incoming sessions that never completed.
func (m *Manager) DownloadFile(ctx context.Context, fileID string) error {
	s, err := m.lookup(fileID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	direction, state := s.direction, s.state
	s.mu.Unlock()
	if direction != DirectionIncoming || (state != StateAwaitingAcceptance && state != StateFailed) {
		return fmt.Errorf("%w: cannot download %s transfer in state %s", models.ErrInvalidTransition, direction, state)
	}
	return m.initiate(ctx, s, true)
}

// Decline refuses an incoming announcement. The sender is told best-effort.
func (m *Manager) Decline(ctx context.Context, fileID string) error {
	s, err := m.lookup(fileID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	direction, state, peerID := s.direction, s.state, s.peerID
	s.mu.Unlock()
	if direction != DirectionIncoming || state != StateAwaitingAcceptance {
		return fmt.Errorf("%w: cannot decline %s transfer in state %s", models.ErrInvalidTransition, direction, state)
	}
	if !m.settle(s, anyAttempt, StateAwaitingAcceptance, StateCancelled, errDeclinedLocally) {
		return fmt.Errorf("%w: transfer %s changed state", models.ErrInvalidTransition, fileID)
	}

	m.tellPeer(ctx, s, peerID, relay.FileActionDecline)
	m.logger.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peerID}).Info("transfer declined")
	return nil
}

// Cancel aborts a non-terminal session on either side. Partial data is discarded,
// the peer is told over the channel and the relay, and the history row stays.
func (m *Manager) Cancel(ctx context.Context, fileID string) error {
	s, err := m.lookup(fileID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: transfer already %s", models.ErrInvalidTransition, state)
	}
	var link network.Link
	if s.peerOpenLocked() {
		link = s.peer.Link()
	}
	attempt, peerID := s.attempt, s.peerID
	s.mu.Unlock()

	if link != nil {
		m.abort(link, reasonCancelled)
	}
	if !m.settle(s, attempt, "", StateCancelled, errCancelledLocally) {
		return fmt.Errorf("%w: transfer %s changed state", models.ErrInvalidTransition, fileID)
	}

	m.tellPeer(ctx, s, peerID, relay.FileActionCancel)
	m.logger.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peerID}).Info("transfer cancelled")
	return nil
}

// Housekeep expires completed sessions whose retention window has passed at now
// and deletes the local copy of expired incoming files.
func (m *Manager) Housekeep(now time.Time) (int, error) {
	var (
		expired int
		errs    []error
	)
	for _, s := range m.list() {
		s.mu.Lock()
		if s.state != StateCompleted || !s.meta.ExpiredAt(now) {
			s.mu.Unlock()
			continue
		}
		stored := ""
		if s.direction == DirectionIncoming {
			stored = s.storedPath
		}
		_, err := m.transitionLocked(s, StateExpired, nil)
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if stored != "" {
			if err := os.Remove(stored); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove expired file: %w", err))
			}
		}
		expired++
	}
	if expired > 0 {
		m.logger.WithField("count", expired).Info("expired transfers")
	}
	return expired, errors.Join(errs...)
}

// Session returns the current snapshot of fileID.
func (m *Manager) Session(fileID string) (Snapshot, error) {
	s, err := m.lookup(fileID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// Sessions returns every known session, newest first.
func (m *Manager) Sessions() []Snapshot {
	list := m.list()
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.CreatedAt != out[j].Metadata.CreatedAt {
			return out[i].Metadata.CreatedAt > out[j].Metadata.CreatedAt
		}
		return out[i].Metadata.ID < out[j].Metadata.ID
	})
	return out
}

// History returns the persisted transfer history of the owner.
func (m *Manager) History() ([]Snapshot, error) {
	rows, err := m.store.ListTransfers(m.owner.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotFromRow(row))
	}
	return out, nil
}

// Wait blocks until fileID reaches a terminal state or ctx ends.
func (m *Manager) Wait(ctx context.Context, fileID string) (Snapshot, error) {
	s, err := m.lookup(fileID)
	if err != nil {
		return Snapshot{}, err
	}
	for {
		s.mu.Lock()
		if s.state.Terminal() {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap, nil
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return s.snapshot(), ctx.Err()
		}
	}
}

// Close stops every running attempt and waits for the stream goroutines. Sessions
// that were mid-stream stay persisted as such and are failed on the next New.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range list {
		s.mu.Lock()
		peer := s.releaseLocked()
		s.mu.Unlock()
		closePeer(peer)
	}
	m.wg.Wait()
}

func (m *Manager) initiate(ctx context.Context, s *session, requestDownload bool) error {
	conn, err := m.connected(s.peerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := m.transitionLocked(s, StateNegotiating, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	attempt, runCtx, old := m.beginAttemptLocked(s)
	s.mu.Unlock()
	closePeer(old)

	sig := m.signalerFor(s, conn.PublicKey)
	if requestDownload {
		if err := sig.send(ctx, relay.FileRequestPayload{FileID: s.meta.ID, Action: relay.FileActionDownload}); err != nil {
			err = fmt.Errorf("%w: request download: %v", models.ErrPeerUnreachable, err)
			m.settle(s, attempt, "", StateFailed, err)
			return err
		}
	}

	peer, err := m.dialer.NewPeer(network.RoleInitiator, sig)
	if err != nil {
		err = fmt.Errorf("%w: %v", models.ErrPeerUnreachable, err)
		m.settle(s, attempt, "", StateFailed, err)
		return err
	}
	pending, ok := m.attachPeer(s, attempt, peer)
	if !ok {
		_ = peer.Close()
		return fmt.Errorf("%w: transfer %s changed state", models.ErrInvalidTransition, s.meta.ID)
	}
	if err := peer.Start(ctx); err != nil {
		err = fmt.Errorf("%w: send offer: %v", models.ErrPeerUnreachable, err)
		m.settle(s, attempt, "", StateFailed, err)
		return err
	}
	log := m.logger.WithFields(logrus.Fields{"file_id": s.meta.ID, "attempt": attempt})
	for _, c := range pending {
		if err := peer.HandleCandidate(ctx, c); err != nil {
			log.WithError(err).Debug("buffered candidate rejected")
		}
	}

	log.Info("handshake started")
	m.watch(runCtx, s, attempt, peer)
	return nil
}

// watch runs one attempt's channel wait and stream on a goroutine tied to the
// manager's lifetime rather than the caller's context.
func (m *Manager) watch(runCtx context.Context, s *session, attempt int, peer network.Peer) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go m.run(runCtx, s, attempt, peer)
}

func (m *Manager) run(ctx context.Context, s *session, attempt int, peer network.Peer) {
	defer m.wg.Done()

	timer := time.NewTimer(m.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-peer.Opened():
	case <-timer.C:
		m.settle(s, attempt, StateNegotiating, StateFailed,
			fmt.Errorf("%w: no direct channel within %s", models.ErrPeerUnreachable, m.handshakeTimeout))
		return
	case <-ctx.Done():
		return
	}

	link := peer.Link()
	if link == nil {
		m.settle(s, attempt, StateNegotiating, StateFailed, fmt.Errorf("%w: channel opened without a link", models.ErrPeerUnreachable))
		return
	}

	s.mu.Lock()
	if s.attempt != attempt || s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	_, err := m.transitionLocked(s, StateTransferring, nil)
	s.mu.Unlock()
	if err != nil {
		return
	}

	if s.direction == DirectionIncoming {
		m.receive(ctx, s, attempt, link)
		return
	}
	m.send(ctx, s, attempt, link)
}

func (m *Manager) connected(peerID string) (models.Connection, error) {
	conn, err := m.peers.Connection(peerID)
	if err != nil {
		return models.Connection{}, err
	}
	if conn.Status != models.ConnectionConnected {
		return models.Connection{}, fmt.Errorf("%w: %q", models.ErrNotConnected, peerID)
	}
	return conn, nil
}

func (m *Manager) add(s *session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("transfer manager is closed")
	}
	if _, exists := m.sessions[s.meta.ID]; exists {
		return fmt.Errorf("%w: duplicate transfer %s", models.ErrValidation, s.meta.ID)
	}
	m.sessions[s.meta.ID] = s
	return nil
}

func (m *Manager) lookup(fileID string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTransfer, fileID)
	}
	return s, nil
}

func (m *Manager) list() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// transitionLocked moves s to next and persists it. For a terminal next it ends
// the current attempt and returns the attempt's peer for the caller to close.
func (m *Manager) transitionLocked(s *session, next State, cause error) (network.Peer, error) {
	prev := s.state
	if !prev.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, prev, next)
	}

	s.state = next
	s.updatedAt = m.now().UnixMilli()

	var release network.Peer
	switch {
	case next.Terminal():
		if cause != nil {
			s.failure = cause
			s.failText = cause.Error()
		}
		release = s.releaseLocked()
		s.candidates = nil
		if !prev.Terminal() {
			close(s.done)
		}
	case prev.Terminal():
		s.failure = nil
		s.failText = ""
		s.done = make(chan struct{})
	}
	m.persistLocked(s)

	m.logger.WithFields(logrus.Fields{
		"file_id": s.meta.ID,
		"from":    prev,
		"to":      next,
	}).Debug("transfer state changed")
	return release, nil
}

// beginAttemptLocked starts a fresh attempt. Transfers are all-or-nothing, so
// progress restarts from zero.
func (m *Manager) beginAttemptLocked(s *session) (int, context.Context, network.Peer) {
	old := s.releaseLocked()
	s.attempt++
	s.bytes = 0
	s.milestone = 0
	s.runCtx, s.cancelRun = context.WithCancel(m.ctx)
	return s.attempt, s.runCtx, old
}

func (m *Manager) attachPeer(s *session, attempt int, peer network.Peer) ([]network.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt || s.state != StateNegotiating {
		return nil, false
	}
	s.stopTimerLocked()
	s.peer = peer
	pending := s.candidates
	s.candidates = nil
	return pending, true
}

func (m *Manager) armResponseTimerLocked(s *session) {
	attempt := s.attempt
	s.stopTimerLocked()
	s.timer = time.AfterFunc(m.responseTimeout, func() {
		if m.settle(s, attempt, StateAwaitingAcceptance, StateFailed, models.ErrNoResponse) {
			m.logger.WithField("file_id", s.meta.ID).Warn("recipient did not respond")
		}
	})
}

// settle moves attempt of s from a live state to the terminal state next and
// surfaces the outcome. An empty from accepts any non-terminal state. It reports
// whether the transition happened; each attempt settles at most once.
func (m *Manager) settle(s *session, attempt int, from, next State, cause error) bool {
	s.mu.Lock()
	if (attempt != anyAttempt && s.attempt != attempt) || s.state.Terminal() || (from != "" && s.state != from) {
		s.mu.Unlock()
		return false
	}
	release, err := m.transitionLocked(s, next, cause)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		m.logger.WithError(err).WithField("file_id", s.meta.ID).Warn("transfer transition rejected")
		return false
	}

	closePeer(release)
	m.surface(snap)
	return true
}

// surface reports a terminal snapshot. Every failure yields exactly one error
// notification; cancellations are only announced when the peer caused them.
func (m *Manager) surface(snap Snapshot) {
	data := map[string]string{
		"file_id": snap.Metadata.ID,
		"peer_id": snap.PeerID(),
		"name":    snap.Metadata.Name,
		"state":   string(snap.State),
	}
	peerName := snap.Metadata.Recipient.Username
	if snap.Direction == DirectionIncoming {
		peerName = snap.Metadata.Sender.Username
	}

	switch snap.State {
	case StateCompleted:
		if snap.Direction == DirectionIncoming {
			m.notifier.Enqueue(notify.CategorySuccess, fmt.Sprintf("Received %q from %s", snap.Metadata.Name, peerName), data)
		} else {
			m.notifier.Enqueue(notify.CategorySuccess, fmt.Sprintf("Delivered %q to %s", snap.Metadata.Name, peerName), data)
		}
	case StateFailed:
		m.notifier.Enqueue(notify.CategoryError, fmt.Sprintf("Transfer of %q failed: %s", snap.Metadata.Name, snap.Failure), data)
	case StateCancelled:
		switch {
		case errors.Is(snap.Err, errDeclinedByPeer):
			m.notifier.Enqueue(notify.CategoryInfo, fmt.Sprintf("%s declined %q", peerName, snap.Metadata.Name), data)
		case errors.Is(snap.Err, errCancelledByPeer):
			m.notifier.Enqueue(notify.CategoryInfo, fmt.Sprintf("%s cancelled %q", peerName, snap.Metadata.Name), data)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"file_id": snap.Metadata.ID,
		"state":   snap.State,
		"failure": snap.Failure,
	}).Info("transfer finished")
	if m.onProgress != nil {
		m.onProgress(snap)
	}
}

func (m *Manager) progress(s *session, attempt int, transferred int64) {
	s.mu.Lock()
	if s.attempt != attempt || s.state != StateTransferring {
		s.mu.Unlock()
		return
	}
	s.bytes = transferred
	s.updatedAt = m.now().UnixMilli()

	quarter := 0
	if total := s.meta.SizeBytes; total > 0 {
		quarter = int(transferred * 4 / total)
	}
	milestone := quarter > s.milestone && quarter < 4
	if milestone {
		s.milestone = quarter
		if err := m.store.UpdateTransferState(m.owner.ID, s.meta.ID, string(s.state), s.bytes, s.failText, s.storedPath); err != nil {
			m.logger.WithError(err).WithField("file_id", s.meta.ID).Warn("persist progress failed")
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if milestone {
		m.notifier.Enqueue(notify.CategoryInfo, fmt.Sprintf("%q %d%% transferred", snap.Metadata.Name, quarter*25), map[string]string{
			"file_id": snap.Metadata.ID,
			"peer_id": snap.PeerID(),
		})
	}
	if m.onProgress != nil {
		m.onProgress(snap)
	}
}

func (m *Manager) persistLocked(s *session) {
	if err := m.store.UpsertTransfer(s.rowLocked(m.owner.ID)); err != nil {
		m.logger.WithError(err).WithField("file_id", s.meta.ID).Warn("persist transfer failed")
	}
}

func (m *Manager) tellPeer(ctx context.Context, s *session, peerID, action string) {
	conn, err := m.connected(peerID)
	if err != nil {
		m.logger.WithError(err).WithField("peer_id", peerID).Debug("peer not told, no connection")
		return
	}
	err = m.signalerFor(s, conn.PublicKey).send(ctx, relay.FileRequestPayload{FileID: s.meta.ID, Action: action})
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{"peer_id": peerID, "action": action}).Warn("file request not delivered")
	}
}

func (m *Manager) partPath(fileID string) string {
	return filepath.Join(m.tempDir, fileID+".part")
}

// commit moves a finished part file into the files directory under the announced
// name, adding a numeric suffix when the name is taken.
func (m *Manager) commit(part string, meta models.FileMetadata) (string, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	name := safeName(meta.Name, meta.ID)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	dst := filepath.Join(m.filesDir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return "", err
		}
		dst = filepath.Join(m.filesDir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	if err := os.Rename(part, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func safeName(name, fallback string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	switch name {
	case "", ".", "..", "/":
		return fallback
	}
	return name
}

func closePeer(peer network.Peer) {
	if peer != nil {
		_ = peer.Close()
	}
}
