package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securepeer/models"
	"securepeer/network"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

// signaler carries one session's handshake through the relay signal queue,
// sealed for the peer.
type signaler struct {
	m       *Manager
	fileID  string
	peerID  string
	peerKey []byte
}

func (m *Manager) signalerFor(s *session, peerKey []byte) *signaler {
	return &signaler{m: m, fileID: s.meta.ID, peerID: s.peerID, peerKey: append([]byte(nil), peerKey...)}
}

func (sg *signaler) SendOffer(ctx context.Context, sdp string) error {
	return sg.send(ctx, relay.OfferPayload{FileID: sg.fileID, SDP: sdp})
}

func (sg *signaler) SendAnswer(ctx context.Context, sdp string) error {
	return sg.send(ctx, relay.AnswerPayload{FileID: sg.fileID, SDP: sdp})
}

func (sg *signaler) SendCandidate(ctx context.Context, c network.Candidate) error {
	return sg.send(ctx, relay.ICECandidatePayload{
		FileID:        sg.fileID,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (sg *signaler) send(ctx context.Context, p relay.Payload) error {
	env, err := relay.NewEnvelope(sg.m.owner.ID, sg.peerID, p, sg.m.keys, sg.peerKey)
	if err != nil {
		return err
	}
	_, err = sg.m.relay.SendSignal(ctx, env)
	return err
}

// HandleSignal applies one signal-queue envelope. Payloads are opened with the
// stored key of the claimed sender, so only connected peers get through.
func (m *Manager) HandleSignal(ctx context.Context, env relay.Envelope) {
	log := m.logger.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"type":        env.Type,
		"peer_id":     env.From,
	})

	if env.To != m.owner.ID || env.From == "" || env.From == m.owner.ID {
		log.Warn("dropping misaddressed signal envelope")
		return
	}
	if env.Type.Queue() != storage.QueueSignal {
		log.Warn("dropping non-signal envelope")
		m.securityEvent(storage.SecurityEventMalformedEnvelope, env.From, storage.SecuritySeverityWarning, map[string]any{
			"envelope_id": env.ID,
			"type":        string(env.Type),
		})
		return
	}

	conn, err := m.connected(env.From)
	if err != nil {
		log.WithError(err).Warn("dropping signal from unconnected sender")
		m.securityEvent(storage.SecurityEventUnknownSender, env.From, storage.SecuritySeverityWarning, map[string]any{
			"envelope_id": env.ID,
			"type":        string(env.Type),
		})
		return
	}

	payload, err := relay.OpenEnvelope(env, m.keys, conn.PublicKey)
	if err != nil {
		eventType, severity := storage.SecurityEventMalformedEnvelope, storage.SecuritySeverityWarning
		if errors.Is(err, models.ErrDecryptionFailure) {
			eventType, severity = storage.SecurityEventDecryptionFailure, storage.SecuritySeverityCritical
		}
		log.WithError(err).Warn("dropping signal that does not open")
		m.securityEvent(eventType, env.From, severity, map[string]any{
			"envelope_id": env.ID,
			"type":        string(env.Type),
			"error":       err.Error(),
		})
		return
	}

	switch p := payload.(type) {
	case relay.FileMetadataPayload:
		m.handleMetadata(env, conn, p, log)
	case relay.FileRequestPayload:
		m.handleFileRequest(env, p, log)
	case relay.OfferPayload:
		m.handleOffer(ctx, env, conn, p, log)
	case relay.AnswerPayload:
		m.handleAnswer(ctx, env, p, log)
	case relay.ICECandidatePayload:
		m.handleCandidate(ctx, env, p, log)
	}
}

func (m *Manager) handleMetadata(env relay.Envelope, conn models.Connection, p relay.FileMetadataPayload, log *logrus.Entry) {
	meta := p.Metadata
	if meta.Sender.ID != env.From || meta.Recipient.ID != m.owner.ID {
		log.Warn("metadata parties do not match the envelope")
		m.securityEvent(storage.SecurityEventForgedSender, env.From, storage.SecuritySeverityCritical, map[string]any{
			"envelope_id":  env.ID,
			"file_id":      meta.ID,
			"sender_id":    meta.Sender.ID,
			"recipient_id": meta.Recipient.ID,
		})
		return
	}
	if _, err := uuid.Parse(meta.ID); err != nil || meta.SizeBytes < 0 {
		log.Warn("dropping metadata with invalid id or size")
		m.securityEvent(storage.SecurityEventMalformedEnvelope, env.From, storage.SecuritySeverityWarning, map[string]any{
			"envelope_id": env.ID,
			"file_id":     meta.ID,
		})
		return
	}
	if _, err := models.ParseExpiry(string(meta.Expiry)); err != nil {
		meta.Expiry = models.Expiry24h
	}
	meta.Sender.Username = conn.Username

	s := &session{
		meta:      meta,
		direction: DirectionIncoming,
		peerID:    env.From,
		state:     StateAwaitingAcceptance,
		updatedAt: m.now().UnixMilli(),
		done:      make(chan struct{}),
	}
	if err := m.add(s); err != nil {
		log.WithField("file_id", meta.ID).Debug("metadata already known")
		return
	}
	s.mu.Lock()
	m.persistLocked(s)
	s.mu.Unlock()

	log.WithFields(logrus.Fields{"file_id": meta.ID, "size": meta.SizeBytes}).Info("file announced to us")
	m.notifier.Enqueue(notify.CategoryIncomingTransfer, fmt.Sprintf("%s wants to send you %q", conn.Username, meta.Name), map[string]string{
		"file_id": meta.ID,
		"peer_id": env.From,
		"name":    meta.Name,
		"size":    fmt.Sprint(meta.SizeBytes),
		"expiry":  string(meta.Expiry),
	})
}

// handleFileRequest applies a decision from the peer. decline and download only
// make sense on the sending side; cancel applies to both.
func (m *Manager) handleFileRequest(env relay.Envelope, p relay.FileRequestPayload, log *logrus.Entry) {
	s, ok := m.peerSession(env, p.FileID, log)
	if !ok {
		return
	}
	log = log.WithFields(logrus.Fields{"file_id": p.FileID, "action": p.Action})

	switch p.Action {
	case relay.FileActionCancel:
		if m.settle(s, anyAttempt, "", StateCancelled, errCancelledByPeer) {
			log.Info("peer cancelled transfer")
		}
	case relay.FileActionDecline:
		if s.direction != DirectionOutgoing {
			log.Warn("ignoring decline for an incoming transfer")
			return
		}
		if m.settle(s, anyAttempt, "", StateCancelled, errDeclinedByPeer) {
			log.Info("recipient declined transfer")
		}
	case relay.FileActionDownload:
		if s.direction != DirectionOutgoing {
			log.Warn("ignoring download request for an incoming transfer")
			return
		}
		m.serveAgain(s, log)
	}
}

// serveAgain prepares an outgoing session for a download request. The recipient's
// offer follows on the same queue; if it never arrives the attempt fails.
func (m *Manager) serveAgain(s *session, log *logrus.Entry) {
	s.mu.Lock()
	switch s.state {
	case StateAwaitingAcceptance, StateFailed, StateCompleted:
	default:
		state := s.state
		s.mu.Unlock()
		log.WithField("state", state).Debug("ignoring download request")
		return
	}
	if _, err := os.Stat(s.sourcePath); err != nil {
		s.mu.Unlock()
		log.WithError(err).Warn("cannot serve download, source is gone")
		return
	}
	if _, err := m.transitionLocked(s, StateNegotiating, nil); err != nil {
		s.mu.Unlock()
		log.WithError(err).Warn("cannot serve download")
		return
	}
	attempt, _, old := m.beginAttemptLocked(s)
	s.timer = time.AfterFunc(m.handshakeTimeout, func() {
		m.settle(s, attempt, StateNegotiating, StateFailed, fmt.Errorf("%w: no offer within %s", models.ErrPeerUnreachable, m.handshakeTimeout))
	})
	s.mu.Unlock()
	closePeer(old)
	log.Info("serving download request")
}

// handleOffer answers the recipient's handshake on the sending side. An offer that
// arrives while a channel is already open is stale and ignored; an offer that
// replaces an unopened handshake restarts the attempt.
func (m *Manager) handleOffer(ctx context.Context, env relay.Envelope, conn models.Connection, p relay.OfferPayload, log *logrus.Entry) {
	s, ok := m.peerSession(env, p.FileID, log)
	if !ok {
		return
	}
	if s.direction != DirectionOutgoing {
		log.Warn("ignoring offer for an incoming transfer")
		return
	}

	s.mu.Lock()
	var (
		attempt int
		runCtx  context.Context
		old     network.Peer
	)
	switch {
	case s.state == StateAwaitingAcceptance:
		if _, err := m.transitionLocked(s, StateNegotiating, nil); err != nil {
			s.mu.Unlock()
			return
		}
		attempt, runCtx, old = m.beginAttemptLocked(s)
	case s.state == StateNegotiating && s.peer == nil:
		attempt, runCtx = s.attempt, s.runCtx
	case s.state == StateNegotiating && !s.peerOpenLocked():
		attempt, runCtx, old = m.beginAttemptLocked(s)
	default:
		state := s.state
		s.mu.Unlock()
		log.WithField("state", state).Debug("ignoring offer")
		return
	}
	s.mu.Unlock()
	closePeer(old)

	peer, err := m.dialer.NewPeer(network.RoleResponder, m.signalerFor(s, conn.PublicKey))
	if err != nil {
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: %v", models.ErrPeerUnreachable, err))
		return
	}
	pending, ok := m.attachPeer(s, attempt, peer)
	if !ok {
		_ = peer.Close()
		return
	}
	if err := peer.HandleOffer(ctx, p.SDP); err != nil {
		m.settle(s, attempt, "", StateFailed, fmt.Errorf("%w: answer offer: %v", models.ErrPeerUnreachable, err))
		return
	}
	for _, c := range pending {
		if err := peer.HandleCandidate(ctx, c); err != nil {
			log.WithError(err).Debug("buffered candidate rejected")
		}
	}

	log.WithFields(logrus.Fields{"file_id": p.FileID, "attempt": attempt}).Info("offer answered")
	m.watch(runCtx, s, attempt, peer)
}

func (m *Manager) handleAnswer(ctx context.Context, env relay.Envelope, p relay.AnswerPayload, log *logrus.Entry) {
	s, ok := m.peerSession(env, p.FileID, log)
	if !ok {
		return
	}

	s.mu.Lock()
	peer := s.peer
	usable := s.direction == DirectionIncoming && s.state == StateNegotiating && peer != nil && !s.peerOpenLocked()
	s.mu.Unlock()
	if !usable {
		log.Debug("ignoring answer")
		return
	}
	if err := peer.HandleAnswer(ctx, p.SDP); err != nil {
		log.WithError(err).Debug("answer does not belong to the current attempt")
	}
}

func (m *Manager) handleCandidate(ctx context.Context, env relay.Envelope, p relay.ICECandidatePayload, log *logrus.Entry) {
	s, ok := m.peerSession(env, p.FileID, log)
	if !ok {
		return
	}
	c := network.Candidate{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}

	s.mu.Lock()
	if s.state.Terminal() || s.peerOpenLocked() {
		s.mu.Unlock()
		return
	}
	if s.peer == nil {
		s.bufferCandidateLocked(c)
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.HandleCandidate(ctx, c); err != nil {
		log.WithError(err).Debug("candidate rejected")
	}
}

// peerSession finds fileID and checks that env comes from that session's peer.
func (m *Manager) peerSession(env relay.Envelope, fileID string, log *logrus.Entry) (*session, bool) {
	s, err := m.lookup(fileID)
	if err != nil {
		log.WithField("file_id", fileID).Debug("signal for unknown transfer")
		return nil, false
	}
	if s.peerID != env.From {
		log.WithField("file_id", fileID).Warn("signal from a peer outside the transfer")
		m.securityEvent(storage.SecurityEventForgedSender, env.From, storage.SecuritySeverityCritical, map[string]any{
			"envelope_id": env.ID,
			"file_id":     fileID,
		})
		return nil, false
	}
	return s, true
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
