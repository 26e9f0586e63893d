package connection

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"securepeer/models"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

// HandleRequest applies one request-queue envelope. The poller hands each envelope
// id over once; repeats that slip through are still no-ops because every branch
// checks the record's current status first.
func (m *Manager) HandleRequest(ctx context.Context, env relay.Envelope) {
	log := m.logger.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"type":        env.Type,
		"peer_id":     env.From,
	})

	if env.To != m.owner.ID || env.From == "" || env.From == m.owner.ID {
		log.Warn("dropping misaddressed request envelope")
		return
	}

	switch env.Type {
	case relay.TypeConnectionRequest:
		m.handleConnectionRequest(ctx, env, log)
	case relay.TypeConnectionResponse:
		m.handleConnectionResponse(env, log)
	default:
		log.Warn("dropping envelope of unknown request type")
		m.securityEvent(storage.SecurityEventMalformedEnvelope, env.From, storage.SecuritySeverityWarning, map[string]any{
			"envelope_id": env.ID,
			"type":        string(env.Type),
		})
	}
}

func (m *Manager) handleConnectionRequest(ctx context.Context, env relay.Envelope, log *logrus.Entry) {
	payload, err := relay.OpenEnvelope(env, m.keys, nil)
	if err != nil {
		log.WithError(err).Warn("dropping malformed connection request")
		m.securityEvent(storage.SecurityEventMalformedEnvelope, env.From, storage.SecuritySeverityWarning, map[string]any{
			"envelope_id": env.ID,
			"error":       err.Error(),
		})
		return
	}
	request := payload.(relay.ConnectionRequestPayload)

	// The relay does not authenticate authorship; the directory entry is the best
	// available binding between the claimed id and a key.
	if user, err := m.directory.LookupUser(ctx, env.From); err == nil {
		if string(user.PublicKey) != string(request.PublicKey) {
			log.Warn("connection request key does not match the directory")
			m.securityEvent(storage.SecurityEventForgedSender, env.From, storage.SecuritySeverityCritical, map[string]any{
				"envelope_id": env.ID,
				"username":    request.Username,
			})
			return
		}
	} else {
		log.WithError(err).Debug("directory lookup failed, trusting request key")
	}

	unlock := m.lockPeer(env.From)
	defer unlock()

	existing, err := m.store.GetConnection(m.owner.ID, env.From)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		row := storage.Connection{
			OwnerID:   m.owner.ID,
			PeerID:    env.From,
			Username:  request.Username,
			PublicKey: request.PublicKey,
			Status:    string(models.ConnectionRequestedIncoming),
			RequestID: env.ID,
			CreatedAt: m.now().UnixMilli(),
		}
		if err := m.store.AddConnection(row); err != nil {
			log.WithError(err).Error("store incoming request failed")
			return
		}
		log.Info("connection request received")
		m.notifier.Enqueue(notify.CategoryIncomingRequest, request.Username+" wants to connect", map[string]string{
			"request_id": env.ID,
			"peer_id":    env.From,
			"username":   request.Username,
		})
	case err != nil:
		log.WithError(err).Error("load connection failed")
	case existing.Status == string(models.ConnectionRequestedOutgoing):
		// Both sides asked at once; each side converges on seeing the other's request.
		if err := m.store.UpdateConnectionStatus(m.owner.ID, env.From, string(models.ConnectionConnected), m.now().UnixMilli()); err != nil {
			log.WithError(err).Error("converge crossing requests failed")
			return
		}
		log.Info("crossing connection requests converged")
		m.notifier.Enqueue(notify.CategorySuccess, "Connected with "+existing.Username, map[string]string{
			"peer_id":  env.From,
			"username": existing.Username,
		})
	case existing.Status == string(models.ConnectionConnected):
		// The peer dropped its side and asked again. Connected never regresses, so
		// answer the new request and let the peer converge.
		if existing.RequestID == env.ID {
			log.Debug("connection request for existing relationship ignored")
			return
		}
		existing.RequestID = env.ID
		if err := m.respond(ctx, existing, true); err != nil {
			log.WithError(err).Warn("re-accept repeated request failed")
			return
		}
		if err := m.store.SetConnectionRequestID(m.owner.ID, env.From, env.ID); err != nil {
			log.WithError(err).Error("record repeated request failed")
			return
		}
		log.Info("repeated connection request re-accepted")
	default:
		log.Debug("connection request for existing relationship ignored")
	}
}

func (m *Manager) handleConnectionResponse(env relay.Envelope, log *logrus.Entry) {
	unlock := m.lockPeer(env.From)
	defer unlock()

	existing, err := m.store.GetConnection(m.owner.ID, env.From)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("load connection failed")
			return
		}
		log.Debug("connection response without a pending request ignored")
		return
	}

	payload, err := relay.OpenEnvelope(env, m.keys, existing.PublicKey)
	if err != nil {
		eventType := storage.SecurityEventMalformedEnvelope
		if errors.Is(err, models.ErrDecryptionFailure) {
			eventType = storage.SecurityEventDecryptionFailure
		}
		log.WithError(err).Warn("dropping connection response that does not open")
		m.securityEvent(eventType, env.From, storage.SecuritySeverityCritical, map[string]any{
			"envelope_id": env.ID,
		})
		return
	}
	response := payload.(relay.ConnectionResponsePayload)

	if existing.Status != string(models.ConnectionRequestedOutgoing) {
		log.Debug("connection response for settled relationship ignored")
		return
	}
	if response.RequestID != existing.RequestID {
		log.WithField("request_id", response.RequestID).Debug("connection response for a stale request ignored")
		return
	}

	if !response.Accepted {
		if err := m.store.DeleteConnection(m.owner.ID, env.From); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("delete declined request failed")
			return
		}
		log.Info("connection request declined by peer")
		m.notifier.Enqueue(notify.CategoryInfo, existing.Username+" declined your connection request", map[string]string{
			"peer_id":  env.From,
			"username": existing.Username,
		})
		return
	}

	if err := m.store.UpdateConnectionStatus(m.owner.ID, env.From, string(models.ConnectionConnected), m.now().UnixMilli()); err != nil {
		log.WithError(err).Error("mark connection accepted failed")
		return
	}
	log.Info("connection request accepted by peer")
	m.notifier.Enqueue(notify.CategorySuccess, existing.Username+" accepted your connection request", map[string]string{
		"peer_id":  env.From,
		"username": existing.Username,
	})
}
