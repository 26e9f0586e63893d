package storage

import (
	"errors"
	"fmt"
)

// InsertSeenEnvelope records a consumed relay envelope id for one identity.
func (s *Store) InsertSeenEnvelope(ownerID, envelopeID, queue string, receivedAt int64) error {
	if ownerID == "" {
		return errors.New("owner_id is required")
	}
	if envelopeID == "" {
		return errors.New("envelope_id is required")
	}
	if err := validateQueue(queue); err != nil {
		return err
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_envelopes (owner_id, envelope_id, queue, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, envelope_id) DO NOTHING`,
		ownerID,
		envelopeID,
		queue,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen envelope %q: %w", envelopeID, err)
	}

	return nil
}

// HasSeenEnvelope returns true if the envelope id was already consumed by ownerID.
func (s *Store) HasSeenEnvelope(ownerID, envelopeID string) (bool, error) {
	if envelopeID == "" {
		return false, errors.New("envelope_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_envelopes WHERE owner_id = ? AND envelope_id = ?)`,
		ownerID,
		envelopeID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen envelope %q: %w", envelopeID, err)
	}

	return exists == 1, nil
}

// SeenEnvelopeIDs returns every consumed envelope id of ownerID received at or after since.
func (s *Store) SeenEnvelopeIDs(ownerID string, since int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT envelope_id FROM seen_envelopes WHERE owner_id = ? AND received_at >= ?`,
		ownerID,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list seen envelopes: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen envelope row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen envelope rows: %w", err)
	}
	return ids, nil
}

// PruneSeenEnvelopes removes seen_envelopes rows older than cutoff timestamp.
func (s *Store) PruneSeenEnvelopes(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_envelopes WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen envelopes: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen envelope prune: %w", err)
	}

	return rowsAffected, nil
}
