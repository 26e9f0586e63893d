package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const transferColumns = `owner_id,
			file_id,
			peer_id,
			direction,
			name,
			mime_type,
			size_bytes,
			created_at,
			expiry,
			sender_id,
			sender_username,
			recipient_id,
			recipient_username,
			state,
			bytes_transferred,
			failure,
			source_path,
			stored_path,
			updated_at`

// UpsertTransfer inserts a transfer history row or replaces its mutable fields.
// Metadata columns are immutable once written.
func (s *Store) UpsertTransfer(t Transfer) error {
	if t.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if t.FileID == "" {
		return errors.New("file_id is required")
	}
	if t.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.State == "" {
		return errors.New("state is required")
	}
	if err := validateDirection(t.Direction); err != nil {
		return err
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, file_id) DO UPDATE SET
			state = excluded.state,
			bytes_transferred = excluded.bytes_transferred,
			failure = excluded.failure,
			source_path = excluded.source_path,
			stored_path = excluded.stored_path,
			updated_at = excluded.updated_at`,
		t.OwnerID,
		t.FileID,
		t.PeerID,
		t.Direction,
		t.Name,
		t.MimeType,
		t.SizeBytes,
		t.CreatedAt,
		t.Expiry,
		t.SenderID,
		t.SenderUsername,
		t.RecipientID,
		t.RecipientUsername,
		t.State,
		t.BytesTransferred,
		t.Failure,
		t.SourcePath,
		t.StoredPath,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", t.FileID, err)
	}

	return nil
}

// UpdateTransferState records progress or a state change for one transfer.
func (s *Store) UpdateTransferState(ownerID, fileID, state string, bytesTransferred int64, failure, storedPath string) error {
	if state == "" {
		return errors.New("state is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET state = ?, bytes_transferred = ?, failure = ?, stored_path = ?, updated_at = ?
		WHERE owner_id = ? AND file_id = ?`,
		state,
		bytesTransferred,
		failure,
		storedPath,
		nowUnixMilli(),
		ownerID,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update transfer state %q: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer state %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer history row.
func (s *Store) GetTransfer(ownerID, fileID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE owner_id = ? AND file_id = ?`,
		ownerID,
		fileID,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", fileID, err)
	}
	return t, nil
}

// ListTransfers returns the owner's transfer history, newest first.
func (s *Store) ListTransfers(ownerID string) ([]Transfer, error) {
	rows, err := s.db.Query(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE owner_id = ?
		ORDER BY created_at DESC, file_id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	if err := row.Scan(
		&t.OwnerID,
		&t.FileID,
		&t.PeerID,
		&t.Direction,
		&t.Name,
		&t.MimeType,
		&t.SizeBytes,
		&t.CreatedAt,
		&t.Expiry,
		&t.SenderID,
		&t.SenderUsername,
		&t.RecipientID,
		&t.RecipientUsername,
		&t.State,
		&t.BytesTransferred,
		&t.Failure,
		&t.SourcePath,
		&t.StoredPath,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
