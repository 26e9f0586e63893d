package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const connectionColumns = `owner_id,
			peer_id,
			username,
			public_key,
			status,
			request_id,
			connected_at,
			created_at`

// AddConnection inserts a new connection row. At most one row exists per (owner, peer).
func (s *Store) AddConnection(conn Connection) error {
	if conn.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if conn.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if conn.Username == "" {
		return errors.New("username is required")
	}
	if len(conn.PublicKey) == 0 {
		return errors.New("public_key is required")
	}
	if err := validateConnectionStatus(conn.Status); err != nil {
		return err
	}
	if conn.CreatedAt == 0 {
		conn.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.OwnerID,
		conn.PeerID,
		conn.Username,
		conn.PublicKey,
		conn.Status,
		nullStringFromValue(conn.RequestID),
		nullInt64(conn.ConnectedAt),
		conn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert connection %q: %w", conn.PeerID, ErrDuplicate)
		}
		return fmt.Errorf("insert connection %q: %w", conn.PeerID, err)
	}

	return nil
}

// GetConnection fetches the relationship between owner and peer.
func (s *Store) GetConnection(ownerID, peerID string) (*Connection, error) {
	row := s.db.QueryRow(
		`SELECT `+connectionColumns+`
		FROM connections
		WHERE owner_id = ? AND peer_id = ?`,
		ownerID,
		peerID,
	)

	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection %q: %w", peerID, err)
	}
	return conn, nil
}

// GetConnectionByRequestID fetches a connection by the relay request id that created it.
func (s *Store) GetConnectionByRequestID(ownerID, requestID string) (*Connection, error) {
	row := s.db.QueryRow(
		`SELECT `+connectionColumns+`
		FROM connections
		WHERE owner_id = ? AND request_id = ?`,
		ownerID,
		requestID,
	)

	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection by request %q: %w", requestID, err)
	}
	return conn, nil
}

// ListConnections returns every relationship of owner sorted by username.
func (s *Store) ListConnections(ownerID string) ([]Connection, error) {
	rows, err := s.db.Query(
		`SELECT `+connectionColumns+`
		FROM connections
		WHERE owner_id = ?
		ORDER BY username, peer_id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	conns := make([]Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		conns = append(conns, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}

	return conns, nil
}

// UpdateConnectionStatus moves a connection to status. A connected row never moves
// back to a requested status; such updates fail with ErrStatusRegression.
func (s *Store) UpdateConnectionStatus(ownerID, peerID, status string, connectedAt int64) error {
	if err := validateConnectionStatus(status); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin connection status transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	if err := tx.QueryRow(
		`SELECT status FROM connections WHERE owner_id = ? AND peer_id = ?`,
		ownerID,
		peerID,
	).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read connection status %q: %w", peerID, err)
	}
	if current == connectionStatusConnected && status != connectionStatusConnected {
		return ErrStatusRegression
	}

	var connected sql.NullInt64
	if status == connectionStatusConnected {
		if connectedAt == 0 {
			connectedAt = nowUnixMilli()
		}
		connected = sql.NullInt64{Int64: connectedAt, Valid: true}
	}

	if _, err := tx.Exec(
		`UPDATE connections
		SET status = ?, connected_at = COALESCE(connected_at, ?)
		WHERE owner_id = ? AND peer_id = ?`,
		status,
		connected,
		ownerID,
		peerID,
	); err != nil {
		return fmt.Errorf("update connection status %q: %w", peerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit connection status transaction: %w", err)
	}
	return nil
}

// SetConnectionRequestID records the relay request id a relationship answers to.
func (s *Store) SetConnectionRequestID(ownerID, peerID, requestID string) error {
	res, err := s.db.Exec(
		`UPDATE connections SET request_id = ? WHERE owner_id = ? AND peer_id = ?`,
		nullStringFromValue(requestID),
		ownerID,
		peerID,
	)
	if err != nil {
		return fmt.Errorf("update connection request id %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for connection request id %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConnection removes the relationship between owner and peer.
func (s *Store) DeleteConnection(ownerID, peerID string) error {
	res, err := s.db.Exec(
		`DELETE FROM connections WHERE owner_id = ? AND peer_id = ?`,
		ownerID,
		peerID,
	)
	if err != nil {
		return fmt.Errorf("delete connection %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for connection delete %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(row scanner) (*Connection, error) {
	var (
		conn        Connection
		requestID   sql.NullString
		connectedAt sql.NullInt64
	)
	if err := row.Scan(
		&conn.OwnerID,
		&conn.PeerID,
		&conn.Username,
		&conn.PublicKey,
		&conn.Status,
		&requestID,
		&connectedAt,
		&conn.CreatedAt,
	); err != nil {
		return nil, err
	}

	if requestID.Valid {
		conn.RequestID = requestID.String
	}
	conn.ConnectedAt = int64Ptr(connectedAt)
	return &conn, nil
}
