package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// CreateIdentity inserts a new local identity row. The row starts inactive.
func (s *Store) CreateIdentity(identity Identity) error {
	if identity.ID == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(identity.Username) == "" {
		return errors.New("username is required")
	}
	if len(identity.PublicKey) == 0 {
		return errors.New("public_key is required")
	}
	if identity.KeyPath == "" {
		return errors.New("key_path is required")
	}
	if identity.CreatedAt == 0 {
		identity.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO identities (id, username, public_key, key_path, active, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		identity.ID,
		identity.Username,
		identity.PublicKey,
		identity.KeyPath,
		identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert identity %q: %w", identity.Username, ErrDuplicate)
		}
		return fmt.Errorf("insert identity %q: %w", identity.Username, err)
	}

	return nil
}

// HasUsername reports whether any local identity uses username (case-insensitive).
func (s *Store) HasUsername(username string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM identities WHERE username = ? COLLATE NOCASE)`,
		username,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check username %q: %w", username, err)
	}
	return exists == 1, nil
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(id string) (*Identity, error) {
	row := s.db.QueryRow(
		`SELECT id, username, public_key, key_path, active, created_at
		FROM identities
		WHERE id = ?`,
		id,
	)
	return scanIdentityRow(row, id)
}

// GetIdentityByUsername fetches an identity by username (case-insensitive).
func (s *Store) GetIdentityByUsername(username string) (*Identity, error) {
	row := s.db.QueryRow(
		`SELECT id, username, public_key, key_path, active, created_at
		FROM identities
		WHERE username = ? COLLATE NOCASE`,
		username,
	)
	return scanIdentityRow(row, username)
}

// ActiveIdentity returns the identity currently marked active.
func (s *Store) ActiveIdentity() (*Identity, error) {
	row := s.db.QueryRow(
		`SELECT id, username, public_key, key_path, active, created_at
		FROM identities
		WHERE active = 1
		LIMIT 1`,
	)
	return scanIdentityRow(row, "active")
}

// ListIdentities returns every local identity ordered by creation time.
func (s *Store) ListIdentities() ([]Identity, error) {
	rows, err := s.db.Query(
		`SELECT id, username, public_key, key_path, active, created_at
		FROM identities
		ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]Identity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}

	return identities, nil
}

// SetActiveIdentity marks id as the only active identity in one transaction.
// An empty id clears the active identity.
func (s *Store) SetActiveIdentity(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin active identity transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`UPDATE identities SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("clear active identity: %w", err)
	}

	if id != "" {
		res, err := tx.Exec(`UPDATE identities SET active = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("set active identity %q: %w", id, err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for active identity %q: %w", id, err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit active identity transaction: %w", err)
	}
	return nil
}

func scanIdentityRow(row *sql.Row, key string) (*Identity, error) {
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %q: %w", key, err)
	}
	return identity, nil
}

func scanIdentity(row scanner) (*Identity, error) {
	var (
		identity Identity
		active   int
	)
	if err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.PublicKey,
		&identity.KeyPath,
		&active,
		&identity.CreatedAt,
	); err != nil {
		return nil, err
	}
	identity.Active = active == 1
	return &identity, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
