package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "app.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
	// DefaultSeenEnvelopeRetention bounds how long consumed envelope ids are remembered.
	DefaultSeenEnvelopeRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS identities (
  id         TEXT PRIMARY KEY,
  username   TEXT NOT NULL,
  public_key BLOB NOT NULL,
  key_path   TEXT NOT NULL,
  active     INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_username
ON identities (username COLLATE NOCASE);
`,
	`
CREATE TABLE IF NOT EXISTS connections (
  owner_id     TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
  peer_id      TEXT NOT NULL,
  username     TEXT NOT NULL,
  public_key   BLOB NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('requested_outgoing','requested_incoming','connected')),
  request_id   TEXT,
  connected_at INTEGER,
  created_at   INTEGER NOT NULL,
  PRIMARY KEY (owner_id, peer_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_connections_request
ON connections (owner_id, request_id);
`,
	`
CREATE TABLE IF NOT EXISTS seen_envelopes (
  owner_id    TEXT NOT NULL,
  envelope_id TEXT NOT NULL,
  queue       TEXT NOT NULL CHECK(queue IN ('request','signal')),
  received_at INTEGER NOT NULL,
  PRIMARY KEY (owner_id, envelope_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_envelopes_received_at
ON seen_envelopes (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  owner_id           TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
  file_id            TEXT NOT NULL,
  peer_id            TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('outgoing','incoming')),
  name               TEXT NOT NULL,
  mime_type          TEXT NOT NULL DEFAULT '',
  size_bytes         INTEGER NOT NULL,
  created_at         INTEGER NOT NULL,
  expiry             TEXT NOT NULL CHECK(expiry IN ('24h','7d','never')),
  sender_id          TEXT NOT NULL,
  sender_username    TEXT NOT NULL,
  recipient_id       TEXT NOT NULL,
  recipient_username TEXT NOT NULL,
  state              TEXT NOT NULL,
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  failure            TEXT NOT NULL DEFAULT '',
  source_path        TEXT NOT NULL DEFAULT '',
  stored_path        TEXT NOT NULL DEFAULT '',
  updated_at         INTEGER NOT NULL,
  PRIMARY KEY (owner_id, file_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_owner_time
ON transfers (owner_id, created_at DESC, file_id);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_id   TEXT NOT NULL,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_owner_time
ON security_events (owner_id, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection. All rows except identities are
// scoped by the owning identity id.
type Store struct {
	db *sql.DB

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) app.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
