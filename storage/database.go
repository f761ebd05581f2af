package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "history.db"
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
	// StaleTransferAge is how long an unfinished transfer may go without progress
	// before Open marks it interrupted.
	StaleTransferAge = time.Hour
)

// interruptedError is stored on transfers whose process exited mid-transfer.
const interruptedError = "interrupted"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id       TEXT PRIMARY KEY,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer              TEXT NOT NULL DEFAULT '',
  filename          TEXT NOT NULL,
  filesize          INTEGER NOT NULL,
  stored_path       TEXT NOT NULL DEFAULT '',
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL CHECK(status IN ('pending','active','paused','complete','failed')) DEFAULT 'pending',
  error             TEXT NOT NULL DEFAULT '',
  started_at        INTEGER NOT NULL,
  updated_at        INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_direction_time
ON transfers (direction, started_at DESC, transfer_id);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  transfer_id TEXT,
  peer        TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
}

// Store persists transfer history and security events in SQLite. A Store lives for
// one command invocation.
type Store struct {
	db *sql.DB

	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) history.db under dataDir and runs migrations.
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

// OpenPath opens SQLite at an explicit path, runs schema migrations, and sweeps
// rows left behind by earlier runs.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		securityEventRetention: DefaultSecurityEventRetention,
	}
	for _, step := range []func() error{
		db.Ping,
		store.enableWALMode,
		store.applyMigrations,
		store.sweep,
	} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return store, nil
}

// Close truncates the WAL and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		checkpointErr := s.checkpointWAL()
		closeErr = errors.Join(checkpointErr, s.db.Close())
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

// sweep fails unfinished transfers that stopped making progress and prunes expired
// security events.
func (s *Store) sweep() error {
	now := time.Now()
	if _, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		TransferStatusFailed,
		interruptedError,
		now.UnixMilli(),
		TransferStatusPending,
		TransferStatusActive,
		TransferStatusPaused,
		now.Add(-StaleTransferAge).UnixMilli(),
	); err != nil {
		return fmt.Errorf("mark interrupted transfers: %w", err)
	}

	if _, err := s.PruneSecurityEvents(now.Add(-s.securityEventRetention).UnixMilli()); err != nil {
		return err
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
