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
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "messages.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS rooms (
  conversation_id TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK(kind IN ('account','group')),
  target_id       TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  last_active_at  INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id            TEXT PRIMARY KEY,
  conversation_id       TEXT NOT NULL REFERENCES rooms(conversation_id),
  from_who              TEXT NOT NULL,
  timestamp             INTEGER NOT NULL,
  system_show_timestamp INTEGER NOT NULL,
  received_timestamp    INTEGER NOT NULL,
  sequence_id           INTEGER NOT NULL DEFAULT 0,
  notify_sequence_id    INTEGER NOT NULL DEFAULT 0,
  body                  TEXT NOT NULL DEFAULT '',
  attachments           TEXT NOT NULL DEFAULT '[]',
  mode                  INTEGER NOT NULL DEFAULT 0,
  expires_in_seconds    INTEGER NOT NULL DEFAULT 0,
  receiver_ids          TEXT NOT NULL DEFAULT '[]',
  placeholder           INTEGER NOT NULL DEFAULT 0,
  read_info             TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_timestamp
ON messages (timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_show_time
ON messages (conversation_id, system_show_timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS reactions (
  message_id       TEXT NOT NULL,
  emoji            TEXT NOT NULL,
  uid              TEXT NOT NULL,
  origin_timestamp INTEGER NOT NULL,
  PRIMARY KEY (message_id, emoji, uid)
);
`,
	`
CREATE TABLE IF NOT EXISTS read_positions (
  conversation_id TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  position        INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, sender_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS group_members (
  group_id  TEXT NOT NULL,
  member_id TEXT NOT NULL,
  PRIMARY KEY (group_id, member_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS pending_messages (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_message_id   TEXT NOT NULL,
  original_timestamp INTEGER NOT NULL,
  raw_envelope       BLOB NOT NULL,
  created_at         INTEGER NOT NULL,
  UNIQUE (owner_message_id, original_timestamp)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_pending_messages_created_at
ON pending_messages (created_at);
`,
	`
CREATE TABLE IF NOT EXISTS failed_messages (
  message_id   TEXT PRIMARY KEY,
  timestamp    INTEGER NOT NULL,
  raw_envelope BLOB NOT NULL,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_failed_messages_created_at
ON failed_messages (created_at);
`,
}

// Store is the local message database. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) messages.db under the given data directory and runs migrations.
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
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
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

func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s transaction: %w", op, err)
	}
	return nil
}
