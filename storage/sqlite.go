package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	BaseStore
}

var _ Store = (*SQLiteStore)(nil)

const schemaVersion = 1

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists (unless in-memory)
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must stay at
	// one. File databases get WAL plus a busy timeout so concurrent writers
	// retry instead of failing.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA cache_size = -64000")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &SQLiteDialect{},
			dsn:     dbPath,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return store, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dsn
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Human accounts
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Messaging groups linking users to printers
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY(group_id, user_id),
		FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS group_printers (
		group_id TEXT NOT NULL,
		printer_id TEXT NOT NULL,
		PRIMARY KEY(group_id, printer_id),
		FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	-- Registered printers with daily counter state
	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		platform TEXT,
		firmware_version TEXT,
		auto_update INTEGER NOT NULL DEFAULT 1,
		update_channel TEXT NOT NULL DEFAULT 'stable',
		online INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_ip TEXT,
		last_counter_date TEXT NOT NULL DEFAULT '',
		daily_counter INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_printers_online ON printers(online);
	CREATE INDEX IF NOT EXISTS idx_printers_last_seen ON printers(last_seen);

	-- Permanent record of every accepted message
	CREATE TABLE IF NOT EXISTS message_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		printer_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		daily_number INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_message_log_printer ON message_log(printer_id, created_at);

	-- Queued messages for offline printers
	CREATE TABLE IF NOT EXISTS message_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		printer_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		daily_number INTEGER NOT NULL,
		is_delivered INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		delivered_at DATETIME,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_message_cache_undelivered ON message_cache(printer_id, is_delivered, id);

	-- Uploaded firmware builds, blob inline
	CREATE TABLE IF NOT EXISTS firmware_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT 'stable',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		md5 TEXT NOT NULL,
		sha256 TEXT NOT NULL DEFAULT '',
		data BLOB NOT NULL,
		release_notes TEXT,
		min_upgrade_version TEXT,
		download_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(version, platform)
	);

	-- Rollout campaigns
	CREATE TABLE IF NOT EXISTS update_rollouts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		rollout_type TEXT NOT NULL DEFAULT 'immediate',
		version TEXT NOT NULL,
		platform TEXT,
		channels TEXT,
		target_all INTEGER NOT NULL DEFAULT 0,
		target_user_ids TEXT,
		target_printer_ids TEXT,
		rollout_percentage INTEGER NOT NULL DEFAULT 100,
		min_version TEXT,
		max_version TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		scheduled_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		total_targets INTEGER NOT NULL DEFAULT 0,
		pending_count INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		declined_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rollouts_status ON update_rollouts(status);

	-- Per-printer update attempts
	CREATE TABLE IF NOT EXISTS update_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rollout_id TEXT NOT NULL,
		printer_id TEXT NOT NULL,
		version TEXT NOT NULL,
		from_version TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		last_percent INTEGER NOT NULL DEFAULT 0,
		last_status TEXT,
		error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME,
		FOREIGN KEY(rollout_id) REFERENCES update_rollouts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_update_history_printer ON update_history(printer_id, status);
	CREATE INDEX IF NOT EXISTS idx_update_history_rollout ON update_history(rollout_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO schema_version (version) VALUES (?) ON CONFLICT DO NOTHING`,
		schemaVersion)
	return err
}

// GetDefaultDBPath returns the default database location per platform.
func GetDefaultDBPath() string {
	if runtime.GOOS == "windows" {
		pd := os.Getenv("PROGRAMDATA")
		if pd == "" {
			pd = "C:\\ProgramData"
		}
		return filepath.Join(pd, "PaperMinder", "server.db")
	}
	return "/var/lib/paperminder/server.db"
}
