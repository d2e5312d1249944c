package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
)

// PostgresStore implements Store for PostgreSQL.
type PostgresStore struct {
	BaseStore
}

var _ Store = (*PostgresStore)(nil)

const pgSchemaVersion = 1

// NewPostgresStore creates a new PostgreSQL store from a DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &PostgresDialect{},
			dsn:     dsn,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}

	logInfo("Opened PostgreSQL database")

	return store, nil
}

// initSchema creates the PostgreSQL schema.
func (s *PostgresStore) initSchema() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Human accounts
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Messaging groups linking users to printers
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT REFERENCES users(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY(group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS group_printers (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		printer_id TEXT NOT NULL,
		PRIMARY KEY(group_id, printer_id)
	);

	-- Registered printers with daily counter state
	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		platform TEXT,
		firmware_version TEXT,
		auto_update BOOLEAN NOT NULL DEFAULT TRUE,
		update_channel TEXT NOT NULL DEFAULT 'stable',
		online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_ip TEXT,
		last_counter_date TEXT NOT NULL DEFAULT '',
		daily_counter INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_printers_online ON printers(online);
	CREATE INDEX IF NOT EXISTS idx_printers_last_seen ON printers(last_seen);

	-- Permanent record of every accepted message
	CREATE TABLE IF NOT EXISTS message_log (
		id BIGSERIAL PRIMARY KEY,
		printer_id TEXT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		daily_number INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_message_log_printer ON message_log(printer_id, created_at);

	-- Queued messages for offline printers
	CREATE TABLE IF NOT EXISTS message_cache (
		id BIGSERIAL PRIMARY KEY,
		printer_id TEXT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		daily_number INTEGER NOT NULL,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		delivered_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_message_cache_undelivered ON message_cache(printer_id, is_delivered, id);

	-- Uploaded firmware builds, blob inline
	CREATE TABLE IF NOT EXISTS firmware_versions (
		id BIGSERIAL PRIMARY KEY,
		version TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT 'stable',
		file_name TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		md5 TEXT NOT NULL,
		sha256 TEXT NOT NULL DEFAULT '',
		data BYTEA NOT NULL,
		release_notes TEXT,
		min_upgrade_version TEXT,
		download_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
		target_all BOOLEAN NOT NULL DEFAULT FALSE,
		target_user_ids TEXT,
		target_printer_ids TEXT,
		rollout_percentage INTEGER NOT NULL DEFAULT 100,
		min_version TEXT,
		max_version TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		scheduled_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		total_targets INTEGER NOT NULL DEFAULT 0,
		pending_count INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		declined_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rollouts_status ON update_rollouts(status);

	-- Per-printer update attempts
	CREATE TABLE IF NOT EXISTS update_history (
		id BIGSERIAL PRIMARY KEY,
		rollout_id TEXT NOT NULL REFERENCES update_rollouts(id) ON DELETE CASCADE,
		printer_id TEXT NOT NULL,
		version TEXT NOT NULL,
		from_version TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		last_percent INTEGER NOT NULL DEFAULT 0,
		last_status TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_update_history_printer ON update_history(printer_id, status);
	CREATE INDEX IF NOT EXISTS idx_update_history_rollout ON update_history(rollout_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`,
		pgSchemaVersion)
	return err
}
