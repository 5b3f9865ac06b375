package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and prepares the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Retry the first ping so a bot restart can outwait a database restart.
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error {
		if err := conn.PingContext(ctx); err != nil {
			logrus.Warnf("database ping failed: %v, retrying...", err)
			return err
		}
		return nil
	}, b); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.migrateSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// createTables creates the necessary tables
func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS active_events (
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			PRIMARY KEY (guild_id)
		)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			current_session_start TIMESTAMPTZ,
			accumulated_minutes INT NOT NULL DEFAULT 0,
			longest_session_minutes INT NOT NULL DEFAULT 0,
			last_persisted_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_date TEXT NOT NULL,
			event_type TEXT NOT NULL,
			voice_channel_id TEXT NOT NULL DEFAULT '',
			duration_minutes INT NOT NULL DEFAULT 0,
			longest_session_minutes INT NOT NULL DEFAULT 0,
			qualified BOOLEAN NOT NULL DEFAULT FALSE,
			event_start_time TIMESTAMPTZ,
			event_end_time TIMESTAMPTZ,
			adjustment_type TEXT NOT NULL DEFAULT 'automatic',
			adjusted_by TEXT NOT NULL DEFAULT '',
			adjustment_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (guild_id, user_id, event_date, event_type)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_event_config (
			guild_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			threshold_percent DOUBLE PRECISION NOT NULL,
			attendance_mode TEXT NOT NULL DEFAULT 'cumulative',
			PRIMARY KEY (guild_id, event_type)
		)`,
		`CREATE TABLE IF NOT EXISTS role_tiers (
			id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			category TEXT NOT NULL,
			role_id TEXT NOT NULL,
			tier_name TEXT NOT NULL,
			threshold INT NOT NULL,
			PRIMARY KEY (id)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_panic_mode (
			guild_id TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (guild_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_user ON attendance (guild_id, user_id, event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_role_tiers_guild ON role_tiers (guild_id, category)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_guild ON audit_log (guild_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema(ctx context.Context) error {
	migrations := []string{
		// Adjustment columns arrived after the first attendance schema.
		`ALTER TABLE attendance ADD COLUMN IF NOT EXISTS adjustment_type TEXT NOT NULL DEFAULT 'automatic'`,
		`ALTER TABLE attendance ADD COLUMN IF NOT EXISTS adjusted_by TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE attendance ADD COLUMN IF NOT EXISTS adjustment_reason TEXT NOT NULL DEFAULT ''`,

		// Longest-session tracking arrived with continuous mode.
		`ALTER TABLE attendance ADD COLUMN IF NOT EXISTS longest_session_minutes INT NOT NULL DEFAULT 0`,
		`ALTER TABLE active_sessions ADD COLUMN IF NOT EXISTS longest_session_minutes INT NOT NULL DEFAULT 0`,

		`ALTER TABLE guild_event_config ADD COLUMN IF NOT EXISTS attendance_mode TEXT NOT NULL DEFAULT 'cumulative'`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			logrus.Warnf("migration failed (this might be expected): %v", err)
		}
	}

	return nil
}
