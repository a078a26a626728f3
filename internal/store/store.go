// Package store is the Registry's persistence layer: an embedded SQLite
// database holding the session table, DM subscriptions, and per-user
// preferences (spec §3, §4.1).
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at dsn and
// brings its schema up to date. WAL mode gives single-writer/many-reader
// concurrency; the busy timeout absorbs the brief contention window
// while a writer holds the WAL lock.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=2000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate is additive and idempotent: it creates any missing table and
// adds any missing column, rather than replaying a numbered sequence of
// migration files. This mirrors registry_db.py's forward-compatible
// schema check, which must tolerate being run against a database
// created by an older version of this program.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(sessionsDDL); err != nil {
		return fmt.Errorf("create sessions: %w", err)
	}
	if _, err := s.db.Exec(dmSubscriptionsDDL); err != nil {
		return fmt.Errorf("create dm_subscriptions: %w", err)
	}
	if _, err := s.db.Exec(userPreferencesDDL); err != nil {
		return fmt.Errorf("create user_preferences: %w", err)
	}

	if err := s.ensureColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("ensure sessions columns: %w", err)
	}
	if err := s.ensureColumns("dm_subscriptions", dmSubscriptionColumns); err != nil {
		return fmt.Errorf("ensure dm_subscriptions columns: %w", err)
	}
	if err := s.ensureColumns("user_preferences", userPreferenceColumns); err != nil {
		return fmt.Errorf("ensure user_preferences columns: %w", err)
	}
	return nil
}

// column describes one expected column for additive migration.
type column struct {
	name string
	ddl  string // full "ALTER TABLE <table> ADD COLUMN ..." fragment after the column name
}

func (s *Store) ensureColumns(table string, cols []column) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()

	for _, c := range cols {
		if existing[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, c.ddl)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

const sessionsDDL = `CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	project_dir TEXT,
	terminal TEXT,
	socket_path TEXT NOT NULL,
	channel_id TEXT,
	thread_ts TEXT,
	permissions_channel_id TEXT,
	user_id TEXT,
	reply_to_ts TEXT,
	todo_message_ts TEXT,
	permission_message_ts TEXT,
	buffer_path TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	custom_channel INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

var sessionColumns = []column{
	{"project", "project TEXT NOT NULL DEFAULT ''"},
	{"project_dir", "project_dir TEXT"},
	{"terminal", "terminal TEXT"},
	{"socket_path", "socket_path TEXT NOT NULL DEFAULT ''"},
	{"channel_id", "channel_id TEXT"},
	{"thread_ts", "thread_ts TEXT"},
	{"permissions_channel_id", "permissions_channel_id TEXT"},
	{"user_id", "user_id TEXT"},
	{"reply_to_ts", "reply_to_ts TEXT"},
	{"todo_message_ts", "todo_message_ts TEXT"},
	{"permission_message_ts", "permission_message_ts TEXT"},
	{"buffer_path", "buffer_path TEXT"},
	{"status", "status TEXT NOT NULL DEFAULT 'active'"},
	{"custom_channel", "custom_channel INTEGER NOT NULL DEFAULT 0"},
	{"created_at", "created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
	{"last_activity", "last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
}

const dmSubscriptionsDDL = `CREATE TABLE IF NOT EXISTS dm_subscriptions (
	user_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	dm_channel_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

var dmSubscriptionColumns = []column{
	{"session_id", "session_id TEXT NOT NULL DEFAULT ''"},
	{"dm_channel_id", "dm_channel_id TEXT NOT NULL DEFAULT ''"},
	{"created_at", "created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
}

const userPreferencesDDL = `CREATE TABLE IF NOT EXISTS user_preferences (
	user_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL DEFAULT 'execute'
)`

var userPreferenceColumns = []column{
	{"mode", "mode TEXT NOT NULL DEFAULT 'execute'"},
}
