package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
//
// The pool is pinned to a single connection, so every transaction opened
// through Tx runs strictly after the previous one finished. All state
// mutations in the server rely on this: no component takes its own locks
// around world tables.
type DB struct {
	conn *sql.DB
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, err
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Tx runs fn inside one transaction. It commits when fn returns nil and
// rolls back otherwise. fn must only use tx; touching db.conn from inside
// would wait forever for the one pooled connection.
func (db *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS player_status (
		account_id INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		base_health INTEGER NOT NULL DEFAULT 500,
		shield INTEGER NOT NULL DEFAULT 500,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence (
		identity TEXT PRIMARY KEY,
		state INTEGER NOT NULL,
		account_id INTEGER REFERENCES accounts(id) ON DELETE CASCADE,
		session INTEGER NOT NULL DEFAULT 0,
		since INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL DEFAULT 0,
		kind INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entity_positions (
		id INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
		x INTEGER NOT NULL DEFAULT 0,
		y INTEGER NOT NULL DEFAULT 0,
		z INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS entity_rotations (
		id INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
		rx INTEGER NOT NULL DEFAULT 0,
		ry INTEGER NOT NULL DEFAULT 0,
		rz INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS entity_chunks (
		id INTEGER PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
		chunk_x INTEGER NOT NULL DEFAULT 0,
		chunk_z INTEGER NOT NULL DEFAULT 0,
		modified_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS incoming_positions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		z INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS incoming_rotations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		rx INTEGER NOT NULL,
		ry INTEGER NOT NULL,
		rz INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner_id);
	CREATE INDEX IF NOT EXISTS idx_presence_state ON presence(state);
	CREATE INDEX IF NOT EXISTS idx_entity_chunks_x ON entity_chunks(chunk_x);
	CREATE INDEX IF NOT EXISTS idx_entity_chunks_z ON entity_chunks(chunk_z);
	CREATE INDEX IF NOT EXISTS idx_incoming_positions_entity ON incoming_positions(entity_id);
	CREATE INDEX IF NOT EXISTS idx_incoming_rotations_entity ON incoming_rotations(entity_id);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("DB migration error: %v", err)
	}
	return err
}

// GetSetting returns a stored setting, or "" if it is not set
func (db *DB) GetSetting(key string) string {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("settings: read %s: %v", key, err)
		}
		return ""
	}
	return value
}

// SetSetting stores a setting, replacing any previous value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// setDefaultSetting stores value only when key has no value yet
func (db *DB) setDefaultSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}
