// Package sqlite keeps an audit log of invocations in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Invocation is one audited request.
type Invocation struct {
	ID          int64     `json:"id"`
	Time        time.Time `json:"time"`
	Model       string    `json:"model"`
	ContentType string    `json:"content_type"`
	Accept      string    `json:"accept"`
	Shape       string    `json:"shape,omitempty"`
	Detections  int       `json:"detections"`
	Labels      []string  `json:"labels,omitempty"`
	LatencyMS   float64   `json:"latency_ms"`
	Status      int       `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// New creates and initializes a new SQLite database connection.
func New(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		accept TEXT NOT NULL DEFAULT '',
		shape TEXT NOT NULL DEFAULT '',
		detections INTEGER DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '',
		latency_ms REAL DEFAULT 0,
		status INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Insert records an invocation and returns its ID.
func (db *DB) Insert(ctx context.Context, inv *Invocation) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO invocations (timestamp, model, content_type, accept, shape, detections, labels, latency_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.Time.UTC(), inv.Model, inv.ContentType, inv.Accept, inv.Shape,
		inv.Detections, strings.Join(inv.Labels, ","), inv.LatencyMS, inv.Status, inv.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert invocation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	inv.ID = id
	return id, nil
}

// List returns the most recent invocations, newest first.
func (db *DB) List(ctx context.Context, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, timestamp, model, content_type, accept, shape, detections, labels, latency_ms, status, error
		FROM invocations
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var labels string
		if err := rows.Scan(&inv.ID, &inv.Time, &inv.Model, &inv.ContentType, &inv.Accept, &inv.Shape,
			&inv.Detections, &labels, &inv.LatencyMS, &inv.Status, &inv.Error); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		if labels != "" {
			inv.Labels = strings.Split(labels, ",")
		}
		out = append(out, inv)
	}

	return out, rows.Err()
}

// Prune deletes invocations older than before and returns how many were
// removed.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune invocations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
