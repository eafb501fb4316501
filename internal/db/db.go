// Package db stores the local history of attached sessions in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/peterje/termlink/internal/models"
)

// Open opens (creating if needed) termlink.db in dir.
func Open(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "termlink.db")
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

// Migrate runs a migration script. Scripts must be idempotent.
func Migrate(database *sql.DB, script string) error {
	if _, err := database.Exec(script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// RecordAttach notes that sessionID was attached through url at now.
func RecordAttach(ctx context.Context, database *sql.DB, sessionID, url string, now time.Time) error {
	_, err := database.ExecContext(ctx, `INSERT INTO sessions (id, url, first_attached, last_attached, attach_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			last_attached = excluded.last_attached,
			attach_count = sessions.attach_count + 1`,
		sessionID, url, now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("record attach %s: %w", sessionID, err)
	}
	return nil
}

// SetPhase records the last session phase seen for sessionID.
func SetPhase(ctx context.Context, database *sql.DB, sessionID, phase string) error {
	if _, err := database.ExecContext(ctx, `UPDATE sessions SET last_phase = ? WHERE id = ?`, phase, sessionID); err != nil {
		return fmt.Errorf("set phase %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns the history, most recently attached first.
func ListSessions(ctx context.Context, database *sql.DB) ([]models.SessionRecord, error) {
	rows, err := database.QueryContext(ctx, `SELECT id, url, first_attached, last_attached, last_phase, attach_count
		FROM sessions ORDER BY last_attached DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionRecord{}
	for rows.Next() {
		var s models.SessionRecord
		if err := rows.Scan(&s.ID, &s.URL, &s.FirstAttached, &s.LastAttached, &s.LastPhase, &s.AttachCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
