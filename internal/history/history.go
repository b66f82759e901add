package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// schema creates the history table on first open. Timestamps are stored as
// RFC 3339 UTC strings so retention comparisons work lexically.
const schema = `
CREATE TABLE IF NOT EXISTS state_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	entity TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_history_lookup
	ON state_history (device_id, entity, created_at);
`

// Entry is one persisted state publication.
type Entry struct {
	ID        int64
	DeviceID  string
	Entity    string
	State     string
	CreatedAt time.Time
}

// Repository persists published states in a local SQLite database.
//
// Thread Safety:
//   - All methods are safe for concurrent use; database/sql serialises
//     access to the single connection pool.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path.
func Open(path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidRecord)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// SQLite handles one writer at a time; more connections just contend.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Record inserts one published state. Satisfies the publisher's recorder
// interface.
func (r *Repository) Record(deviceID, entity, state string, at time.Time) error {
	if deviceID == "" || entity == "" {
		return fmt.Errorf("%w: device id and entity are required", ErrInvalidRecord)
	}

	_, err := r.db.Exec(
		"INSERT INTO state_history (device_id, entity, state, created_at) VALUES (?, ?, ?, ?)",
		deviceID,
		entity,
		state,
		at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// Recent returns the latest entries for one device entity, newest first.
// limit defaults to 50 and is capped at 200.
func (r *Repository) Recent(ctx context.Context, deviceID, entity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, entity, state, created_at
		 FROM state_history
		 WHERE device_id = ? AND entity = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		entity,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Entity, &entry.State, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the retention window. Returns the number
// of rows removed.
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrInvalidRecord)
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return removed, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}
