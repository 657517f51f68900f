package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ghostspeak/relay/internal/models"
)

// SQLiteAdapter is the durable single-node storage backend.
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter opens (or creates) the offline message database.
// If dbPath is empty, defaults to "./data/relay.db".
func NewSQLiteAdapter(ctx context.Context, dbPath string) (*SQLiteAdapter, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	a := &SQLiteAdapter{db: db}
	if err := a.initSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// initSchema creates tables if they don't exist.
func (a *SQLiteAdapter) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_messages (
		id TEXT NOT NULL,
		agent TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		size INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (agent, id)
	);

	CREATE INDEX IF NOT EXISTS idx_offline_agent_stored ON offline_messages(agent, stored_at);
	`
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// Initialize is satisfied by the shared schema; nothing per-agent to do.
func (a *SQLiteAdapter) Initialize(_ context.Context, _ string, _ models.StorageConfig) error {
	return nil
}

// Store upserts the message row keyed by (agent, id).
func (a *SQLiteAdapter) Store(ctx context.Context, msg *models.OfflineMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO offline_messages (id, agent, stored_at, size, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent, id) DO UPDATE SET stored_at = excluded.stored_at, size = excluded.size, payload = excluded.payload
	`, msg.Message.ID, msg.Message.To, msg.StoredAt, msg.Message.Size(), string(payload))
	return err
}

// Retrieve returns the stored message, or nil when absent.
func (a *SQLiteAdapter) Retrieve(ctx context.Context, agent, id string) (*models.OfflineMessage, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `
		SELECT payload FROM offline_messages WHERE agent = ? AND id = ?
	`, agent, id).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var msg models.OfflineMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a stored message.
func (a *SQLiteAdapter) Delete(ctx context.Context, agent, id string) error {
	_, err := a.db.ExecContext(ctx, `
		DELETE FROM offline_messages WHERE agent = ? AND id = ?
	`, agent, id)
	return err
}

// List returns the agent's messages ordered by storage time.
func (a *SQLiteAdapter) List(ctx context.Context, agent string) ([]*models.OfflineMessage, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT payload FROM offline_messages WHERE agent = ? ORDER BY stored_at ASC, id ASC
	`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OfflineMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg models.OfflineMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue // skip rows that no longer decode
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Usage returns the bytes stored for an agent.
func (a *SQLiteAdapter) Usage(ctx context.Context, agent string) (int64, error) {
	var usage sql.NullInt64
	err := a.db.QueryRowContext(ctx, `
		SELECT SUM(size) FROM offline_messages WHERE agent = ?
	`, agent).Scan(&usage)
	if err != nil {
		return 0, err
	}
	return usage.Int64, nil
}

// Close closes the database connection.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

// Ping checks the database connection.
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}
