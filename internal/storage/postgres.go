package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghostspeak/relay/internal/models"
)

// PostgresAdapter is the durable multi-node storage backend.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

// NewPostgresAdapter creates a pooled connection and ensures the schema.
func NewPostgresAdapter(ctx context.Context, databaseURL string) (*PostgresAdapter, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	a := &PostgresAdapter{pool: pool}
	if err := a.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *PostgresAdapter) initSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS offline_messages (
			id TEXT NOT NULL,
			agent TEXT NOT NULL,
			stored_at BIGINT NOT NULL,
			size BIGINT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (agent, id)
		);
		CREATE INDEX IF NOT EXISTS idx_offline_agent_stored ON offline_messages(agent, stored_at);
	`)
	return err
}

// Initialize is satisfied by the shared schema; nothing per-agent to do.
func (a *PostgresAdapter) Initialize(_ context.Context, _ string, _ models.StorageConfig) error {
	return nil
}

// Store upserts the message row keyed by (agent, id).
func (a *PostgresAdapter) Store(ctx context.Context, msg *models.OfflineMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO offline_messages (id, agent, stored_at, size, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent, id) DO UPDATE SET stored_at = EXCLUDED.stored_at, size = EXCLUDED.size, payload = EXCLUDED.payload
	`, msg.Message.ID, msg.Message.To, msg.StoredAt, msg.Message.Size(), payload)
	return err
}

// Retrieve returns the stored message, or nil when absent.
func (a *PostgresAdapter) Retrieve(ctx context.Context, agent, id string) (*models.OfflineMessage, error) {
	var payload []byte
	err := a.pool.QueryRow(ctx, `
		SELECT payload FROM offline_messages WHERE agent = $1 AND id = $2
	`, agent, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var msg models.OfflineMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a stored message.
func (a *PostgresAdapter) Delete(ctx context.Context, agent, id string) error {
	_, err := a.pool.Exec(ctx, `
		DELETE FROM offline_messages WHERE agent = $1 AND id = $2
	`, agent, id)
	return err
}

// List returns the agent's messages ordered by storage time.
func (a *PostgresAdapter) List(ctx context.Context, agent string) ([]*models.OfflineMessage, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT payload FROM offline_messages WHERE agent = $1 ORDER BY stored_at ASC, id ASC
	`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OfflineMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg models.OfflineMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Usage returns the bytes stored for an agent.
func (a *PostgresAdapter) Usage(ctx context.Context, agent string) (int64, error) {
	var usage int64
	err := a.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM offline_messages WHERE agent = $1
	`, agent).Scan(&usage)
	return usage, err
}

// Close closes the connection pool.
func (a *PostgresAdapter) Close() error {
	a.pool.Close()
	return nil
}

// Ping checks the database connection.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}
