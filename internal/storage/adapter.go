package storage

import (
	"context"
	"fmt"

	"github.com/ghostspeak/relay/internal/models"
)

// Adapter persists offline messages for one storage strategy. The sync
// manager never touches a backend directly; adapters are swappable
// without changing sync logic.
type Adapter interface {
	// Initialize prepares per-agent storage (keyspace, tables, quota
	// bookkeeping) before the first write.
	Initialize(ctx context.Context, agent string, cfg models.StorageConfig) error

	// Store persists one offline message under its primary key.
	Store(ctx context.Context, msg *models.OfflineMessage) error

	// Retrieve returns the offline message stored under id, or nil if
	// it is not present.
	Retrieve(ctx context.Context, agent, id string) (*models.OfflineMessage, error)

	// Delete removes a stored message. Deleting an absent id is not an
	// error.
	Delete(ctx context.Context, agent, id string) error

	// List returns all stored messages for an agent, oldest first.
	List(ctx context.Context, agent string) ([]*models.OfflineMessage, error)

	// Usage returns the bytes currently stored for an agent.
	Usage(ctx context.Context, agent string) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Backends holds the shared backend handles adapters are built from.
// Nil fields disable the corresponding strategy.
type Backends struct {
	SQLite   *SQLiteAdapter
	Postgres *PostgresAdapter
	Redis    *RedisAdapter
}

// Factory returns adapters by strategy. Memory is always available.
type Factory struct {
	memory   *MemoryAdapter
	backends Backends
}

// NewFactory builds a factory over the configured backends.
func NewFactory(b Backends) *Factory {
	return &Factory{memory: NewMemoryAdapter(), backends: b}
}

// Adapter resolves a storage strategy to its adapter.
func (f *Factory) Adapter(strategy models.StorageStrategy) (Adapter, error) {
	switch strategy {
	case models.StorageMemory:
		return f.memory, nil
	case models.StorageSQLite:
		if f.backends.SQLite == nil {
			return nil, fmt.Errorf("sqlite storage not configured")
		}
		return f.backends.SQLite, nil
	case models.StoragePostgres:
		if f.backends.Postgres == nil {
			return nil, fmt.Errorf("postgres storage not configured")
		}
		return f.backends.Postgres, nil
	case models.StorageRedis:
		if f.backends.Redis == nil {
			return nil, fmt.Errorf("redis storage not configured")
		}
		return f.backends.Redis, nil
	}
	return nil, fmt.Errorf("unknown storage strategy %q", strategy)
}
