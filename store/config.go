package store

import (
	"fmt"
	"log/slog"

	"github.com/jacentio/shardwise/internal/ident"
	"github.com/jacentio/shardwise/internal/shard"
)

// Config holds configuration for a Collection.
type Config struct {
	// ShardKey is the document field whose value partitions the collection.
	// Required.
	ShardKey string

	// IDLength is the identifier length in characters: 4, 8, 12 or 16.
	// Default: 16 (the full 12-byte store identifier)
	IDLength int

	// Concurrency bounds the per-shard operations in flight during a
	// cross-shard or batch operation.
	// Default: 16
	Concurrency int

	// Logger receives routing decisions and partial failures.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns defaults for a collection sharded on shardKey.
func DefaultConfig(shardKey string) Config {
	return Config{
		ShardKey:    shardKey,
		IDLength:    16,
		Concurrency: shard.DefaultLimit,
		Logger:      slog.Default(),
	}
}

// validate fills defaults and rejects values that cannot be used.
func (c *Config) validate() error {
	if c.ShardKey == "" {
		return fmt.Errorf("%w: shard key is required", ErrInvalidConfig)
	}
	if c.ShardKey == idField || c.ShardKey == storeIDField {
		return fmt.Errorf("%w: shard key cannot be the identifier field", ErrInvalidConfig)
	}
	if c.IDLength == 0 {
		c.IDLength = 16
	}
	if _, err := ident.New(c.IDLength); err != nil {
		return fmt.Errorf("%w: id length %d", ErrInvalidConfig, c.IDLength)
	}
	if c.Concurrency < 1 {
		c.Concurrency = shard.DefaultLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
