// Package cache defines the storage contract of the semantic query cache.
// Backends live in subpackages; the engine depends only on Store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pario-ai/querycache/pkg/models"
)

// Sentinel errors shared by the stores and the engine.
var (
	// ErrInvalidInput is returned for mis-dimensioned embeddings and bad config.
	ErrInvalidInput = errors.New("cache: invalid input")

	// ErrUnavailable is returned when the store cannot be reached or times out.
	ErrUnavailable = errors.New("cache: store unavailable")

	// ErrInconsistent is returned when a matched entry's content cannot be resolved.
	ErrInconsistent = errors.New("cache: entry content unresolvable")

	// ErrNotFound is returned when no entry satisfies the request.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrNotPending is returned when an embedding is filled into an entry
	// that already has one.
	ErrNotPending = errors.New("cache: entry is not pending")
)

// Store is the durable side of the cache: entries, their embeddings, hit
// counters and the policy settings table.
type Store interface {
	// NearestMatch returns the best non-pending entry scoring at least
	// threshold, or ErrNotFound.
	NearestMatch(ctx context.Context, embedding []float32, threshold float64) (models.Match, error)
	// Insert stores a new entry. If a pending entry exists for the same
	// assistant message its embedding is filled instead; the id of the row
	// that now holds the embedding is returned.
	Insert(ctx context.Context, e models.CacheEntry) (string, error)
	// InsertPending stores a pending entry unless one already exists for
	// the assistant message. It reports whether a row was written.
	InsertPending(ctx context.Context, e models.CacheEntry) (bool, error)
	// IncrementHit atomically bumps the hit counter and returns the new value,
	// or ErrNotFound if the entry is gone.
	IncrementHit(ctx context.Context, id string, at time.Time) (int64, error)
	// FillEmbedding sets the embedding of a pending entry and clears its
	// pending flag. It returns ErrNotFound for unknown ids and ErrNotPending
	// for entries that are already searchable.
	FillEmbedding(ctx context.Context, id string, embedding []float32) error
	// Pending lists entries still waiting for an embedding, oldest first.
	Pending(ctx context.Context, limit int) ([]models.CacheEntry, error)
	// CountActive counts entries that take part in similarity search.
	CountActive(ctx context.Context) (int64, error)
	// EvictLeastValuable deletes up to n non-pending entries, least valuable
	// first, and returns how many were removed.
	EvictLeastValuable(ctx context.Context, n int64) (int64, error)
	// Clear deletes every entry.
	Clear(ctx context.Context) (int64, error)
	// Stats aggregates the entries table; recent counts entries created since.
	Stats(ctx context.Context, recent time.Time) (models.CacheStats, error)
	// Settings returns the persisted policy key/value pairs.
	Settings(ctx context.Context) (map[string]string, error)
	// PutSettings upserts all pairs in one transaction.
	PutSettings(ctx context.Context, kv map[string]string) error
	// Ping verifies the schema is in place.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}
