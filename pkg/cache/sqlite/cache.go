// Package sqlite implements cache.Store on SQLite. Similarity is computed in
// process over the stored embeddings, so it suits caches of a few thousand
// entries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
	"github.com/pario-ai/querycache/pkg/vector"
)

// Store is a semantic cache store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

const createTables = `
CREATE TABLE IF NOT EXISTS query_cache_entries (
	id TEXT PRIMARY KEY,
	user_message_id TEXT NOT NULL,
	assistant_message_id TEXT NOT NULL,
	rephrased_query TEXT NOT NULL,
	embedding BLOB,
	hit_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_hit_at DATETIME,
	pending_embedding INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_qce_assistant ON query_cache_entries(assistant_message_id);
CREATE INDEX IF NOT EXISTS idx_qce_value ON query_cache_entries(pending_embedding, hit_count);
CREATE TABLE IF NOT EXISTS query_cache_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const entryColumns = `id, user_message_id, assistant_message_id, rephrased_query, embedding,
	hit_count, created_at, last_hit_at, pending_embedding`

// Open opens a SQLite database tuned for the cache. SQLite has a single
// writer, so the pool is limited to one connection.
func Open(dsn string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// New migrates the schema on db and returns a Store that owns it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool so the conversation store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (models.CacheEntry, error) {
	var e models.CacheEntry
	var blob []byte
	var lastHit sql.NullTime
	var pending int
	if err := r.Scan(&e.ID, &e.UserMessageID, &e.AssistantMessageID, &e.RephrasedQuery, &blob,
		&e.HitCount, &e.CreatedAt, &lastHit, &pending); err != nil {
		return e, err
	}
	if blob != nil {
		v, err := vector.Decode(blob)
		if err != nil {
			return e, err
		}
		e.Embedding = v
	}
	if lastHit.Valid {
		t := lastHit.Time
		e.LastHitAt = &t
	}
	e.PendingEmbedding = pending != 0
	return e, nil
}

// NearestMatch scans the active entries and returns the best one at or above threshold.
func (s *Store) NearestMatch(ctx context.Context, embedding []float32, threshold float64) (models.Match, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM query_cache_entries
		 WHERE pending_embedding = 0 AND embedding IS NOT NULL`)
	if err != nil {
		return models.Match{}, fmt.Errorf("nearest match: %w", err)
	}
	defer rows.Close()

	var best models.Match
	found := false
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return models.Match{}, fmt.Errorf("scan entry: %w", err)
		}
		if len(e.Embedding) != len(embedding) {
			continue
		}
		m := models.Match{Entry: e, Score: vector.Cosine(embedding, e.Embedding)}
		if m.Score < threshold {
			continue
		}
		if !found || vector.Better(m, best) {
			best = m
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return models.Match{}, fmt.Errorf("nearest match: %w", err)
	}
	if !found {
		return models.Match{}, cache.ErrNotFound
	}
	return best, nil
}

// Insert stores a new entry, or fills the pending entry of the same assistant message.
func (s *Store) Insert(ctx context.Context, e models.CacheEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO query_cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, 0, ?, NULL, 0)
		 ON CONFLICT(assistant_message_id) DO UPDATE SET
			embedding = excluded.embedding,
			rephrased_query = excluded.rephrased_query,
			pending_embedding = 0
		 WHERE query_cache_entries.pending_embedding = 1
		 RETURNING id`,
		e.ID, e.UserMessageID, e.AssistantMessageID, e.RephrasedQuery, vector.Encode(e.Embedding), e.CreatedAt.UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Already cached with an embedding.
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM query_cache_entries WHERE assistant_message_id = ?`, e.AssistantMessageID,
		).Scan(&id)
	}
	if err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}
	return id, nil
}

// InsertPending stores a backfilled entry without an embedding.
func (s *Store) InsertPending(ctx context.Context, e models.CacheEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO query_cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, NULL, 0, ?, NULL, 1)
		 ON CONFLICT(assistant_message_id) DO NOTHING`,
		e.ID, e.UserMessageID, e.AssistantMessageID, e.RephrasedQuery, e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert pending entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert pending entry: %w", err)
	}
	return n > 0, nil
}

// IncrementHit records a hit and returns the new hit count.
func (s *Store) IncrementHit(ctx context.Context, id string, at time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE query_cache_entries SET hit_count = hit_count + 1, last_hit_at = ?
		 WHERE id = ? RETURNING hit_count`,
		at.UTC(), id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cache.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record hit: %w", err)
	}
	return count, nil
}

// FillEmbedding attaches an embedding to a pending entry and makes it searchable.
func (s *Store) FillEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_cache_entries SET embedding = ?, pending_embedding = 0
		 WHERE id = ? AND pending_embedding = 1`,
		vector.Encode(embedding), id,
	)
	if err != nil {
		return fmt.Errorf("fill embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fill embedding: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_cache_entries WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("fill embedding: %w", err)
	}
	if exists > 0 {
		return cache.ErrNotPending
	}
	return cache.ErrNotFound
}

// Pending lists entries waiting for an embedding.
func (s *Store) Pending(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM query_cache_entries
		 WHERE pending_embedding = 1 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountActive counts entries visible to similarity search.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_cache_entries WHERE pending_embedding = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// EvictLeastValuable deletes up to n entries: fewest hits first, then the
// longest unused, never-hit entries by age.
func (s *Store) EvictLeastValuable(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache_entries WHERE id IN (
			SELECT id FROM query_cache_entries WHERE pending_embedding = 0
			ORDER BY hit_count ASC, COALESCE(last_hit_at, created_at) ASC, created_at ASC, id ASC
			LIMIT ?)`, n)
	if err != nil {
		return 0, fmt.Errorf("evict entries: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates the entries table.
func (s *Store) Stats(ctx context.Context, recent time.Time) (models.CacheStats, error) {
	var st models.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COUNT(CASE WHEN embedding IS NOT NULL AND pending_embedding = 0 THEN 1 END),
			COUNT(CASE WHEN pending_embedding = 1 THEN 1 END),
			COUNT(CASE WHEN hit_count > 0 THEN 1 END),
			COALESCE(SUM(hit_count), 0),
			COALESCE(AVG(hit_count), 0.0),
			COUNT(CASE WHEN created_at >= ? THEN 1 END)
		 FROM query_cache_entries`, recent.UTC(),
	).Scan(&st.TotalEntries, &st.EntriesWithEmbeddings, &st.PendingEntries, &st.EntriesWithHits,
		&st.TotalHits, &st.AvgHitsPerEntry, &st.EntriesLast7Days)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}

// Settings returns all persisted policy settings.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM query_cache_config`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		kv[k] = v
	}
	return kv, rows.Err()
}

// PutSettings upserts the given settings atomically.
func (s *Store) PutSettings(ctx context.Context, kv map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO query_cache_config (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("put setting %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// Ping checks that both cache tables exist.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'
		 AND name IN ('query_cache_entries', 'query_cache_config')`).Scan(&n)
	if err != nil {
		return fmt.Errorf("ping cache db: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("ping cache db: expected 2 tables, found %d", n)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
