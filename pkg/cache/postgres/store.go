// Package postgres implements cache.Store on PostgreSQL with the pgvector
// extension. Similarity ranking runs inside the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
	"github.com/pario-ai/querycache/pkg/vector"
)

// Config configures the Postgres store.
type Config struct {
	// Schema holds the cache tables. Default: querycache
	Schema string
	// Dimension is the embedding width of the vector column.
	Dimension int
	// MaxOpenConns bounds the shared pool. Default: 10
	MaxOpenConns int
}

// Store is a semantic cache store backed by Postgres + pgvector.
type Store struct {
	db     *sql.DB
	schema string
}

var _ cache.Store = (*Store)(nil)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Open opens a pgx-backed database/sql pool.
func Open(dsn string, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(1)
	return db, nil
}

// New migrates the schema and returns a Store that owns db.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	s, err := newStore(db, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(ctx, cfg.Dimension); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.Schema == "" {
		cfg.Schema = "querycache"
	}
	if !identRe.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}
	return &Store{db: db, schema: cfg.Schema}, nil
}

// DB exposes the underlying pool so the conversation store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) entries() string { return s.schema + ".query_cache_entries" }
func (s *Store) config() string  { return s.schema + ".query_cache_config" }

func (s *Store) migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return errors.New("embedding dimension must be positive")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			user_message_id TEXT NOT NULL,
			assistant_message_id TEXT NOT NULL UNIQUE,
			rephrased_query TEXT NOT NULL,
			embedding vector(%d),
			hit_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_hit_at TIMESTAMPTZ,
			pending_embedding BOOLEAN NOT NULL DEFAULT false
		)`, s.entries(), dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS query_cache_entries_value_idx
			ON %s (pending_embedding, hit_count)`, s.entries()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS query_cache_entries_embedding_idx
			ON %s USING hnsw (embedding vector_cosine_ops)`, s.entries()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const entryColumns = `id::text, user_message_id, assistant_message_id, rephrased_query, embedding::text,
	hit_count, created_at, last_hit_at, pending_embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner, extra ...any) (models.CacheEntry, error) {
	var e models.CacheEntry
	var emb sql.NullString
	var lastHit sql.NullTime
	dest := []any{&e.ID, &e.UserMessageID, &e.AssistantMessageID, &e.RephrasedQuery, &emb,
		&e.HitCount, &e.CreatedAt, &lastHit, &e.PendingEmbedding}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return e, err
	}
	if emb.Valid {
		v, err := vector.ParseLiteral(emb.String)
		if err != nil {
			return e, err
		}
		e.Embedding = v
	}
	if lastHit.Valid {
		t := lastHit.Time
		e.LastHitAt = &t
	}
	return e, nil
}

// NearestMatch ranks by cosine similarity, hit count and recency in SQL.
// pgvector yields NaN distance for zero vectors; those rows never match.
func (s *Store) NearestMatch(ctx context.Context, embedding []float32, threshold float64) (models.Match, error) {
	q := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		WHERE NOT pending_embedding AND embedding IS NOT NULL
		  AND (embedding <=> $1::vector) <> 'NaN'::float8
		  AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY score DESC, hit_count DESC, created_at DESC
		LIMIT 1`, entryColumns, s.entries())

	var m models.Match
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, vector.Literal(embedding), threshold), &m.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, cache.ErrNotFound
	}
	if err != nil {
		return models.Match{}, fmt.Errorf("nearest match: %w", err)
	}
	m.Entry = e
	return m, nil
}

// Insert stores a new entry, or fills the pending entry of the same assistant message.
func (s *Store) Insert(ctx context.Context, e models.CacheEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s
		(id, user_message_id, assistant_message_id, rephrased_query, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6)
		ON CONFLICT (assistant_message_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			rephrased_query = EXCLUDED.rephrased_query,
			pending_embedding = false
		WHERE %[1]s.pending_embedding
		RETURNING id::text`, s.entries()),
		e.ID, e.UserMessageID, e.AssistantMessageID, e.RephrasedQuery, vector.Literal(e.Embedding), e.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id::text FROM %s WHERE assistant_message_id = $1`, s.entries()),
			e.AssistantMessageID,
		).Scan(&id)
	}
	if err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}
	return id, nil
}

// InsertPending stores a backfilled entry without an embedding.
func (s *Store) InsertPending(ctx context.Context, e models.CacheEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, user_message_id, assistant_message_id, rephrased_query, created_at, pending_embedding)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (assistant_message_id) DO NOTHING`, s.entries()),
		e.ID, e.UserMessageID, e.AssistantMessageID, e.RephrasedQuery, e.CreatedAt,
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
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`UPDATE %s
		SET hit_count = hit_count + 1, last_hit_at = $1
		WHERE id = $2::uuid RETURNING hit_count`, s.entries()),
		at, id,
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
	if _, err := uuid.Parse(id); err != nil {
		return cache.ErrNotFound
	}
	var pending bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`WITH target AS (
			SELECT id, pending_embedding FROM %[1]s WHERE id = $2::uuid FOR UPDATE
		), filled AS (
			UPDATE %[1]s e SET embedding = $1::vector, pending_embedding = false
			FROM target WHERE e.id = target.id AND target.pending_embedding
		)
		SELECT pending_embedding FROM target`, s.entries()),
		vector.Literal(embedding), id,
	).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fill embedding: %w", err)
	}
	if !pending {
		return cache.ErrNotPending
	}
	return nil
}

// Pending lists entries waiting for an embedding.
func (s *Store) Pending(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s
		WHERE pending_embedding ORDER BY created_at ASC, id ASC LIMIT $1`, entryColumns, s.entries()), limit)
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
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE NOT pending_embedding`, s.entries())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// EvictLeastValuable deletes up to n entries, fewest hits and longest unused first.
func (s *Store) EvictLeastValuable(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s WHERE NOT pending_embedding
			ORDER BY hit_count ASC, COALESCE(last_hit_at, created_at) ASC, created_at ASC, id ASC
			LIMIT $1)`, s.entries()), n)
	if err != nil {
		return 0, fmt.Errorf("evict entries: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.entries()))
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates the entries table.
func (s *Store) Stats(ctx context.Context, recent time.Time) (models.CacheStats, error) {
	var st models.CacheStats
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE embedding IS NOT NULL AND NOT pending_embedding),
			COUNT(*) FILTER (WHERE pending_embedding),
			COUNT(*) FILTER (WHERE hit_count > 0),
			COALESCE(SUM(hit_count), 0)::bigint,
			COALESCE(AVG(hit_count), 0)::float8,
			COUNT(*) FILTER (WHERE created_at >= $1)
		FROM %s`, s.entries()), recent,
	).Scan(&st.TotalEntries, &st.EntriesWithEmbeddings, &st.PendingEntries, &st.EntriesWithHits,
		&st.TotalHits, &st.AvgHitsPerEntry, &st.EntriesLast7Days)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}

// Settings returns all persisted policy settings.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, s.config()))
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

	q := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, s.config())
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, q, k, v); err != nil {
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = $1 AND table_name IN ('query_cache_entries', 'query_cache_config')`,
		s.schema,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("ping cache db: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("ping cache db: expected 2 tables, found %d", n)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
