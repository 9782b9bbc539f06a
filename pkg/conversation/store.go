// Package conversation reads and writes the chat history the cache answers
// from. The cache only stores message references; question and answer text
// is resolved here.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/querycache/pkg/models"
)

// ErrNotFound is returned when a message pair cannot be resolved.
var ErrNotFound = errors.New("conversation: message pair not found")

// Store is a conversation store on any database/sql driver supported by sqlx.
type Store struct {
	db    *sqlx.DB
	table string
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// New wraps db, which it does not own. driverName selects the placeholder
// style ("sqlite" keeps ?, "pgx" rewrites to $n). table may be schema-qualified.
func New(db *sql.DB, driverName, table string) (*Store, error) {
	if table == "" {
		table = "messages"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid messages table %q", table)
	}
	return &Store{db: sqlx.NewDb(db, driverName), table: table}, nil
}

// Migrate creates the messages table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if schema, _, ok := strings.Cut(s.table, "."); ok {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
			return fmt.Errorf("migrate messages schema: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		parts TEXT,
		annotations TEXT,
		created_at TIMESTAMP NOT NULL
	)`, s.table))
	if err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	idx := strings.ReplaceAll(s.table, ".", "_") + "_conv_idx"
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (conversation_id, created_at)`,
		idx, s.table))
	if err != nil {
		return fmt.Errorf("migrate messages index: %w", err)
	}
	return nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Record stores a message, replacing any previous message with the same id.
func (s *Store) Record(ctx context.Context, m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, conversation_id, role, content, parts, annotations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET content = excluded.content, parts = excluded.parts,
			annotations = excluded.annotations`, s.table)),
		m.ID, m.ConversationID, m.Role, m.Content, nullJSON(m.Parts), nullJSON(m.Annotations), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

type qaRow struct {
	Question             string         `db:"question"`
	Answer               string         `db:"answer"`
	UserParts            sql.NullString `db:"user_parts"`
	AssistantParts       sql.NullString `db:"assistant_parts"`
	UserAnnotations      sql.NullString `db:"user_annotations"`
	AssistantAnnotations sql.NullString `db:"assistant_annotations"`
}

func raw(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

// Resolve returns the question and answer of a user/assistant message pair.
func (s *Store) Resolve(ctx context.Context, userMessageID, assistantMessageID string) (models.QAContent, error) {
	var r qaRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(fmt.Sprintf(
		`SELECT u.content AS question, a.content AS answer,
			u.parts AS user_parts, a.parts AS assistant_parts,
			u.annotations AS user_annotations, a.annotations AS assistant_annotations
		 FROM %[1]s u JOIN %[1]s a ON a.id = ?
		 WHERE u.id = ? AND u.role = 'user' AND a.role = 'assistant'`, s.table)),
		assistantMessageID, userMessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QAContent{}, ErrNotFound
	}
	if err != nil {
		return models.QAContent{}, fmt.Errorf("resolve pair: %w", err)
	}
	return models.QAContent{
		Question:             r.Question,
		Answer:               r.Answer,
		UserParts:            raw(r.UserParts),
		AssistantParts:       raw(r.AssistantParts),
		UserAnnotations:      raw(r.UserAnnotations),
		AssistantAnnotations: raw(r.AssistantAnnotations),
	}, nil
}

// pairsFrom pairs every assistant message with the latest user message that
// precedes it in the same conversation.
func (s *Store) pairsFrom() string {
	return fmt.Sprintf(`FROM %[1]s a
		JOIN %[1]s u ON u.id = (
			SELECT p.id FROM %[1]s p
			WHERE p.conversation_id = a.conversation_id AND p.role = 'user'
			  AND p.created_at <= a.created_at AND p.id <> a.id
			ORDER BY p.created_at DESC, p.id DESC LIMIT 1)
		WHERE a.role = 'assistant'`, s.table)
}

// Pairs returns up to limit historical Q&A pairs ordered by assistant message
// id, starting after afterAssistantID. Pass "" for the first page.
func (s *Store) Pairs(ctx context.Context, afterAssistantID string, limit int) ([]models.QAPair, error) {
	if limit <= 0 {
		limit = 500
	}
	var pairs []models.QAPair
	err := s.db.SelectContext(ctx, &pairs, s.db.Rebind(
		`SELECT u.id AS user_message_id, a.id AS assistant_message_id, u.content AS question `+
			s.pairsFrom()+` AND a.id > ? ORDER BY a.id LIMIT ?`),
		afterAssistantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return pairs, nil
}

// CountPairs counts the historical Q&A pairs available for caching.
func (s *Store) CountPairs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) `+s.pairsFrom()); err != nil {
		return 0, fmt.Errorf("count pairs: %w", err)
	}
	return n, nil
}
