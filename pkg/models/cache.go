package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached question/answer pair keyed by the embedding of its
// rephrased query.
type CacheEntry struct {
	ID                 string     `json:"id"`
	UserMessageID      string     `json:"user_message_id"`
	AssistantMessageID string     `json:"assistant_message_id"`
	RephrasedQuery     string     `json:"rephrased_query"`
	Embedding          []float32  `json:"embedding,omitempty"`
	HitCount           int64      `json:"hit_count"`
	CreatedAt          time.Time  `json:"created_at"`
	LastHitAt          *time.Time `json:"last_hit_at,omitempty"`
	PendingEmbedding   bool       `json:"pending_embedding"`
}

// Match is the best similarity candidate returned by a store.
type Match struct {
	Entry CacheEntry `json:"entry"`
	Score float64    `json:"score"`
}

// QAContent is the full question/answer resolved from the conversation store.
type QAContent struct {
	Question             string          `json:"question"`
	Answer               string          `json:"answer"`
	UserParts            json.RawMessage `json:"user_parts,omitempty"`
	AssistantParts       json.RawMessage `json:"assistant_parts,omitempty"`
	UserAnnotations      json.RawMessage `json:"user_annotations,omitempty"`
	AssistantAnnotations json.RawMessage `json:"assistant_annotations,omitempty"`
}

// CacheHit is returned by a successful lookup. HitCount is the value before
// this hit was recorded.
type CacheHit struct {
	CacheID            string    `json:"cache_id"`
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	RephrasedQuery     string    `json:"rephrased_query"`
	SimilarityScore    float64   `json:"similarity_score"`
	HitCount           int64     `json:"cache_hits"`
	Content            QAContent `json:"content"`
}

// CacheStats aggregates the entries table for monitoring.
type CacheStats struct {
	TotalEntries          int64       `json:"total_entries"`
	EntriesWithEmbeddings int64       `json:"entries_with_embeddings"`
	PendingEntries        int64       `json:"pending_entries"`
	EntriesWithHits       int64       `json:"entries_with_hits"`
	TotalHits             int64       `json:"total_cache_hits"`
	AvgHitsPerEntry       float64     `json:"avg_hits_per_entry"`
	EntriesLast7Days      int64       `json:"entries_last_7_days"`
	Policy                CachePolicy `json:"policy"`
	Degraded              bool        `json:"degraded"`
}

// SetupStatus reports whether the cache schema and data are in place.
type SetupStatus struct {
	TablesCreated         bool  `json:"tables_created"`
	CacheEntries          int64 `json:"cache_entries"`
	EntriesWithEmbeddings int64 `json:"entries_with_embeddings"`
	AvailableQAPairs      int64 `json:"available_qa_pairs"`
	SetupComplete         bool  `json:"setup_complete"`
}
