package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNoAnswerer is returned by /v1/query on a miss when no Answerer is set.
var ErrNoAnswerer = errors.New("answer pipeline not configured")

// QueryRequest is a question that has already been rephrased and embedded
// upstream.
type QueryRequest struct {
	Question       string    `json:"question"`
	ThreadID       string    `json:"thread_id,omitempty"`
	RephrasedQuery string    `json:"rephrased_query,omitempty"`
	Embedding      []float32 `json:"embedding"`
}

// Answer is the result of the full answer pipeline. The message ids are the
// stored user and assistant messages the cache will refer to.
type Answer struct {
	Text               string
	UserMessageID      string
	AssistantMessageID string
	Metadata           map[string]any
}

// Answerer runs the expensive pipeline on a cache miss.
type Answerer interface {
	Answer(ctx context.Context, req QueryRequest) (Answer, error)
}

// AnswererFunc adapts a function to Answerer.
type AnswererFunc func(ctx context.Context, req QueryRequest) (Answer, error)

// Answer calls f.
func (f AnswererFunc) Answer(ctx context.Context, req QueryRequest) (Answer, error) {
	return f(ctx, req)
}

// QueryResponse is returned by /v1/query. Source is "cache" or "llm".
type QueryResponse struct {
	Answer           string         `json:"answer"`
	Source           string         `json:"source"`
	CacheID          string         `json:"cache_id,omitempty"`
	SimilarityScore  *float64       `json:"similarity_score,omitempty"`
	CacheHits        *int64         `json:"cache_hits,omitempty"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Question == "" {
		writeJSONError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.RephrasedQuery == "" {
		req.RephrasedQuery = req.Question
	}
	ctx := r.Context()

	hit, err := s.engine.Check(ctx, req.Embedding, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if hit != nil {
		score := hit.SimilarityScore
		hits := hit.HitCount + 1
		writeJSON(w, http.StatusOK, QueryResponse{
			Answer:           hit.Content.Answer,
			Source:           "cache",
			CacheID:          hit.CacheID,
			SimilarityScore:  &score,
			CacheHits:        &hits,
			ProcessingTimeMS: elapsedMS(start),
			Metadata: map[string]any{
				"original_cached_question": hit.Content.Question,
				"rephrased_query":          hit.RephrasedQuery,
			},
		})
		return
	}

	if s.answerer == nil {
		writeError(w, ErrNoAnswerer)
		return
	}
	ans, err := s.answerer.Answer(ctx, req)
	if err != nil {
		s.log.WithError(err).Error("query processing failed")
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	cacheID, err := s.engine.Add(ctx, ans.UserMessageID, ans.AssistantMessageID, req.RephrasedQuery, req.Embedding)
	if err != nil {
		// The answer is already in hand; caching it is best effort.
		s.log.WithError(err).Warn("answer not cached")
	}

	meta := map[string]any{"rephrased_query": req.RephrasedQuery}
	for k, v := range ans.Metadata {
		meta[k] = v
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Answer:           ans.Text,
		Source:           "llm",
		CacheID:          cacheID,
		ProcessingTimeMS: elapsedMS(start),
		Metadata:         meta,
	})
}
