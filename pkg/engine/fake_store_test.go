package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
	"github.com/pario-ai/querycache/pkg/vector"
)

// memStore is an in-memory cache.Store used where a database adds nothing.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]models.CacheEntry
	settings map[string]string
}

var _ cache.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{entries: map[string]models.CacheEntry{}, settings: map[string]string{}}
}

func (s *memStore) byAssistant(id string) (models.CacheEntry, bool) {
	for _, e := range s.entries {
		if e.AssistantMessageID == id {
			return e, true
		}
	}
	return models.CacheEntry{}, false
}

func (s *memStore) NearestMatch(_ context.Context, embedding []float32, threshold float64) (models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best models.Match
	found := false
	for _, e := range s.entries {
		if e.PendingEmbedding || len(e.Embedding) != len(embedding) {
			continue
		}
		m := models.Match{Entry: e, Score: vector.Cosine(embedding, e.Embedding)}
		if m.Score < threshold {
			continue
		}
		if !found || vector.Better(m, best) {
			best, found = m, true
		}
	}
	if !found {
		return models.Match{}, cache.ErrNotFound
	}
	return best, nil
}

func (s *memStore) Insert(_ context.Context, e models.CacheEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byAssistant(e.AssistantMessageID); ok {
		if old.PendingEmbedding {
			old.Embedding = e.Embedding
			old.RephrasedQuery = e.RephrasedQuery
			old.PendingEmbedding = false
			s.entries[old.ID] = old
		}
		return old.ID, nil
	}
	s.entries[e.ID] = e
	return e.ID, nil
}

func (s *memStore) InsertPending(_ context.Context, e models.CacheEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAssistant(e.AssistantMessageID); ok {
		return false, nil
	}
	e.PendingEmbedding = true
	e.Embedding = nil
	s.entries[e.ID] = e
	return true, nil
}

func (s *memStore) IncrementHit(_ context.Context, id string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, cache.ErrNotFound
	}
	e.HitCount++
	e.LastHitAt = &at
	s.entries[id] = e
	return e.HitCount, nil
}

func (s *memStore) FillEmbedding(_ context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return cache.ErrNotFound
	}
	if !e.PendingEmbedding {
		return cache.ErrNotPending
	}
	e.Embedding = embedding
	e.PendingEmbedding = false
	s.entries[id] = e
	return nil
}

func (s *memStore) sorted(keep func(models.CacheEntry) bool, less func(a, b models.CacheEntry) bool) []models.CacheEntry {
	var out []models.CacheEntry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (s *memStore) Pending(_ context.Context, limit int) ([]models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(
		func(e models.CacheEntry) bool { return e.PendingEmbedding },
		func(a, b models.CacheEntry) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountActive(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if !e.PendingEmbedding {
			n++
		}
	}
	return n, nil
}

func lastUsed(e models.CacheEntry) time.Time {
	if e.LastHitAt != nil {
		return *e.LastHitAt
	}
	return e.CreatedAt
}

func (s *memStore) EvictLeastValuable(_ context.Context, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	victims := s.sorted(
		func(e models.CacheEntry) bool { return !e.PendingEmbedding },
		func(a, b models.CacheEntry) bool {
			if a.HitCount != b.HitCount {
				return a.HitCount < b.HitCount
			}
			if la, lb := lastUsed(a), lastUsed(b); !la.Equal(lb) {
				return la.Before(lb)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	var removed int64
	for _, e := range victims {
		if removed == n {
			break
		}
		delete(s.entries, e.ID)
		removed++
	}
	return removed, nil
}

func (s *memStore) Clear(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries))
	s.entries = map[string]models.CacheEntry{}
	return n, nil
}

func (s *memStore) Stats(_ context.Context, recent time.Time) (models.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.CacheStats
	for _, e := range s.entries {
		st.TotalEntries++
		if e.PendingEmbedding {
			st.PendingEntries++
		} else if e.Embedding != nil {
			st.EntriesWithEmbeddings++
		}
		if e.HitCount > 0 {
			st.EntriesWithHits++
		}
		st.TotalHits += e.HitCount
		if !e.CreatedAt.Before(recent) {
			st.EntriesLast7Days++
		}
	}
	if st.TotalEntries > 0 {
		st.AvgHitsPerEntry = float64(st.TotalHits) / float64(st.TotalEntries)
	}
	return st, nil
}

func (s *memStore) Settings(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) PutSettings(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.settings[k] = v
	}
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// faultyStore fails every call with err. NearestMatch blocks until the
// context ends when block is set.
type faultyStore struct {
	err   error
	block bool
}

var _ cache.Store = faultyStore{}

func (f faultyStore) NearestMatch(ctx context.Context, _ []float32, _ float64) (models.Match, error) {
	if f.block {
		<-ctx.Done()
		return models.Match{}, ctx.Err()
	}
	return models.Match{}, f.err
}
func (f faultyStore) Insert(context.Context, models.CacheEntry) (string, error) { return "", f.err }
func (f faultyStore) InsertPending(context.Context, models.CacheEntry) (bool, error) {
	return false, f.err
}
func (f faultyStore) IncrementHit(context.Context, string, time.Time) (int64, error) {
	return 0, f.err
}
func (f faultyStore) FillEmbedding(context.Context, string, []float32) error { return f.err }
func (f faultyStore) Pending(context.Context, int) ([]models.CacheEntry, error) {
	return nil, f.err
}
func (f faultyStore) CountActive(context.Context) (int64, error)              { return 0, f.err }
func (f faultyStore) EvictLeastValuable(context.Context, int64) (int64, error) { return 0, f.err }
func (f faultyStore) Clear(context.Context) (int64, error)                    { return 0, f.err }
func (f faultyStore) Stats(context.Context, time.Time) (models.CacheStats, error) {
	return models.CacheStats{TotalEntries: 99}, f.err
}
func (f faultyStore) Settings(context.Context) (map[string]string, error) { return nil, f.err }
func (f faultyStore) PutSettings(context.Context, map[string]string) error { return f.err }
func (f faultyStore) Ping(context.Context) error                          { return f.err }
func (f faultyStore) Close() error                                        { return nil }

// staticResolver resolves every pair to the same content.
type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, userID, assistantID string) (models.QAContent, error) {
	return models.QAContent{Question: "q:" + userID, Answer: "a:" + assistantID}, nil
}

// staticHistory serves a fixed list of pairs.
type staticHistory []models.QAPair

func (h staticHistory) Pairs(_ context.Context, after string, limit int) ([]models.QAPair, error) {
	var out []models.QAPair
	for _, p := range h {
		if p.AssistantMessageID > after {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h staticHistory) CountPairs(context.Context) (int64, error) { return int64(len(h)), nil }
