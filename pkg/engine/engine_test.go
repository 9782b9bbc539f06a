package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/cache/sqlite"
	"github.com/pario-ai/querycache/pkg/conversation"
	"github.com/pario-ai/querycache/pkg/models"
	"github.com/pario-ai/querycache/pkg/policy"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so every timestamp is distinct.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	m     *Manager
	store *sqlite.Store
	conv  *conversation.Store
	hook  *logtest.Hook
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	store, err := sqlite.New(db)
	require.NoError(t, err)
	conv, err := conversation.New(db, "sqlite", "")
	require.NoError(t, err)
	require.NoError(t, conv.Migrate(ctx))

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts := Options{
		Store:     store,
		Resolver:  conv,
		History:   conv,
		Dimension: 3,
		Logger:    logger,
		Now:       newClock().Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return &testEnv{m: m, store: store, conv: conv, hook: hook}
}

// seedPair records question n and its answer in conversation cn.
func (e *testEnv) seedPair(t *testing.T, n int) (userID, assistantID string) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, n, 0, 0, time.UTC)
	userID, assistantID = fmt.Sprintf("u%d", n), fmt.Sprintf("a%d", n)
	require.NoError(t, e.conv.Record(ctx, models.Message{
		ID: userID, ConversationID: fmt.Sprintf("c%d", n), Role: models.RoleUser,
		Content: fmt.Sprintf("question %d", n), CreatedAt: at,
	}))
	require.NoError(t, e.conv.Record(ctx, models.Message{
		ID: assistantID, ConversationID: fmt.Sprintf("c%d", n), Role: models.RoleAssistant,
		Content: fmt.Sprintf("answer %d", n), CreatedAt: at.Add(time.Second),
	}))
	return userID, assistantID
}

func (e *testEnv) add(t *testing.T, n int, emb []float32) string {
	t.Helper()
	u, a := e.seedPair(t, n)
	id, err := e.m.Add(context.Background(), u, a, fmt.Sprintf("rephrased %d", n), emb)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func ptr(f float64) *float64 { return &f }

func TestNewValidatesOptions(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Options{Resolver: staticResolver{}, Dimension: 3})
	assert.Error(t, err)
	_, err = New(ctx, Options{Store: newMemStore(), Dimension: 3})
	assert.Error(t, err)
	_, err = New(ctx, Options{Store: newMemStore(), Resolver: staticResolver{}})
	assert.Error(t, err)
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := []float32{1, 0, 0}

	idE := env.add(t, 1, v)
	for i := int64(0); i < 3; i++ {
		hit, err := env.m.Check(ctx, v, nil)
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, i, hit.HitCount)
	}

	// cosine 0.9 to v
	q := []float32{0.9, float32(math.Sqrt(1 - 0.81)), 0}
	hit, err := env.m.Check(ctx, q, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, idE, hit.CacheID)
	assert.Equal(t, int64(3), hit.HitCount)
	assert.InDelta(t, 0.9, hit.SimilarityScore, 1e-5)
	assert.Equal(t, "question 1", hit.Content.Question)
	assert.Equal(t, "answer 1", hit.Content.Answer)
	assert.Equal(t, "u1", hit.UserMessageID)
	assert.Equal(t, "a1", hit.AssistantMessageID)
	assert.Equal(t, "rephrased 1", hit.RephrasedQuery)

	st := env.m.Stats(ctx)
	assert.Equal(t, int64(4), st.TotalHits)
	assert.Equal(t, int64(1), st.TotalEntries)

	// cosine 0.8 is below the default 0.85
	hit, err = env.m.Check(ctx, []float32{0.8, 0.6, 0}, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)

	id2 := env.add(t, 2, []float32{0, 1, 0})
	assert.NotEqual(t, idE, id2)
	st = env.m.Stats(ctx)
	assert.Equal(t, int64(2), st.TotalEntries)
	assert.Equal(t, int64(2), st.EntriesWithEmbeddings)
	assert.Equal(t, int64(1), st.EntriesWithHits)
	assert.Equal(t, int64(2), st.EntriesLast7Days)
	assert.InDelta(t, 2.0, st.AvgHitsPerEntry, 1e-9)
	assert.False(t, st.Degraded)
	assert.Equal(t, models.DefaultPolicy(), st.Policy)
}

func TestThresholdOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.add(t, 1, []float32{1, 0, 0})
	q := []float32{0.8, 0.6, 0}

	hit, err := env.m.Check(ctx, q, ptr(0.75))
	require.NoError(t, err)
	assert.NotNil(t, hit)

	hit, err = env.m.Check(ctx, q, ptr(0.81))
	require.NoError(t, err)
	assert.Nil(t, hit)

	_, err = env.m.Check(ctx, q, ptr(1.5))
	assert.ErrorIs(t, err, cache.ErrInvalidInput)
	_, err = env.m.Check(ctx, q, ptr(math.NaN()))
	assert.ErrorIs(t, err, cache.ErrInvalidInput)
}

func TestDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.add(t, 1, []float32{1, 0, 0})

	hit, err := env.m.Check(ctx, []float32{1, 0}, nil)
	assert.Nil(t, hit)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	hit, err = env.m.Check(ctx, []float32{float32(math.Inf(1)), 0, 0}, nil)
	assert.Nil(t, hit)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	u, a := env.seedPair(t, 2)
	id, err := env.m.Add(ctx, u, a, "q", []float32{1, 0, 0, 0})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	id, err = env.m.Add(ctx, "", a, "q", []float32{1, 0, 0})
	assert.Empty(t, id)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	st := env.m.Stats(ctx)
	assert.Equal(t, int64(1), st.TotalEntries)
	assert.Equal(t, int64(0), st.TotalHits)
}

func TestZeroNormEmbeddingRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.add(t, 1, []float32{1, 0, 0})
	zero := []float32{0, 0, 0}

	u, a := env.seedPair(t, 2)
	id, err := env.m.Add(ctx, u, a, "q", zero)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	hit, err := env.m.Check(ctx, zero, nil)
	assert.Nil(t, hit)
	assert.ErrorIs(t, err, cache.ErrInvalidInput)

	assert.ErrorIs(t, env.m.FillEmbedding(ctx, "missing", zero), cache.ErrInvalidInput)

	st := env.m.Stats(ctx)
	assert.Equal(t, int64(1), st.TotalEntries)
	assert.Equal(t, int64(0), st.TotalHits)

	hit, err = env.m.Check(ctx, []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.InDelta(t, 1.0, hit.SimilarityScore, 1e-6)
}

func TestDisabledIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := []float32{1, 0, 0}
	env.add(t, 1, v)

	require.NoError(t, env.m.UpdateConfig(ctx, map[string]string{models.KeyCacheEnabled: "false"}))
	assert.False(t, env.m.Policy().Enabled)

	hit, err := env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)

	// Disabled wins over the dimension check.
	hit, err = env.m.Check(ctx, []float32{1}, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)

	u, a := env.seedPair(t, 2)
	id, err := env.m.Add(ctx, u, a, "q", v)
	require.NoError(t, err)
	assert.Empty(t, id)

	st := env.m.Stats(ctx)
	assert.Equal(t, int64(1), st.TotalEntries)
	assert.Equal(t, int64(0), st.TotalHits)
}

func TestUnresolvableHitIsMissWithoutIncrement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := []float32{0, 0, 1}

	id, err := env.m.Add(ctx, "ghost-u", "ghost-a", "gone", v)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	hit, err := env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
	assert.Equal(t, int64(0), env.m.Stats(ctx).TotalHits)

	var found bool
	for _, e := range env.hook.AllEntries() {
		if e.Data["entry_id"] == id {
			logged, _ := e.Data[logrus.ErrorKey].(error)
			assert.ErrorIs(t, logged, cache.ErrInconsistent)
			found = true
		}
	}
	assert.True(t, found, "expected a log entry for the unresolvable hit")
}

func TestTieBreakPrefersProvenEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := []float32{0, 1, 0}

	older := env.add(t, 1, v)
	newer := env.add(t, 2, v)

	// Equal score and hits: newest wins.
	hit, err := env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, newer, hit.CacheID)

	// newer now has a hit, older none; newer keeps winning.
	hit, err = env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	assert.Equal(t, newer, hit.CacheID)
	assert.NotEqual(t, older, hit.CacheID)
	assert.Equal(t, int64(1), hit.HitCount)
}

func TestConcurrentHitsAreNotLost(t *testing.T) {
	env := newTestEnv(t)
	v := []float32{1, 1, 0}
	env.add(t, 1, v)

	const n = 20
	var (
		mu   sync.Mutex
		seen []int64
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			hit, err := env.m.Check(ctx, v, nil)
			if err != nil {
				return err
			}
			if hit == nil {
				return errors.New("unexpected miss")
			}
			mu.Lock()
			seen = append(seen, hit.HitCount)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(n), env.m.Stats(context.Background()).TotalHits)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, c := range seen {
		assert.Equal(t, int64(i), c, "pre-increment counts must be distinct")
	}
}

func TestCleanupEvictsLeastValuable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.m.UpdateConfig(ctx, map[string]string{models.KeyMaxCacheEntries: "3"}))

	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}, {0, 1, 1}}
	ids := make([]string, len(vecs))
	for i, v := range vecs {
		ids[i] = env.add(t, i+1, v)
	}
	for _, v := range [][]float32{vecs[0], vecs[2]} {
		hit, err := env.m.Check(ctx, v, nil)
		require.NoError(t, err)
		require.NotNil(t, hit)
	}

	removed, err := env.m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	active, err := env.store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	// The two oldest never-hit entries are gone.
	hit, err := env.m.Check(ctx, vecs[1], nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
	hit, err = env.m.Check(ctx, vecs[4], nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, ids[4], hit.CacheID)

	removed, err = env.m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestCleanupIgnoresPendingEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.m.UpdateConfig(ctx, map[string]string{models.KeyMaxCacheEntries: "1"}))

	env.add(t, 1, []float32{1, 0, 0})
	env.seedPair(t, 2)
	env.seedPair(t, 3)
	n, err := env.m.PopulateFromExisting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	removed, err := env.m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
	assert.Equal(t, int64(3), env.m.Stats(ctx).TotalEntries)
}

func TestPopulateFromExisting(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.BackfillPageSize = 2 })
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		env.seedPair(t, i)
	}

	n, err := env.m.PopulateFromExisting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = env.m.PopulateFromExisting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second run must not duplicate")

	pending, err := env.m.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a1", pending[0].AssistantMessageID)
	assert.Equal(t, "question 1", pending[0].RephrasedQuery)
	assert.True(t, pending[0].PendingEmbedding)
	assert.Equal(t, int64(0), pending[0].HitCount)

	v := []float32{1, 0, 0}
	hit, err := env.m.Check(ctx, v, ptr(0))
	require.NoError(t, err)
	assert.Nil(t, hit, "pending entries are not searchable")

	require.NoError(t, env.m.FillEmbedding(ctx, pending[0].ID, v))
	hit, err = env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, pending[0].ID, hit.CacheID)
	assert.Equal(t, "answer 1", hit.Content.Answer)

	// Adding the answer of a backfilled pair fills the pending entry.
	id, err := env.m.Add(ctx, "u2", "a2", "question two", []float32{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, pending[1].ID, id)

	st := env.m.Stats(ctx)
	assert.Equal(t, int64(3), st.TotalEntries)
	assert.Equal(t, int64(1), st.PendingEntries)
	assert.Equal(t, int64(2), st.EntriesWithEmbeddings)

	err = env.m.FillEmbedding(ctx, "missing", v)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	err = env.m.FillEmbedding(ctx, pending[0].ID, []float32{0, 0, 1})
	assert.ErrorIs(t, err, cache.ErrNotPending)
	hit, err = env.m.Check(ctx, v, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, pending[0].ID, hit.CacheID)
	err = env.m.FillEmbedding(ctx, pending[2].ID, []float32{1})
	assert.ErrorIs(t, err, cache.ErrInvalidInput)
}

func TestVerifyAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.add(t, 1, []float32{1, 0, 0})
	env.seedPair(t, 2)

	status, err := env.m.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, status.TablesCreated)
	assert.True(t, status.SetupComplete)
	assert.Equal(t, int64(1), status.CacheEntries)
	assert.Equal(t, int64(1), status.EntriesWithEmbeddings)
	assert.Equal(t, int64(2), status.AvailableQAPairs)

	n, err := env.m.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(0), env.m.Stats(ctx).TotalEntries)
}

func TestUpdateConfigUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.m.UpdateConfig(ctx, map[string]string{
		models.KeySimilarityThreshold: "0.5",
		"ttl":                         "1h",
	})
	assert.ErrorIs(t, err, policy.ErrInvalidConfigKey)
	assert.Equal(t, 0.85, env.m.Policy().SimilarityThreshold)

	kv, err := env.store.Settings(ctx)
	require.NoError(t, err)
	assert.Empty(t, kv)
}

func TestPolicyPersistsAcrossManagers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.m.UpdateConfig(ctx, map[string]string{models.KeySimilarityThreshold: "0.6"}))

	m2, err := New(ctx, Options{Store: env.store, Resolver: env.conv, Dimension: 3})
	require.NoError(t, err)
	assert.Equal(t, 0.6, m2.Policy().SimilarityThreshold)
}
