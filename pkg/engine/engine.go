// Package engine implements the semantic query cache: lookup, insertion,
// eviction, backfill and statistics over a cache.Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pario-ai/querycache/pkg/cache"
	"github.com/pario-ai/querycache/pkg/models"
	"github.com/pario-ai/querycache/pkg/observe"
	"github.com/pario-ai/querycache/pkg/policy"
)

// Resolver loads the question and answer a cache entry refers to.
type Resolver interface {
	Resolve(ctx context.Context, userMessageID, assistantMessageID string) (models.QAContent, error)
}

// History lists historical Q&A pairs for backfill.
type History interface {
	Pairs(ctx context.Context, afterAssistantID string, limit int) ([]models.QAPair, error)
	CountPairs(ctx context.Context) (int64, error)
}

// Options configures a Manager. Store, Resolver and Dimension are required.
type Options struct {
	Store     cache.Store
	Resolver  Resolver
	History   History
	Dimension int

	// OpTimeout bounds every store round trip. Default 5s.
	OpTimeout time.Duration
	// BackfillPageSize is the number of pairs read per page. Default 500.
	BackfillPageSize int

	Logger  logrus.FieldLogger
	Metrics observe.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Manager is the cache engine. It is safe for concurrent use; one Manager
// is shared by every request for the life of the process.
type Manager struct {
	store     cache.Store
	resolver  Resolver
	history   History
	policy    *policy.Store
	dimension int
	timeout   time.Duration
	pageSize  int
	log       logrus.FieldLogger
	metrics   observe.Metrics
	now       func() time.Time
	newID     func() string
}

const recentWindow = 7 * 24 * time.Hour

// New builds a Manager and loads the policy. A failed load is logged and
// leaves the defaults in place.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("engine: resolver is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("engine: embedding dimension must be positive, got %d", opts.Dimension)
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.BackfillPageSize <= 0 {
		opts.BackfillPageSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	log := opts.Logger.WithField("component", "engine")
	m := &Manager{
		store:     opts.Store,
		resolver:  opts.Resolver,
		history:   opts.History,
		policy:    policy.New(opts.Store, opts.Logger),
		dimension: opts.Dimension,
		timeout:   opts.OpTimeout,
		pageSize:  opts.BackfillPageSize,
		log:       log,
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if err := m.Reload(ctx); err != nil {
		log.WithError(err).Warn("cache policy unavailable, serving defaults")
	}
	return m, nil
}

// Policy returns the live policy snapshot.
func (m *Manager) Policy() models.CachePolicy {
	return m.policy.Current()
}

// Reload re-reads the policy from the store.
func (m *Manager) Reload(ctx context.Context) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.policy.Reload(ctx); err != nil {
		return unavailable("reload policy", err)
	}
	return nil
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", cache.ErrUnavailable, op, err)
}

// validate rejects embeddings of the wrong dimension, with non-finite values,
// or with zero norm. Cosine similarity is undefined for a zero vector.
func (m *Manager) validate(embedding []float32) error {
	if len(embedding) != m.dimension {
		return fmt.Errorf("%w: embedding has %d dimensions, want %d", cache.ErrInvalidInput, len(embedding), m.dimension)
	}
	nonZero := false
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: embedding component %d is not finite", cache.ErrInvalidInput, i)
		}
		if f != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return fmt.Errorf("%w: embedding has zero norm", cache.ErrInvalidInput)
	}
	return nil
}

// Check looks up the best cached answer for embedding. A nil hit with a nil
// error is a miss. The only error returned is ErrInvalidInput; store failures
// are logged and reported as misses.
func (m *Manager) Check(ctx context.Context, embedding []float32, override *float64) (*models.CacheHit, error) {
	start := m.now()
	hit, result, err := m.check(ctx, embedding, override)
	m.metrics.RecordLookup(ctx, result, m.now().Sub(start))
	return hit, err
}

func (m *Manager) check(ctx context.Context, embedding []float32, override *float64) (*models.CacheHit, string, error) {
	p := m.policy.Current()
	if !p.Enabled {
		return nil, observe.ResultMiss, nil
	}
	if err := m.validate(embedding); err != nil {
		return nil, observe.ResultInvalid, err
	}
	threshold := p.SimilarityThreshold
	if override != nil {
		if math.IsNaN(*override) || *override < 0 || *override > 1 {
			return nil, observe.ResultInvalid, fmt.Errorf("%w: threshold %v outside [0,1]", cache.ErrInvalidInput, *override)
		}
		threshold = *override
	}

	ctx, cancel := m.opContext(ctx)
	defer cancel()
	log := m.log.WithField("op", "check")

	match, err := m.store.NearestMatch(ctx, embedding, threshold)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, observe.ResultMiss, nil
	}
	if err != nil {
		log.WithError(unavailable("nearest match", err)).Warn("cache lookup failed, treating as miss")
		return nil, observe.ResultError, nil
	}

	e := match.Entry
	log = log.WithField("entry_id", e.ID)
	content, err := m.resolver.Resolve(ctx, e.UserMessageID, e.AssistantMessageID)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %w", cache.ErrInconsistent, err)).Warn("cached answer unresolvable, treating as miss")
		return nil, observe.ResultError, nil
	}

	count, err := m.store.IncrementHit(ctx, e.ID, m.now())
	if errors.Is(err, cache.ErrNotFound) {
		log.Debug("entry evicted during lookup")
		return nil, observe.ResultMiss, nil
	}
	if err != nil {
		log.WithError(unavailable("record hit", err)).Warn("cache hit not recorded, treating as miss")
		return nil, observe.ResultError, nil
	}

	return &models.CacheHit{
		CacheID:            e.ID,
		UserMessageID:      e.UserMessageID,
		AssistantMessageID: e.AssistantMessageID,
		RephrasedQuery:     e.RephrasedQuery,
		SimilarityScore:    match.Score,
		HitCount:           count - 1,
		Content:            content,
	}, observe.ResultHit, nil
}

// Add caches a question/answer pair under embedding and returns the entry
// id. It returns "" with a nil error when caching is disabled or the store
// fails; only ErrInvalidInput is returned as an error.
func (m *Manager) Add(ctx context.Context, userMessageID, assistantMessageID, rephrasedQuery string, embedding []float32) (string, error) {
	if !m.policy.Current().Enabled {
		m.metrics.RecordInsert(ctx, observe.ResultSkipped)
		return "", nil
	}
	if err := m.validate(embedding); err != nil {
		m.metrics.RecordInsert(ctx, observe.ResultInvalid)
		return "", err
	}
	if userMessageID == "" || assistantMessageID == "" {
		m.metrics.RecordInsert(ctx, observe.ResultInvalid)
		return "", fmt.Errorf("%w: message ids are required", cache.ErrInvalidInput)
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	id, err := m.store.Insert(opCtx, models.CacheEntry{
		ID:                 m.newID(),
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
		RephrasedQuery:     rephrasedQuery,
		Embedding:          embedding,
		CreatedAt:          m.now(),
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"op":                   "add",
			"assistant_message_id": assistantMessageID,
		}).WithError(unavailable("insert", err)).Warn("cache insert failed")
		m.metrics.RecordInsert(ctx, observe.ResultError)
		return "", nil
	}
	m.metrics.RecordInsert(ctx, observe.ResultStored)
	return id, nil
}

// Cleanup evicts the least valuable entries until at most MaxEntries
// searchable entries remain, and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	maxEntries := int64(m.policy.Current().MaxEntries)

	ctx, cancel := m.opContext(ctx)
	defer cancel()

	total, err := m.store.CountActive(ctx)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	if total <= maxEntries {
		return 0, nil
	}
	removed, err := m.store.EvictLeastValuable(ctx, total-maxEntries)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	m.metrics.RecordEvicted(ctx, removed)
	m.log.WithFields(logrus.Fields{"op": "cleanup", "removed": removed, "max_entries": maxEntries}).
		Info("evicted cache entries")
	return removed, nil
}

// PopulateFromExisting creates a pending entry for every historical Q&A pair
// that has none yet and returns how many were created. Running it again
// creates nothing new. On failure the count inserted so far is returned
// with the error.
func (m *Manager) PopulateFromExisting(ctx context.Context) (int64, error) {
	if m.history == nil {
		return 0, errors.New("engine: no conversation history configured")
	}
	var inserted int64
	defer func() { m.metrics.RecordBackfilled(ctx, inserted) }()

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		pairs, err := m.pairs(ctx, after)
		if err != nil {
			return inserted, unavailable("populate", err)
		}
		for _, p := range pairs {
			ok, err := m.insertPending(ctx, p)
			if err != nil {
				return inserted, unavailable("populate", err)
			}
			if ok {
				inserted++
			}
		}
		if len(pairs) < m.pageSize {
			break
		}
		after = pairs[len(pairs)-1].AssistantMessageID
	}

	m.log.WithFields(logrus.Fields{"op": "populate", "inserted": inserted}).Info("backfilled cache from history")
	return inserted, nil
}

func (m *Manager) pairs(ctx context.Context, after string) ([]models.QAPair, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.history.Pairs(ctx, after, m.pageSize)
}

func (m *Manager) insertPending(ctx context.Context, p models.QAPair) (bool, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.store.InsertPending(ctx, models.CacheEntry{
		ID:                 m.newID(),
		UserMessageID:      p.UserMessageID,
		AssistantMessageID: p.AssistantMessageID,
		RephrasedQuery:     p.Question,
		CreatedAt:          m.now(),
		PendingEmbedding:   true,
	})
}

// Stats aggregates the cache. On failure the counts are zero.
func (m *Manager) Stats(ctx context.Context) models.CacheStats {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	st, err := m.store.Stats(ctx, m.now().Add(-recentWindow))
	if err != nil {
		m.log.WithField("op", "stats").WithError(unavailable("stats", err)).Warn("cache stats unavailable")
		st = models.CacheStats{}
	}
	st.Policy = m.policy.Current()
	st.Degraded = m.policy.Degraded()
	return st
}

// UpdateConfig persists policy changes and reloads. Unknown keys fail with
// policy.ErrInvalidConfigKey and nothing is applied.
func (m *Manager) UpdateConfig(ctx context.Context, changes map[string]string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.policy.Update(ctx, changes); err != nil {
		if errors.Is(err, cache.ErrInvalidInput) {
			return err
		}
		return unavailable("update config", err)
	}
	m.log.WithField("op", "update_config").WithField("keys", len(changes)).Info("cache policy updated")
	return nil
}

// FillEmbedding attaches an embedding to a pending entry, making it
// searchable.
func (m *Manager) FillEmbedding(ctx context.Context, entryID string, embedding []float32) error {
	if err := m.validate(embedding); err != nil {
		return err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	err := m.store.FillEmbedding(ctx, entryID, embedding)
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrNotPending) {
		return err
	}
	if err != nil {
		return unavailable("fill embedding", err)
	}
	return nil
}

// Pending lists up to limit entries waiting for an embedding.
func (m *Manager) Pending(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	entries, err := m.store.Pending(ctx, limit)
	if err != nil {
		return nil, unavailable("pending", err)
	}
	return entries, nil
}

// Clear removes every cache entry.
func (m *Manager) Clear(ctx context.Context) (int64, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	n, err := m.store.Clear(ctx)
	if err != nil {
		return 0, unavailable("clear", err)
	}
	m.log.WithFields(logrus.Fields{"op": "clear", "removed": n}).Info("cache cleared")
	return n, nil
}

// Verify reports whether the cache schema is in place and how much data it
// holds. The returned error is non-nil only when the store is unreachable.
func (m *Manager) Verify(ctx context.Context) (models.SetupStatus, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	var status models.SetupStatus
	if err := m.store.Ping(ctx); err != nil {
		return status, unavailable("verify", err)
	}
	status.TablesCreated = true

	st, err := m.store.Stats(ctx, m.now().Add(-recentWindow))
	if err != nil {
		return status, unavailable("verify", err)
	}
	status.CacheEntries = st.TotalEntries
	status.EntriesWithEmbeddings = st.EntriesWithEmbeddings

	if m.history != nil {
		n, err := m.history.CountPairs(ctx)
		if err != nil {
			return status, unavailable("verify", err)
		}
		status.AvailableQAPairs = n
	}
	status.SetupComplete = status.TablesCreated
	return status, nil
}
